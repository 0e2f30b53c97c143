package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/assistant"
	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/tools"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// IngestResponse acknowledges one applied event.
type IngestResponse struct {
	ID       string           `json:"id"`
	State    core.RecordState `json:"state"`
	Revision int64            `json:"revision"`
	Deleted  bool             `json:"deleted"`
	Edited   bool             `json:"edited"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := s.router.Health(ctx)
	resp := HealthResponse{
		Status:    "healthy",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !serving(checks) {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	} else if checks["embedder"] != "ok" {
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev core.MessageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, fmt.Errorf("%w: decode event: %w", core.ErrInvalidEvent, err))
		return
	}
	rec, err := s.router.Ingest(r.Context(), &ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackFor(rec))
}

func ackFor(rec *core.Record) IngestResponse {
	return IngestResponse{
		ID:       rec.ID,
		State:    rec.State,
		Revision: rec.Revision,
		Deleted:  rec.Deleted,
		Edited:   rec.Edited,
	}
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	loc, err := s.router.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	includeDeleted := q.Get("include_deleted") == "true"

	recs, err := s.router.RecentMessages(r.Context(), chi.URLParam(r, "channelID"), limit, includeDeleted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": recs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.router.Statistics(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query, k, opts, err := searchParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hits, err := s.router.SemanticSearch(r.Context(), query, k, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	query, k, opts, err := searchParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.router.ContextFor(r.Context(), query, k, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools.Definitions()})
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: read body: %w", core.ErrInvalidEvent, err))
		return
	}
	result, err := s.tools.Execute(r.Context(), chi.URLParam(r, "name"), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	ChannelID string `json:"channel_id,omitempty"`
	Question  string `json:"question"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.asker == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "assistant is disabled"})
		return
	}
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: decode request: %w", core.ErrInvalidEvent, err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeError(w, fmt.Errorf("%w: question is required", core.ErrInvalidEvent))
		return
	}
	ans, err := s.asker.Ask(r.Context(), req.ChannelID, req.Question)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func searchParams(r *http.Request) (string, int, []archive.SearchOption, error) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		return "", 0, nil, fmt.Errorf("%w: q is required", core.ErrInvalidEvent)
	}
	k, err := intParam(q.Get("k"), 5)
	if err != nil {
		return "", 0, nil, err
	}

	var opts []archive.SearchOption
	if ch := q.Get("channel_id"); ch != "" {
		opts = append(opts, archive.InChannel(ch))
	}
	if q.Get("include_deleted") == "true" {
		opts = append(opts, archive.IncludeDeleted())
	}
	since, err := timeParam(q.Get("since"))
	if err != nil {
		return "", 0, nil, err
	}
	until, err := timeParam(q.Get("until"))
	if err != nil {
		return "", 0, nil, err
	}
	if !since.IsZero() || !until.IsZero() {
		opts = append(opts, archive.Between(since, until))
	}
	return query, k, opts, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad integer %q", core.ErrInvalidEvent, v)
	}
	return n, nil
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad time %q", core.ErrInvalidEvent, v)
	}
	return t, nil
}

// statusFor maps archive errors onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound), errors.Is(err, tools.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, core.ErrEmbeddingUnavailable), errors.Is(err, core.ErrStorageFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, assistant.ErrTooManyTurns):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
