package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/metrics"
)

// Router is the single entry point for callers: it owns the ingestion
// path and fans queries out to the hot and cold tiers.
type Router struct {
	store   RecordStore
	index   VectorIndex
	gateway *Gateway
	cfg     *Config
	logger  zerolog.Logger
}

// NewRouter creates a Router. A nil cfg uses DefaultConfig.
func NewRouter(store RecordStore, index VectorIndex, gateway *Gateway, cfg *Config, opts ...Option) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := buildOptions(opts)
	return &Router{
		store:   store,
		index:   index,
		gateway: gateway,
		cfg:     cfg,
		logger:  o.logger.With().Str("component", "router").Logger(),
	}
}

// Ingest validates an event and applies it to the hot tier. Events for a
// message that has already been migrated are rejected with
// core.ErrInvalidEvent.
func (r *Router) Ingest(ctx context.Context, ev *core.MessageEvent) (*core.Record, error) {
	if err := ev.Validate(); err != nil {
		metrics.EventsIngested.WithLabelValues("unknown", "invalid").Inc()
		return nil, err
	}
	kind := string(ev.Kind)

	if ev.Kind == core.EventCreated {
		if _, err := r.store.Get(ctx, ev.ID); errors.Is(err, core.ErrNotFound) {
			if late, err := r.isCold(ctx, ev.ID); err != nil {
				metrics.EventsIngested.WithLabelValues(kind, "error").Inc()
				return nil, err
			} else if late {
				return nil, r.rejectLate(ev)
			}
		} else if err != nil {
			metrics.EventsIngested.WithLabelValues(kind, "error").Inc()
			return nil, err
		}
	}

	rec, changed, err := r.store.Append(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrNotFound):
		late, lerr := r.isCold(ctx, ev.ID)
		if lerr != nil {
			metrics.EventsIngested.WithLabelValues(kind, "error").Inc()
			return nil, lerr
		}
		if late {
			return nil, r.rejectLate(ev)
		}
		metrics.EventsIngested.WithLabelValues(kind, "not_found").Inc()
		return nil, err
	case errors.Is(err, core.ErrInvalidEvent):
		metrics.EventsIngested.WithLabelValues(kind, "invalid").Inc()
		return nil, err
	default:
		metrics.EventsIngested.WithLabelValues(kind, "error").Inc()
		r.logger.Error().Err(err).Str("id", ev.ID).Str("kind", kind).Msg("append failed")
		return nil, err
	}

	outcome := "applied"
	if !changed {
		outcome = "noop"
	}
	metrics.EventsIngested.WithLabelValues(kind, outcome).Inc()
	r.logger.Debug().Str("id", ev.ID).Str("kind", kind).Str("outcome", outcome).Int64("revision", rec.Revision).Msg("event ingested")
	return rec, nil
}

func (r *Router) isCold(ctx context.Context, id string) (bool, error) {
	_, err := r.index.Get(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, core.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (r *Router) rejectLate(ev *core.MessageEvent) error {
	metrics.EventsIngested.WithLabelValues(string(ev.Kind), "late").Inc()
	r.logger.Warn().Str("id", ev.ID).Str("kind", string(ev.Kind)).Msg("event for archived message dropped")
	return fmt.Errorf("%w: message %s is already archived", core.ErrInvalidEvent, ev.ID)
}

// RecentMessages lists the newest hot records of a channel.
func (r *Router) RecentMessages(ctx context.Context, channelID string, limit int, includeDeleted bool) ([]*core.Record, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: missing channel id", core.ErrInvalidEvent)
	}
	return r.store.ListRecent(ctx, channelID, limit, includeDeleted)
}

// Statistics returns hot-window statistics for a channel plus the size of
// the archive.
func (r *Router) Statistics(ctx context.Context, channelID string) (*core.Stats, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: missing channel id", core.ErrInvalidEvent)
	}
	stats, err := r.store.Stats(ctx, channelID)
	if err != nil {
		return nil, err
	}
	archived, err := r.index.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats.RecentWindowOnly = true
	stats.ArchivedTotal = archived
	return stats, nil
}

// SearchOption narrows SemanticSearch and ContextFor.
type SearchOption func(*SearchFilter)

// InChannel restricts results to one channel.
func InChannel(channelID string) SearchOption {
	return func(f *SearchFilter) { f.ChannelID = channelID }
}

// IncludeDeleted also returns archived messages that were deleted.
func IncludeDeleted() SearchOption {
	return func(f *SearchFilter) { f.IncludeDeleted = true }
}

// Between restricts results to messages created in [since, until]. A zero
// bound is open.
func Between(since, until time.Time) SearchOption {
	return func(f *SearchFilter) {
		f.Since = since
		f.Until = until
	}
}

func buildFilter(opts []SearchOption) SearchFilter {
	var f SearchFilter
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// SemanticSearch embeds the query and searches the cold tier.
func (r *Router) SemanticSearch(ctx context.Context, query string, k int, opts ...SearchOption) ([]core.SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", core.ErrInvalidEvent)
	}
	if k <= 0 {
		return nil, nil
	}
	metrics.SearchQueries.WithLabelValues("semantic").Inc()

	vec, err := r.gateway.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.index.Search(ctx, vec, k, buildFilter(opts))
}

// ContextFor merges a keyword pass over the hot tier with a semantic pass
// over the cold tier. Results are deduplicated by message id, with the hot
// copy winning, and ordered by score with hot ahead of cold on ties. When
// the embedder is unavailable only hot results are returned and the result
// is marked partial.
func (r *Router) ContextFor(ctx context.Context, query string, k int, opts ...SearchOption) (*core.ContextResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", core.ErrInvalidEvent)
	}
	result := &core.ContextResult{Items: []core.ContextItem{}}
	if k <= 0 {
		return result, nil
	}
	metrics.SearchQueries.WithLabelValues("context").Inc()
	filter := buildFilter(opts)

	candidates := r.cfg.keywordCandidates()
	if candidates < k {
		candidates = k
	}
	hot, err := r.store.SearchContent(ctx, query, filter.ChannelID, candidates)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(hot))
	for _, rec := range hot {
		if !inRange(rec.CreatedAt, filter) {
			continue
		}
		seen[rec.ID] = true
		result.Items = append(result.Items, core.ContextItem{
			SourceID:   rec.ID,
			Tier:       core.TierHot,
			ChannelID:  rec.ChannelID,
			AuthorID:   rec.AuthorID,
			AuthorName: rec.AuthorName,
			CreatedAt:  rec.CreatedAt,
			Text:       rec.Content,
			Edited:     rec.Edited,
			EditCount:  len(rec.EditHistory),
			Score:      keywordScore(query, rec.Content),
		})
	}

	hits, err := r.SemanticSearch(ctx, query, k, opts...)
	switch {
	case err == nil:
		for _, hit := range hits {
			if seen[hit.SourceID] {
				continue
			}
			seen[hit.SourceID] = true
			result.Items = append(result.Items, core.ContextItem{
				SourceID:   hit.SourceID,
				Tier:       core.TierCold,
				ChannelID:  hit.ChannelID,
				AuthorID:   hit.AuthorID,
				AuthorName: hit.AuthorName,
				CreatedAt:  hit.CreatedAt,
				Text:       hit.Summary,
				Edited:     hit.Edited,
				EditCount:  hit.EditCount,
				Score:      hit.Score,
			})
		}
	case errors.Is(err, core.ErrEmbeddingUnavailable):
		result.Partial = true
		metrics.PartialContextResults.Inc()
		r.logger.Warn().Err(err).Msg("semantic pass unavailable, returning hot results only")
	default:
		return nil, err
	}

	sort.SliceStable(result.Items, func(i, j int) bool {
		a, b := result.Items[i], result.Items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Tier != b.Tier {
			return a.Tier == core.TierHot
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if len(result.Items) > k {
		result.Items = result.Items[:k]
	}
	return result, nil
}

// Get finds a message in whichever tier holds it.
func (r *Router) Get(ctx context.Context, id string) (*core.Location, error) {
	rec, err := r.store.Get(ctx, id)
	if err == nil {
		return &core.Location{Tier: core.TierHot, Record: rec}, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	entry, err := r.index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &core.Location{Tier: core.TierCold, Entry: entry}, nil
}

// Health reports the readiness of each dependency.
func (r *Router) Health(ctx context.Context) map[string]string {
	status := map[string]string{
		"record_store": "ok",
		"vector_index": "ok",
		"embedder":     "ok",
	}
	if err := r.store.Ping(ctx); err != nil {
		status["record_store"] = err.Error()
	}
	if _, err := r.index.Count(ctx); err != nil {
		status["vector_index"] = err.Error()
	}
	if !r.gateway.Ready() {
		status["embedder"] = "loading"
	}
	return status
}

// keywordScore is 1 for a full-phrase match, otherwise the fraction of
// query terms present in text.
func keywordScore(query, text string) float32 {
	q := strings.ToLower(query)
	t := strings.ToLower(text)
	if strings.Contains(t, q) {
		return 1
	}
	terms := strings.Fields(q)
	if len(terms) == 0 {
		return 0
	}
	matched := 0
	for _, term := range terms {
		if strings.Contains(t, term) {
			matched++
		}
	}
	return float32(matched) / float32(len(terms))
}

func inRange(t time.Time, f SearchFilter) bool {
	if !f.Since.IsZero() && t.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.After(f.Until) {
		return false
	}
	return true
}
