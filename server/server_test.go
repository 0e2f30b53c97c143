package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/archive/embedder/hashing"
	"github.com/becomeliminal/nim-archive/assistant"
	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/internal/testutil"
	"github.com/becomeliminal/nim-archive/server"
)

const dims = 64

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router    *archive.Router
	scheduler *archive.Scheduler
	http      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := archive.DefaultConfig()
	cfg.EmbeddingDimension = dims

	store := testutil.OpenStore(t)
	index := testutil.OpenIndex(t, dims)
	gw, err := archive.NewGateway(hashing.New(dims), cfg)
	require.NoError(t, err)

	router := archive.NewRouter(store, index, gw, cfg)
	srv, err := server.New(server.Config{Router: router})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{
		router:    router,
		scheduler: archive.NewScheduler(store, index, gw, cfg, archive.WithClock(func() time.Time { return now })),
		http:      ts,
	}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.http.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestNew_RequiresRouter(t *testing.T) {
	_, err := server.New(server.Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["record_store"])
}

func TestIngestAndRead(t *testing.T) {
	f := newFixture(t)
	at := now.Add(-time.Hour)

	resp, body := f.post(t, "/v1/events", testutil.Created("m1", "c1", "alice", "deploy is green", at))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "m1", body["id"])
	assert.Equal(t, "hot", body["state"])

	resp, _ = f.post(t, "/v1/events", testutil.Edited("m1", "c1", "deploy is red", at.Add(time.Minute)))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.get(t, "/v1/channels/c1/messages?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "deploy is red", msgs[0].(map[string]any)["content"])

	resp, body = f.get(t, "/v1/messages/m1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hot", body["tier"])
	history := body["record"].(map[string]any)["edit_history"].([]any)
	require.Len(t, history, 1)

	resp, body = f.get(t, "/v1/channels/c1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 1, body["edited"])
	assert.Equal(t, true, body["recent_window_only"])
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/v1/events", map[string]any{"kind": "created", "id": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(f.http.URL+"/v1/events", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/v1/events", testutil.Edited("ghost", "c1", "boo", now))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/v1/messages/ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/v1/search")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/v1/search?q=x&k=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/v1/context?q=x&since=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchAndContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.router.Ingest(ctx, testutil.Created("old", "c1", "bob", "postgres failover runbook", now.Add(-10*24*time.Hour)))
	require.NoError(t, err)
	_, err = f.router.Ingest(ctx, testutil.Created("new", "c1", "bob", "failover drill tomorrow", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = f.scheduler.RunCycle(ctx)
	require.NoError(t, err)

	resp, body := f.get(t, "/v1/search?q=postgres+failover&k=3&channel_id=c1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "old", results[0].(map[string]any)["source_id"])

	resp, body = f.get(t, "/v1/context?q=failover&k=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["partial"])
	tiers := map[string]string{}
	for _, item := range body["items"].([]any) {
		m := item.(map[string]any)
		tiers[m["source_id"].(string)] = m["tier"].(string)
	}
	assert.Equal(t, map[string]string{"old": "cold", "new": "hot"}, tiers)

	resp, body = f.get(t, "/v1/messages/old")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cold", body["tier"])
}

func TestTools(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Ingest(context.Background(), testutil.Created("m1", "c1", "alice", "hello", now))
	require.NoError(t, err)

	resp, body := f.get(t, "/v1/tools")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["tools"].([]any), 5)

	resp, body = f.post(t, "/v1/tools/recent_messages", map[string]any{"channel_id": "c1", "thought": "catching up"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["result"].([]any), 1)

	resp, _ = f.post(t, "/v1/tools/transfer_money", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.post(t, "/v1/tools/channel_stats", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type stubAsker struct{ question string }

func (s *stubAsker) Ask(_ context.Context, channelID, question string) (*assistant.Answer, error) {
	s.question = question
	return &assistant.Answer{Text: "answer for " + channelID, Turns: 1}, nil
}

func TestAsk(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/v1/ask", server.AskRequest{Question: "anything?"})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode, "disabled by default")

	asker := &stubAsker{}
	srv, err := server.New(server.Config{Router: f.router, Assistant: asker})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	f.http = ts

	resp, body := f.post(t, "/v1/ask", server.AskRequest{ChannelID: "c1", Question: "who shipped it?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "answer for c1", body["text"])
	assert.Equal(t, "who shipped it?", asker.question)

	resp, _ = f.post(t, "/v1/ask", server.AskRequest{Question: " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketIngest(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello server.WSFrame
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "session", hello.Type)
	require.NotEmpty(t, hello.SessionID)

	events := []*core.MessageEvent{
		testutil.Created("w1", "c1", "alice", "first", now),
		testutil.Edited("w1", "c1", "first, edited", now.Add(time.Second)),
		testutil.Edited("missing", "c1", "nope", now),
	}
	for _, ev := range events {
		require.NoError(t, conn.WriteJSON(ev))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	var frames []server.WSFrame
	for range 4 {
		var fr server.WSFrame
		require.NoError(t, conn.ReadJSON(&fr))
		frames = append(frames, fr)
	}

	assert.Equal(t, "ack", frames[0].Type)
	assert.EqualValues(t, 1, frames[0].Seq)
	assert.Equal(t, "ack", frames[1].Type)
	assert.Greater(t, frames[1].Revision, frames[0].Revision)
	assert.Equal(t, "error", frames[2].Type)
	assert.Equal(t, http.StatusNotFound, frames[2].Status)
	assert.Equal(t, "error", frames[3].Type)
	assert.Equal(t, http.StatusBadRequest, frames[3].Status)

	loc, err := f.router.Get(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "first, edited", loc.Record.Content)
}
