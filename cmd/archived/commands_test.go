package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/archive/embedder/hashing"
	"github.com/becomeliminal/nim-archive/internal/testutil"
)

func TestIngestLines(t *testing.T) {
	cfg := archive.DefaultConfig()
	cfg.EmbeddingDimension = 32
	gw, err := archive.NewGateway(hashing.New(32), cfg)
	require.NoError(t, err)
	store := testutil.OpenStore(t)
	router := archive.NewRouter(store, testutil.OpenIndex(t, 32), gw, cfg)

	input := strings.Join([]string{
		`{"kind":"created","id":"m1","channel_id":"c1","author_id":"a1","content":"hi","timestamp":"2026-06-01T10:00:00Z"}`,
		``,
		`{"kind":"edited","id":"m1","channel_id":"c1","content":"hello","timestamp":"2026-06-01T10:01:00Z"}`,
		`not json`,
		`{"kind":"edited","id":"m404","channel_id":"c1","content":"x","timestamp":"2026-06-01T10:01:00Z"}`,
		`{"kind":"exploded","id":"m2","channel_id":"c1","timestamp":"2026-06-01T10:01:00Z"}`,
	}, "\n")

	var rejected []int
	sum, err := ingestLines(context.Background(), router, strings.NewReader(input), func(line int, _ error) {
		rejected = append(rejected, line)
	})
	require.NoError(t, err)
	assert.Equal(t, ingestSummary{Lines: 6, Applied: 2, Rejected: 3}, sum)
	assert.Equal(t, []int{4, 5, 6}, rejected)

	rec, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Content)
}

func TestCLI_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARCHIVE_DATA_DIR", dir)
	t.Setenv("ARCHIVE_VECTOR_PATH", "memory")
	t.Setenv("ARCHIVE_ENV", "test")
	t.Setenv("ARCHIVE_LOG_LEVEL", "error")
	t.Setenv("ARCHIVE_SUMMARIZER", "truncate")
	t.Setenv("ARCHIVE_EMBEDDER", "hashing")

	events := filepath.Join(dir, "events.jsonl")
	at := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, writeLines(events,
		`{"kind":"created","id":"m1","channel_id":"c1","author_id":"a1","author_name":"Ada","content":"ship it friday","timestamp":"`+at+`"}`,
	))

	run := func(args ...string) string {
		t.Helper()
		var buf bytes.Buffer
		rootCmd.SetOut(&buf)
		rootCmd.SetErr(&buf)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute(), buf.String())
		return buf.String()
	}
	t.Cleanup(func() { jsonFlag = false; keywordFlag = false })

	assert.Contains(t, run("ingest", events), "1 applied")
	assert.Contains(t, run("recent", "c1"), "Ada: ship it friday")
	assert.Contains(t, run("search", "--keyword", "friday"), "m1")
	assert.Contains(t, run("history", "m1"), "ship it friday")
	assert.Contains(t, run("--json", "stats", "c1"), `"total": 1`)
	assert.Contains(t, run("--json", "migrate"), `"migrated": 0`)
	assert.Equal(t, version+"\n", run("version"))
}

func writeLines(path string, lines ...string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
