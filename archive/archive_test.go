package archive_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/archive/embedder/hashing"
	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/internal/testutil"
)

const dims = 64

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

// flakyEmbedder wraps the hashing embedder and reports the model as
// unavailable for any text containing "flaky".
type flakyEmbedder struct {
	*hashing.Embedder
	calls atomic.Int64
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if strings.Contains(text, "flaky") {
		return nil, core.ErrEmbeddingUnavailable
	}
	return f.Embedder.Embed(ctx, text)
}

// downEmbedder is never ready.
type downEmbedder struct{ *hashing.Embedder }

func (downEmbedder) Ready() bool { return false }

// slowEmbedder blocks until its context is done.
type slowEmbedder struct{ *hashing.Embedder }

func (slowEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingIndex fails every Insert while fail is set.
type failingIndex struct {
	archive.VectorIndex
	fail atomic.Bool
}

func (f *failingIndex) Insert(ctx context.Context, entries []core.VectorEntry) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.VectorIndex.Insert(ctx, entries)
}

// crashingStore fails RemoveMigrated once, as if the process died between
// insert and remove.
type crashingStore struct {
	archive.RecordStore
	crashes atomic.Int32
}

func (c *crashingStore) RemoveMigrated(ctx context.Context, recs []*core.Record) ([]string, error) {
	if c.crashes.Add(-1) >= 0 {
		return nil, errors.New("simulated crash")
	}
	return c.RecordStore.RemoveMigrated(ctx, recs)
}

// editingStore applies an edit right after the first claim, as if the
// author edited the message while its batch was being embedded.
type editingStore struct {
	archive.RecordStore
	edit *core.MessageEvent
	once sync.Once
}

func (e *editingStore) SelectAgedBefore(ctx context.Context, cutoff time.Time, batchSize int, exclude ...string) ([]*core.Record, error) {
	recs, err := e.RecordStore.SelectAgedBefore(ctx, cutoff, batchSize, exclude...)
	if err != nil || len(recs) == 0 {
		return recs, err
	}
	var editErr error
	e.once.Do(func() { _, _, editErr = e.RecordStore.Append(ctx, e.edit) })
	return recs, editErr
}

// cancelingEmbedder cancels the cycle from inside the first embed call.
type cancelingEmbedder struct {
	*hashing.Embedder
	cancel context.CancelFunc
}

func (c *cancelingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	store     archive.RecordStore
	index     archive.VectorIndex
	gateway   *archive.Gateway
	router    *archive.Router
	scheduler *archive.Scheduler
	cfg       *archive.Config
}

func newHarness(t *testing.T, embedder archive.Embedder, wrap func(archive.RecordStore, archive.VectorIndex) (archive.RecordStore, archive.VectorIndex)) *harness {
	t.Helper()
	cfg := archive.DefaultConfig()
	cfg.EmbeddingDimension = dims
	cfg.EmbedTimeout = 200 * time.Millisecond

	var store archive.RecordStore = testutil.OpenStore(t)
	var index archive.VectorIndex = testutil.OpenIndex(t, dims)
	if wrap != nil {
		store, index = wrap(store, index)
	}
	if embedder == nil {
		embedder = hashing.New(dims)
	}
	gw, err := archive.NewGateway(embedder, cfg)
	require.NoError(t, err)

	clock := archive.WithClock(func() time.Time { return now })
	return &harness{
		store:     store,
		index:     index,
		gateway:   gw,
		cfg:       cfg,
		router:    archive.NewRouter(store, index, gw, cfg),
		scheduler: archive.NewScheduler(store, index, gw, cfg, clock),
	}
}

func (h *harness) ingest(t *testing.T, ev *core.MessageEvent) *core.Record {
	t.Helper()
	rec, err := h.router.Ingest(context.Background(), ev)
	require.NoError(t, err)
	return rec
}

func daysAgo(d float64) time.Time {
	return now.Add(-time.Duration(d * float64(24*time.Hour)))
}

func TestGateway(t *testing.T) {
	ctx := context.Background()
	cfg := archive.DefaultConfig()
	cfg.EmbeddingDimension = dims
	cfg.EmbedTimeout = 50 * time.Millisecond

	_, err := archive.NewGateway(hashing.New(dims+1), cfg)
	require.Error(t, err, "dimension mismatch is rejected at construction")

	gw, err := archive.NewGateway(hashing.New(dims), cfg)
	require.NoError(t, err)
	vec, err := gw.Embed(ctx, "hello")
	require.NoError(t, err)
	require.Len(t, vec, dims)
	require.True(t, gw.Ready())

	gw, err = archive.NewGateway(downEmbedder{hashing.New(dims)}, cfg)
	require.NoError(t, err)
	_, err = gw.Embed(ctx, "hello")
	require.ErrorIs(t, err, core.ErrEmbeddingUnavailable)
	require.False(t, gw.Ready())

	gw, err = archive.NewGateway(slowEmbedder{hashing.New(dims)}, cfg)
	require.NoError(t, err)
	_, err = gw.Embed(ctx, "hello")
	require.ErrorIs(t, err, core.ErrEmbeddingUnavailable, "timeout is retryable")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = gw.Embed(canceled, "hello")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, core.ErrEmbeddingUnavailable)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, archive.DefaultConfig().Validate())

	cfg := archive.DefaultConfig()
	cfg.MigrationBatchSize = 0
	require.Error(t, cfg.Validate())

	cfg = archive.DefaultConfig()
	cfg.RetentionWindow = -time.Hour
	require.Error(t, cfg.Validate())
}

func TestScheduler_MigratesAgedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	h.ingest(t, testutil.Created("old", "c1", "a1", "quarterly budget review notes", daysAgo(8)))
	h.ingest(t, testutil.Created("fresh", "c1", "a1", "budget for next week", daysAgo(1)))

	report, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Selected)
	require.Equal(t, 1, report.Migrated)
	require.NotEmpty(t, report.CycleID)

	_, err = h.store.Get(ctx, "old")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = h.store.Get(ctx, "fresh")
	require.NoError(t, err)

	hits, err := h.router.SemanticSearch(ctx, "budget review", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "old", hits[0].SourceID)
	require.Equal(t, "quarterly budget review notes", hits[0].Summary)

	loc, err := h.router.Get(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, core.TierCold, loc.Tier)
	require.True(t, loc.Entry.MigratedAt.Equal(now))
}

func TestScheduler_CutoffIsExclusive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	h.ingest(t, testutil.Created("edge", "c1", "a1", "right at the edge", now.Add(-h.cfg.RetentionWindow)))
	h.ingest(t, testutil.Created("inside", "c1", "a1", "inside window", daysAgo(6.9)))

	report, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Selected)

	count, err := h.index.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestScheduler_EditedRecordKeepsOnlyFinalContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	h.ingest(t, testutil.Created("m1", "c1", "a1", "first draft of the launch plan", daysAgo(10)))
	h.ingest(t, testutil.Edited("m1", "c1", "final launch plan approved", daysAgo(9)))

	hot, err := h.store.Get(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, hot.EditHistory, 1)

	_, err = h.scheduler.RunCycle(ctx)
	require.NoError(t, err)

	entry, err := h.index.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "final launch plan approved", entry.Summary)
	require.True(t, entry.Edited)
	require.Equal(t, 1, entry.EditCount)

	_, err = h.router.Ingest(ctx, testutil.Edited("m1", "c1", "too late", now))
	require.ErrorIs(t, err, core.ErrInvalidEvent)
	_, err = h.router.Ingest(ctx, testutil.Deleted("m1", "c1", now))
	require.ErrorIs(t, err, core.ErrInvalidEvent)
	_, err = h.router.Ingest(ctx, testutil.Created("m1", "c1", "a1", "replayed", daysAgo(10)))
	require.ErrorIs(t, err, core.ErrInvalidEvent)

	entry, err = h.index.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "final launch plan approved", entry.Summary, "archive untouched by late events")
}

func TestScheduler_DeletedRecordHiddenFromSearch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	h.ingest(t, testutil.Created("m2", "c1", "a1", "secret rollout details", daysAgo(2)))
	h.ingest(t, testutil.Deleted("m2", "c1", daysAgo(1)))

	recent, err := h.router.RecentMessages(ctx, "c1", 10, false)
	require.NoError(t, err)
	require.Empty(t, recent)

	recent, err = h.router.RecentMessages(ctx, "c1", 10, true)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "secret rollout details", recent[0].Content)

	// Age it out and migrate.
	h.cfg.RetentionWindow = 24 * time.Hour
	_, err = h.scheduler.RunCycle(ctx)
	require.NoError(t, err)

	hits, err := h.router.SemanticSearch(ctx, "rollout details", 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = h.router.SemanticSearch(ctx, "rollout details", 5, archive.IncludeDeleted())
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.True(t, hits[0].Deleted)
}

func TestScheduler_InsertFailureRemovesNothing(t *testing.T) {
	ctx := context.Background()
	var failing *failingIndex
	h := newHarness(t, nil, func(s archive.RecordStore, i archive.VectorIndex) (archive.RecordStore, archive.VectorIndex) {
		failing = &failingIndex{VectorIndex: i}
		failing.fail.Store(true)
		return s, failing
	})

	h.ingest(t, testutil.Created("a", "c1", "u", "alpha", daysAgo(9)))
	h.ingest(t, testutil.Created("b", "c1", "u", "beta", daysAgo(8)))

	_, err := h.scheduler.RunCycle(ctx)
	require.ErrorIs(t, err, core.ErrIndexInsertFailure)

	for _, id := range []string{"a", "b"} {
		rec, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, core.StateHot, rec.State)
	}

	failing.fail.Store(false)
	report, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Migrated)
}

func TestScheduler_CrashBetweenInsertAndRemove(t *testing.T) {
	ctx := context.Background()
	var crashing *crashingStore
	h := newHarness(t, nil, func(s archive.RecordStore, i archive.VectorIndex) (archive.RecordStore, archive.VectorIndex) {
		crashing = &crashingStore{RecordStore: s}
		crashing.crashes.Store(1)
		return crashing, i
	})

	h.ingest(t, testutil.Created("m", "c1", "u", "survives a crash", daysAgo(8)))

	_, err := h.scheduler.RunCycle(ctx)
	require.Error(t, err)

	// Both tiers hold the record until the next cycle.
	_, err = h.store.Get(ctx, "m")
	require.NoError(t, err)
	_, err = h.index.Get(ctx, "m")
	require.NoError(t, err)

	report, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Migrated)

	_, err = h.store.Get(ctx, "m")
	require.ErrorIs(t, err, core.ErrNotFound)
	count, err := h.index.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "re-insert replaced the earlier copy")
}

func TestScheduler_DefersWhenEmbeddingUnavailable(t *testing.T) {
	ctx := context.Background()
	emb := &flakyEmbedder{Embedder: hashing.New(dims)}
	h := newHarness(t, emb, nil)

	h.ingest(t, testutil.Created("ok", "c1", "u", "stable message", daysAgo(9)))
	h.ingest(t, testutil.Created("flaky", "c1", "u", "flaky message", daysAgo(9)))

	report, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Migrated)
	require.Equal(t, 1, report.Deferred)

	rec, err := h.store.Get(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, core.StateHot, rec.State)
	_, err = h.store.Get(ctx, "ok")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestScheduler_EditDuringMigrationDropsColdCopy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(s archive.RecordStore, i archive.VectorIndex) (archive.RecordStore, archive.VectorIndex) {
		return &editingStore{
			RecordStore: s,
			edit:        testutil.Edited("m", "c1", "totally new text", daysAgo(1)),
		}, i
	})
	h.ingest(t, testutil.Created("m", "c1", "u", "original secret words", daysAgo(8)))

	report, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Migrated)
	require.Equal(t, 1, report.Kept)

	rec, err := h.store.Get(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, "totally new text", rec.Content)
	require.Equal(t, core.StateHot, rec.State)

	_, err = h.index.Get(ctx, "m")
	require.ErrorIs(t, err, core.ErrNotFound, "stale archive entry dropped")
	hits, err := h.router.SemanticSearch(ctx, "original secret words", 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	loc, err := h.router.Get(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, core.TierHot, loc.Tier)

	report, err = h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Migrated)
	entry, err := h.index.Get(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, "totally new text", entry.Summary)
}

func TestScheduler_BadRecordDoesNotBlockBacklog(t *testing.T) {
	ctx := context.Background()
	emb := &flakyEmbedder{Embedder: hashing.New(dims)}
	h := newHarness(t, emb, nil)
	h.cfg.MigrationBatchSize = 2
	h.cfg.MaxBatchesPerCycle = 10

	h.ingest(t, testutil.Created("bad", "c1", "u", "flaky payload", daysAgo(30)))
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		h.ingest(t, testutil.Created(id, "c1", "u", "good message "+id, daysAgo(20-float64(i))))
	}

	report, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, report.Migrated)
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, 4, report.Batches)

	n, err := h.store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	rec, err := h.store.Get(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, core.StateHot, rec.State)
}

func TestScheduler_CanceledDuringEmbedReleasesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emb := &cancelingEmbedder{Embedder: hashing.New(dims), cancel: cancel}
	h := newHarness(t, emb, nil)

	h.ingest(t, testutil.Created("a", "c1", "u", "alpha", daysAgo(9)))
	h.ingest(t, testutil.Created("b", "c1", "u", "beta", daysAgo(8)))

	report, err := h.scheduler.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, core.ErrIndexInsertFailure)
	require.Zero(t, report.Failed)
	require.Zero(t, report.Migrated)

	count, err := h.index.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
	for _, id := range []string{"a", "b"} {
		rec, err := h.store.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, core.StateHot, rec.State)
	}
}

func TestScheduler_BatchesAndCancellation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.cfg.MigrationBatchSize = 2

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		h.ingest(t, testutil.Created(id, "c1", "u", "message "+id, daysAgo(20-float64(i))))
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	report, err := h.scheduler.RunCycle(canceled)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, report.Selected)
	n, err := h.store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	h.cfg.MaxBatchesPerCycle = 2
	report, err = h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Batches)
	require.Equal(t, 4, report.Migrated)

	_, err = h.store.Get(ctx, "e")
	require.NoError(t, err, "newest aged record waits for the next cycle")

	report, err = h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Migrated)
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.cfg.MigrationInterval = time.Second
	h.ingest(t, testutil.Created("m", "c1", "u", "background", daysAgo(8)))

	require.NoError(t, h.scheduler.Start(context.Background()))
	require.Error(t, h.scheduler.Start(context.Background()))
	defer h.scheduler.Stop()

	require.Eventually(t, func() bool {
		n, err := h.index.Count(context.Background())
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)

	h.scheduler.Stop()
	h.scheduler.Stop()
}

func TestRouter_IngestValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	_, err := h.router.Ingest(ctx, &core.MessageEvent{Kind: core.EventCreated, ID: "x", Timestamp: now})
	require.ErrorIs(t, err, core.ErrInvalidEvent)

	_, err = h.router.Ingest(ctx, &core.MessageEvent{Kind: "reacted", ID: "x", ChannelID: "c", Timestamp: now})
	require.ErrorIs(t, err, core.ErrInvalidEvent)

	_, err = h.router.Ingest(ctx, testutil.Edited("never-seen", "c1", "x", now))
	require.ErrorIs(t, err, core.ErrNotFound)

	ev := testutil.Created("x", "c1", "u", "hi", now)
	ev.Embeds = []byte(`{not json`)
	_, err = h.router.Ingest(ctx, ev)
	require.ErrorIs(t, err, core.ErrInvalidEvent)

	rec := h.ingest(t, testutil.Created("x", "c1", "u", "hi", now))
	again := h.ingest(t, testutil.Created("x", "c1", "u", "hi", now))
	require.Equal(t, rec.Revision, again.Revision)
}

func TestRouter_Statistics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	h.ingest(t, testutil.Created("old", "c1", "u1", "archived one", daysAgo(30)))
	_, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)

	h.ingest(t, testutil.Created("m1", "c1", "u1", "one", daysAgo(1)))
	h.ingest(t, testutil.Created("m2", "c1", "u2", "two", daysAgo(0.5)))
	h.ingest(t, testutil.Edited("m2", "c1", "two!", daysAgo(0.4)))

	stats, err := h.router.Statistics(ctx, "c1")
	require.NoError(t, err)
	require.True(t, stats.RecentWindowOnly)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Edited)
	require.Equal(t, 2, stats.UniqueAuthors)
	require.Equal(t, 1, stats.ArchivedTotal)

	_, err = h.router.Statistics(ctx, "")
	require.ErrorIs(t, err, core.ErrInvalidEvent)
}

func TestRouter_ContextForMergesTiers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	h.ingest(t, testutil.Created("cold1", "c1", "u", "kubernetes cluster upgrade postponed", daysAgo(12)))
	h.ingest(t, testutil.Created("cold2", "c1", "u", "team lunch on thursday", daysAgo(11)))
	_, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)

	h.ingest(t, testutil.Created("hot1", "c1", "u", "the cluster upgrade is back on", daysAgo(1)))
	h.ingest(t, testutil.Created("hot2", "c1", "u", "unrelated chatter", daysAgo(1)))

	res, err := h.router.ContextFor(ctx, "cluster upgrade", 3)
	require.NoError(t, err)
	require.False(t, res.Partial)
	require.NotEmpty(t, res.Items)
	require.Equal(t, "hot1", res.Items[0].SourceID)
	require.Equal(t, core.TierHot, res.Items[0].Tier)
	require.InDelta(t, 1.0, res.Items[0].Score, 1e-6)

	var sawCold bool
	seen := map[string]bool{}
	for _, item := range res.Items {
		require.False(t, seen[item.SourceID], "duplicate %s", item.SourceID)
		seen[item.SourceID] = true
		if item.SourceID == "cold1" {
			sawCold = true
			require.Equal(t, core.TierCold, item.Tier)
		}
	}
	require.True(t, sawCold)
	require.LessOrEqual(t, len(res.Items), 3)
}

func TestRouter_ContextForPartialWhenEmbedderDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, downEmbedder{hashing.New(dims)}, nil)

	h.ingest(t, testutil.Created("hot1", "c1", "u", "incident report filed", daysAgo(1)))

	res, err := h.router.ContextFor(ctx, "incident", 5)
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.Len(t, res.Items, 1)
	require.Equal(t, "hot1", res.Items[0].SourceID)

	_, err = h.router.SemanticSearch(ctx, "incident", 5)
	require.ErrorIs(t, err, core.ErrEmbeddingUnavailable)
}

func TestRouter_DedupePrefersHotCopy(t *testing.T) {
	ctx := context.Background()
	var crashing *crashingStore
	h := newHarness(t, nil, func(s archive.RecordStore, i archive.VectorIndex) (archive.RecordStore, archive.VectorIndex) {
		crashing = &crashingStore{RecordStore: s}
		crashing.crashes.Store(1)
		return crashing, i
	})

	h.ingest(t, testutil.Created("both", "c1", "u", "release checklist", daysAgo(8)))
	_, err := h.scheduler.RunCycle(ctx)
	require.Error(t, err)

	res, err := h.router.ContextFor(ctx, "release checklist", 5)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, core.TierHot, res.Items[0].Tier)
}

func TestRouter_ConcurrentIngestAndMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.cfg.MigrationBatchSize = 5

	for i := 0; i < 30; i++ {
		h.ingest(t, testutil.Created(idOf(i), "c1", "u", "aged message "+idOf(i), daysAgo(10)))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			_, err := h.router.Ingest(ctx, testutil.Edited(idOf(i), "c1", "edited "+idOf(i), now))
			if err != nil {
				assert.ErrorIs(t, err, core.ErrInvalidEvent)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			_, err := h.scheduler.RunCycle(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	// Drain whatever was kept hot by concurrent edits.
	for i := 0; i < 10; i++ {
		_, err := h.scheduler.RunCycle(ctx)
		require.NoError(t, err)
	}

	hot, err := h.store.Count(ctx)
	require.NoError(t, err)
	cold, err := h.index.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, hot)
	require.Equal(t, 30, cold)

	for i := 0; i < 30; i++ {
		entry, err := h.index.Get(ctx, idOf(i))
		require.NoError(t, err)
		if entry.Edited {
			require.Equal(t, "edited "+idOf(i), entry.Summary)
		} else {
			require.Equal(t, "aged message "+idOf(i), entry.Summary)
		}
	}
}

func idOf(i int) string {
	return "m" + string(rune('a'+i/10)) + string(rune('0'+i%10))
}
