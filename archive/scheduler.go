package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/metrics"
)

// CycleReport describes what one migration cycle did.
type CycleReport struct {
	CycleID  string        `json:"cycle_id"`
	Cutoff   time.Time     `json:"cutoff"`
	Batches  int           `json:"batches"`
	Selected int           `json:"selected"`
	Migrated int           `json:"migrated"`
	Deferred int           `json:"deferred"`
	Failed   int           `json:"failed"`
	Kept     int           `json:"kept"`
	Duration time.Duration `json:"duration"`
}

// Scheduler demotes aged records from the RecordStore into the
// VectorIndex. Each batch is inserted before it is removed, so a crash
// between the two steps leaves the record in both tiers and the next
// cycle repairs it by re-inserting under the same source id.
type Scheduler struct {
	store      RecordStore
	index      VectorIndex
	gateway    *Gateway
	summarizer Summarizer
	cfg        *Config
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
}

// NewScheduler creates a Scheduler. A nil cfg uses DefaultConfig.
func NewScheduler(store RecordStore, index VectorIndex, gateway *Gateway, cfg *Config, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := buildOptions(opts)
	return &Scheduler{
		store:      store,
		index:      index,
		gateway:    gateway,
		summarizer: o.summarizer,
		cfg:        cfg,
		logger:     o.logger.With().Str("component", "scheduler").Logger(),
		now:        o.now,
	}
}

// Start runs a cycle every MigrationInterval until ctx is done or Stop is
// called. A tick that fires while the previous cycle is still running is
// skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	schedule := fmt.Sprintf("@every %s", s.cfg.MigrationInterval)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.RunCycle(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("migration cycle failed")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule migration: %w", err)
	}

	s.cron = c
	s.cancel = cancel
	c.Start()
	s.logger.Info().Dur("interval", s.cfg.MigrationInterval).Dur("retention", s.cfg.RetentionWindow).Msg("migration scheduler started")
	return nil
}

// Stop cancels the running cycle between batches and waits for it to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info().Msg("migration scheduler stopped")
}

// RunCycle performs one migration cycle: up to MaxBatchesPerCycle batches
// of select, embed, insert, remove. Cancellation is honoured between
// batches and before a batch is inserted; once a batch is inserted its
// removal always completes.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := time.Now()
	report := &CycleReport{
		CycleID: uuid.NewString(),
		Cutoff:  s.now().Add(-s.cfg.RetentionWindow),
	}
	logger := s.logger.With().Str("cycle_id", report.CycleID).Logger()

	outcome := "ok"
	defer func() {
		report.Duration = time.Since(start)
		metrics.MigrationCycles.WithLabelValues(outcome).Inc()
		metrics.MigrationDuration.Observe(report.Duration.Seconds())
	}()

	// Records deferred in this cycle are skipped by later batches so one
	// bad record cannot hold back the rest of the backlog.
	var skip []string
	for report.Batches < s.cfg.MaxBatchesPerCycle {
		if err := ctx.Err(); err != nil {
			outcome = "canceled"
			return report, err
		}

		deferred, done, err := s.runBatch(ctx, report, skip, logger)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				outcome = "canceled"
				logger.Warn().Err(err).Int("batch", report.Batches).Msg("migration batch canceled")
				return report, err
			case errors.Is(err, core.ErrIndexInsertFailure):
				outcome = "insert_failed"
			default:
				outcome = "error"
			}
			logger.Error().Err(err).Int("batch", report.Batches).Msg("migration batch failed")
			return report, err
		}
		skip = append(skip, deferred...)
		if done {
			break
		}
	}

	if report.Selected > 0 {
		logger.Info().
			Time("cutoff", report.Cutoff).
			Int("batches", report.Batches).
			Int("migrated", report.Migrated).
			Int("deferred", report.Deferred).
			Int("failed", report.Failed).
			Int("kept", report.Kept).
			Dur("duration", time.Since(start)).
			Msg("migration cycle complete")
	}
	return report, nil
}

// runBatch migrates one batch. It returns the ids it deferred and whether
// the cycle should end.
func (s *Scheduler) runBatch(ctx context.Context, report *CycleReport, skip []string, logger zerolog.Logger) ([]string, bool, error) {
	records, err := s.store.SelectAgedBefore(ctx, report.Cutoff, s.cfg.MigrationBatchSize, skip...)
	if err != nil {
		return nil, true, fmt.Errorf("select aged records: %w", err)
	}
	if len(records) == 0 {
		return nil, true, nil
	}
	report.Batches++
	report.Selected += len(records)

	migratedAt := s.now().UTC()
	entries := make([]core.VectorEntry, 0, len(records))
	ready := make([]*core.Record, 0, len(records))
	var deferred []string

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		entry, err := s.buildEntry(ctx, rec, migratedAt)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			deferred = append(deferred, rec.ID)
			if errors.Is(err, core.ErrEmbeddingUnavailable) {
				report.Deferred++
				metrics.RecordsDeferred.WithLabelValues("embedding_unavailable").Inc()
				logger.Warn().Err(err).Str("id", rec.ID).Msg("embedding unavailable, deferring record")
			} else {
				report.Failed++
				metrics.RecordsDeferred.WithLabelValues("failed").Inc()
				logger.Error().Err(err).Str("id", rec.ID).Msg("failed to prepare record, skipping")
			}
			continue
		}
		entries = append(entries, entry)
		ready = append(ready, rec)
	}

	// Canceled before the insert: nothing reached the index, so the whole
	// batch goes back to hot.
	if err := ctx.Err(); err != nil {
		s.release(records, logger)
		return nil, true, err
	}

	if len(entries) > 0 {
		if err := s.index.Insert(ctx, entries); err != nil {
			// Nothing is removed; every claimed record goes back to hot.
			s.release(records, logger)
			if errors.Is(err, core.ErrIndexInsertFailure) {
				return nil, true, err
			}
			return nil, true, errors.Join(core.ErrIndexInsertFailure, err)
		}

		// The insert is committed; removal must not be abandoned halfway.
		finishCtx := context.WithoutCancel(ctx)
		kept, err := s.store.RemoveMigrated(finishCtx, ready)
		if err != nil {
			s.release(records, logger)
			return nil, true, fmt.Errorf("remove migrated records: %w", err)
		}
		report.Migrated += len(ready) - len(kept)
		report.Kept += len(kept)
		metrics.RecordsMigrated.Add(float64(len(ready) - len(kept)))
		if len(kept) > 0 {
			// The hot copy is newer than what was just archived.
			if err := s.index.Delete(finishCtx, kept...); err != nil {
				return nil, true, fmt.Errorf("drop stale entries: %w", err)
			}
			metrics.RecordsDeferred.WithLabelValues("changed").Add(float64(len(kept)))
			logger.Info().Strs("ids", kept).Msg("records changed during migration, kept hot")
		}
	}

	if len(deferred) > 0 {
		if err := s.store.Release(context.WithoutCancel(ctx), deferred...); err != nil {
			return nil, true, fmt.Errorf("release deferred records: %w", err)
		}
	}

	// A short batch drained the backlog.
	return deferred, len(records) < s.cfg.MigrationBatchSize, nil
}

func (s *Scheduler) buildEntry(ctx context.Context, rec *core.Record, migratedAt time.Time) (core.VectorEntry, error) {
	vec, err := s.gateway.Embed(ctx, embeddingText(rec))
	if err != nil {
		return core.VectorEntry{}, err
	}
	return core.VectorEntry{
		SourceID:   rec.ID,
		Embedding:  vec,
		ChannelID:  rec.ChannelID,
		AuthorID:   rec.AuthorID,
		AuthorName: rec.AuthorName,
		CreatedAt:  rec.CreatedAt,
		Summary:    s.summarize(ctx, rec),
		Edited:     rec.Edited,
		Deleted:    rec.Deleted,
		EditCount:  len(rec.EditHistory),
		Revision:   rec.Revision,
		MigratedAt: migratedAt,
	}, nil
}

func (s *Scheduler) summarize(ctx context.Context, rec *core.Record) string {
	if s.summarizer != nil {
		summary, err := s.summarizer.Summarize(ctx, rec, s.cfg.SummaryMaxLength)
		if err == nil && summary != "" {
			return truncate(summary, s.cfg.SummaryMaxLength)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("id", rec.ID).Msg("summarizer failed, truncating")
		}
	}
	summary, _ := TruncatingSummarizer{}.Summarize(ctx, rec, s.cfg.SummaryMaxLength)
	return summary
}

func (s *Scheduler) release(records []*core.Record, logger zerolog.Logger) {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	if err := s.store.Release(context.Background(), ids...); err != nil {
		logger.Error().Err(err).Int("records", len(ids)).Msg("failed to release claimed records")
	}
}
