// Package sqlite is the hot-tier RecordStore backed by SQLite, with a
// ristretto cache in front of single-record reads.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/metrics"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultCacheItems = 10_000
	lockStripes       = 256
)

// Store is a RecordStore on SQLite. Writes to one id are serialized by a
// striped mutex; distinct ids proceed in parallel up to SQLite's single
// writer.
type Store struct {
	db     *sql.DB
	cache  *ristretto.Cache
	locks  [lockStripes]sync.Mutex
	logger zerolog.Logger
	now    func() time.Time

	cacheItems int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCacheSize sets how many records the read cache holds. Zero disables
// the cache.
func WithCacheSize(items int64) Option {
	return func(s *Store) {
		s.cacheItems = items
	}
}

// WithClock overrides time.Now for last_updated bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:     zerolog.Nop(),
		now:        time.Now,
		cacheItems: defaultCacheItems,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "record_store").Logger()

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", core.ErrStorageFailure, err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %w", core.ErrStorageFailure, err)
	}
	s.db = db

	if s.cacheItems > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: s.cacheItems * 10,
			MaxCost:     s.cacheItems,
			BufferItems: 64,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create record cache: %w", err)
		}
		s.cache = cache
	}

	s.logger.Info().Str("path", path).Int64("cache_items", s.cacheItems).Msg("record store opened")
	return s, nil
}

func dsn(path string) string {
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close releases the database and cache.
func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.db.Close()
}

// lockFor returns the write lock guarding id.
func (s *Store) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store) cached(id string) (*core.Record, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok := s.cache.Get(id)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return v.(*core.Record).Clone(), true
}

// remember replaces the cached copy of rec. Callers hold rec's stripe lock.
func (s *Store) remember(rec *core.Record) {
	if s.cache == nil {
		return
	}
	s.cache.Del(rec.ID)
	s.cache.Set(rec.ID, rec.Clone(), 1)
	s.cache.Wait()
}

// forget drops ids from the cache, taking each stripe lock so a concurrent
// reader cannot re-populate a stale copy afterwards.
func (s *Store) forget(ids ...string) {
	if s.cache == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		mu := s.lockFor(id)
		mu.Lock()
		s.cache.Del(id)
		mu.Unlock()
	}
	s.cache.Wait()
}

func storageErr(op string, err error) error {
	if errors.Is(err, core.ErrStorageFailure) || errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrInvalidEvent) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", core.ErrStorageFailure, op, err)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
