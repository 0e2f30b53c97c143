package archive

import (
	"fmt"
	"time"
)

// Config holds the knobs shared by the scheduler, gateway and router.
type Config struct {
	// RetentionWindow is how long a record stays hot before it becomes
	// eligible for migration.
	// Default: 7 days.
	RetentionWindow time.Duration

	// MigrationBatchSize caps the records selected per batch.
	// Default: 100
	MigrationBatchSize int

	// MigrationInterval is the time between migration cycles.
	// Default: 1h
	MigrationInterval time.Duration

	// MaxBatchesPerCycle bounds the work done by one cycle so a large
	// backlog drains over several cycles.
	// Default: 10
	MaxBatchesPerCycle int

	// EmbeddingDimension must equal the embedder's Dimensions().
	// Default: 384 (all-MiniLM-L6-v2)
	EmbeddingDimension int

	// EmbedTimeout bounds a single embedding call.
	// Default: 10s
	EmbedTimeout time.Duration

	// SummaryMaxLength caps the summary stored with each vector entry, in
	// runes.
	// Default: 500
	SummaryMaxLength int

	// KeywordCandidates is how many hot records the keyword pass of a
	// context lookup considers.
	// Default: 50
	KeywordCandidates int
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() *Config {
	return &Config{
		RetentionWindow:    7 * 24 * time.Hour,
		MigrationBatchSize: 100,
		MigrationInterval:  time.Hour,
		MaxBatchesPerCycle: 10,
		EmbeddingDimension: 384,
		EmbedTimeout:       10 * time.Second,
		SummaryMaxLength:   500,
		KeywordCandidates:  50,
	}
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.RetentionWindow <= 0:
		return fmt.Errorf("retention_window must be positive, got %s", c.RetentionWindow)
	case c.MigrationBatchSize <= 0:
		return fmt.Errorf("migration_batch_size must be positive, got %d", c.MigrationBatchSize)
	case c.MigrationInterval <= 0:
		return fmt.Errorf("migration_interval must be positive, got %s", c.MigrationInterval)
	case c.MaxBatchesPerCycle <= 0:
		return fmt.Errorf("max_batches_per_cycle must be positive, got %d", c.MaxBatchesPerCycle)
	case c.EmbeddingDimension <= 0:
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	case c.EmbedTimeout <= 0:
		return fmt.Errorf("embed_timeout must be positive, got %s", c.EmbedTimeout)
	case c.SummaryMaxLength <= 0:
		return fmt.Errorf("summary_max_length must be positive, got %d", c.SummaryMaxLength)
	}
	return nil
}

func (c *Config) keywordCandidates() int {
	if c.KeywordCandidates <= 0 {
		return 50
	}
	return c.KeywordCandidates
}
