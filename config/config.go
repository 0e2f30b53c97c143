// Package config loads archived settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/nim-archive/archive"
)

// Config holds all configuration for the archive daemon.
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	DataDir string `yaml:"data_dir"`
	// DBPath defaults to <data_dir>/archive.db.
	DBPath string `yaml:"db_path"`
	// VectorPath defaults to <data_dir>/vectors. "memory" keeps the cold
	// tier in memory only.
	VectorPath string `yaml:"vector_path"`
	CacheItems int64  `yaml:"cache_items"`

	// AnthropicAPIKey is only read from the environment.
	AnthropicAPIKey string `yaml:"-"`

	Archive    ArchiveConfig    `yaml:"archive"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Assistant  AssistantConfig  `yaml:"assistant"`
}

// ArchiveConfig mirrors archive.Config.
type ArchiveConfig struct {
	RetentionWindow    time.Duration `yaml:"retention_window"`
	MigrationBatchSize int           `yaml:"migration_batch_size"`
	MigrationInterval  time.Duration `yaml:"migration_interval"`
	MaxBatchesPerCycle int           `yaml:"max_batches_per_cycle"`
	EmbeddingDimension int           `yaml:"embedding_dimension"`
	EmbedTimeout       time.Duration `yaml:"embed_timeout"`
	SummaryMaxLength   int           `yaml:"summary_max_length"`
	KeywordCandidates  int           `yaml:"keyword_candidates"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	// Provider is "hashing" or "onnx".
	Provider      string `yaml:"provider"`
	LibraryPath   string `yaml:"library_path"`
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
}

// SummarizerConfig selects how vector entry summaries are produced.
type SummarizerConfig struct {
	// Provider is "truncate" or "claude".
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	MinLength int           `yaml:"min_length"`
}

// AssistantConfig controls the question-answering endpoint.
type AssistantConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Model    string        `yaml:"model"`
	MaxTurns int           `yaml:"max_turns"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	a := archive.DefaultConfig()
	return &Config{
		Env:        "development",
		LogLevel:   "info",
		HTTPAddr:   ":8080",
		GRPCAddr:   ":9090",
		DataDir:    "./data",
		CacheItems: 10_000,
		Archive: ArchiveConfig{
			RetentionWindow:    a.RetentionWindow,
			MigrationBatchSize: a.MigrationBatchSize,
			MigrationInterval:  a.MigrationInterval,
			MaxBatchesPerCycle: a.MaxBatchesPerCycle,
			EmbeddingDimension: a.EmbeddingDimension,
			EmbedTimeout:       a.EmbedTimeout,
			SummaryMaxLength:   a.SummaryMaxLength,
			KeywordCandidates:  a.KeywordCandidates,
		},
		Embedder: EmbedderConfig{
			Provider: "hashing",
		},
		Summarizer: SummarizerConfig{
			Provider: "truncate",
			Timeout:  15 * time.Second,
		},
		Assistant: AssistantConfig{
			MaxTurns: 6,
			Timeout:  60 * time.Second,
		},
	}
}

// Load reads path (optional) over the defaults, then applies .env and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Env, "ARCHIVE_ENV")
	setString(&c.LogLevel, "ARCHIVE_LOG_LEVEL")
	setString(&c.HTTPAddr, "ARCHIVE_HTTP_ADDR")
	setString(&c.GRPCAddr, "ARCHIVE_GRPC_ADDR")
	setString(&c.DataDir, "ARCHIVE_DATA_DIR")
	setString(&c.DBPath, "ARCHIVE_DB_PATH")
	setString(&c.VectorPath, "ARCHIVE_VECTOR_PATH")
	setString(&c.Embedder.Provider, "ARCHIVE_EMBEDDER")
	setString(&c.Embedder.LibraryPath, "ONNXRUNTIME_LIB")
	setString(&c.Embedder.ModelPath, "ARCHIVE_MODEL_PATH")
	setString(&c.Embedder.TokenizerPath, "ARCHIVE_TOKENIZER_PATH")
	setString(&c.Summarizer.Provider, "ARCHIVE_SUMMARIZER")
	setString(&c.Summarizer.Model, "ARCHIVE_SUMMARIZER_MODEL")
	setString(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.Assistant.Model, "ARCHIVE_ASSISTANT_MODEL")

	var errs []error
	errs = append(errs,
		setDuration(&c.Archive.RetentionWindow, "ARCHIVE_RETENTION_WINDOW"),
		setDuration(&c.Archive.MigrationInterval, "ARCHIVE_MIGRATION_INTERVAL"),
		setDuration(&c.Archive.EmbedTimeout, "ARCHIVE_EMBED_TIMEOUT"),
		setInt(&c.Archive.MigrationBatchSize, "ARCHIVE_MIGRATION_BATCH_SIZE"),
		setInt(&c.Archive.MaxBatchesPerCycle, "ARCHIVE_MAX_BATCHES_PER_CYCLE"),
		setInt(&c.Archive.EmbeddingDimension, "ARCHIVE_EMBEDDING_DIMENSION"),
		setInt(&c.Archive.SummaryMaxLength, "ARCHIVE_SUMMARY_MAX_LENGTH"),
		setBool(&c.Assistant.Enabled, "ARCHIVE_ASSISTANT"),
	)
	if v := os.Getenv("ARCHIVE_CACHE_ITEMS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ARCHIVE_CACHE_ITEMS: %w", err))
		} else {
			c.CacheItems = n
		}
	}
	return errors.Join(errs...)
}

func (c *Config) fillPaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "archive.db")
	}
	if c.VectorPath == "" {
		c.VectorPath = filepath.Join(c.DataDir, "vectors")
	}
}

// Validate checks the fields the daemon cannot start without.
func (c *Config) Validate() error {
	if err := c.ArchiveConfig().Validate(); err != nil {
		return err
	}
	switch c.Embedder.Provider {
	case "hashing":
	case "onnx":
		if c.Embedder.ModelPath == "" || c.Embedder.TokenizerPath == "" {
			return errors.New("onnx embedder needs model_path and tokenizer_path")
		}
	default:
		return fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider)
	}
	switch c.Summarizer.Provider {
	case "truncate":
	case "claude":
		if c.AnthropicAPIKey == "" {
			return errors.New("claude summarizer needs ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("unknown summarizer provider %q", c.Summarizer.Provider)
	}
	if c.Assistant.Enabled && c.AnthropicAPIKey == "" {
		return errors.New("assistant needs ANTHROPIC_API_KEY")
	}
	return nil
}

// ArchiveConfig converts the archive section.
func (c *Config) ArchiveConfig() *archive.Config {
	return &archive.Config{
		RetentionWindow:    c.Archive.RetentionWindow,
		MigrationBatchSize: c.Archive.MigrationBatchSize,
		MigrationInterval:  c.Archive.MigrationInterval,
		MaxBatchesPerCycle: c.Archive.MaxBatchesPerCycle,
		EmbeddingDimension: c.Archive.EmbeddingDimension,
		EmbedTimeout:       c.Archive.EmbedTimeout,
		SummaryMaxLength:   c.Archive.SummaryMaxLength,
		KeywordCandidates:  c.Archive.KeywordCandidates,
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// InMemoryVectors reports whether the cold tier should not be persisted.
func (c *Config) InMemoryVectors() bool {
	return strings.EqualFold(c.VectorPath, "memory")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
