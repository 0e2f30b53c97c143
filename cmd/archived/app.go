package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/archive/index/chromem"
	"github.com/becomeliminal/nim-archive/archive/store/sqlite"
	"github.com/becomeliminal/nim-archive/archive/summarizer/claude"
	"github.com/becomeliminal/nim-archive/assistant"
	"github.com/becomeliminal/nim-archive/config"
	"github.com/becomeliminal/nim-archive/tools"
)

// app holds the wired archive components for one command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *sqlite.Store
	index     *chromem.Index
	gateway   *archive.Gateway
	router    *archive.Router
	scheduler *archive.Scheduler
	tools     *tools.Executor
	assistant *assistant.Assistant
	closers   []func() error
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	a := &app{cfg: cfg, logger: logger}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a.store, err = sqlite.Open(ctx, cfg.DBPath,
		sqlite.WithLogger(logger),
		sqlite.WithCacheSize(cfg.CacheItems),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	vectorPath := cfg.VectorPath
	if cfg.InMemoryVectors() {
		vectorPath = ""
	}
	a.index, err = chromem.New(vectorPath, cfg.Archive.EmbeddingDimension, chromem.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.index.Close)

	embedder, closeEmbedder, err := newEmbedder(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeEmbedder != nil {
		a.closers = append(a.closers, closeEmbedder)
	}

	acfg := cfg.ArchiveConfig()
	if maxBatchesFlag > 0 {
		acfg.MaxBatchesPerCycle = maxBatchesFlag
	}
	a.gateway, err = archive.NewGateway(embedder, acfg, archive.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []archive.Option{archive.WithLogger(logger)}
	if cfg.Summarizer.Provider == "claude" {
		s, err := claude.New(claude.Config{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.Summarizer.Model,
			Timeout:   cfg.Summarizer.Timeout,
			MinLength: cfg.Summarizer.MinLength,
			Logger:    logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, archive.WithSummarizer(s))
	}

	a.router = archive.NewRouter(a.store, a.index, a.gateway, acfg, opts...)
	a.scheduler = archive.NewScheduler(a.store, a.index, a.gateway, acfg, opts...)
	a.tools = tools.NewExecutor(a.router)

	if cfg.Assistant.Enabled {
		a.assistant, err = assistant.New(assistant.Config{
			APIKey:   cfg.AnthropicAPIKey,
			Model:    cfg.Assistant.Model,
			MaxTurns: cfg.Assistant.MaxTurns,
			Timeout:  cfg.Assistant.Timeout,
			Logger:   logger,
		}, a.tools)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
