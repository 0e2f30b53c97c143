//go:build onnx

package main

import (
	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/archive/embedder/hashing"
	"github.com/becomeliminal/nim-archive/archive/embedder/onnx"
	"github.com/becomeliminal/nim-archive/config"
)

func newEmbedder(cfg *config.Config, logger zerolog.Logger) (archive.Embedder, func() error, error) {
	if cfg.Embedder.Provider != "onnx" {
		return hashing.New(cfg.Archive.EmbeddingDimension), nil, nil
	}
	e, err := onnx.New(onnx.Config{
		LibraryPath:   cfg.Embedder.LibraryPath,
		ModelPath:     cfg.Embedder.ModelPath,
		TokenizerPath: cfg.Embedder.TokenizerPath,
		Dimensions:    cfg.Archive.EmbeddingDimension,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, e.Close, nil
}
