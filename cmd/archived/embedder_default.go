//go:build !onnx

package main

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/archive/embedder/hashing"
	"github.com/becomeliminal/nim-archive/config"
)

func newEmbedder(cfg *config.Config, _ zerolog.Logger) (archive.Embedder, func() error, error) {
	if cfg.Embedder.Provider == "onnx" {
		return nil, nil, errors.New("onnx embedder requires a build with -tags onnx")
	}
	return hashing.New(cfg.Archive.EmbeddingDimension), nil, nil
}
