package archive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/metrics"
)

// Gateway wraps an Embedder with the archive's contract: a fixed
// dimension checked at construction, a per-call timeout, and
// core.ErrEmbeddingUnavailable for anything retryable.
type Gateway struct {
	embedder Embedder
	dim      int
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewGateway checks that the embedder's dimension matches the configured
// one.
func NewGateway(embedder Embedder, cfg *Config, opts ...Option) (*Gateway, error) {
	if embedder == nil {
		return nil, errors.New("archive: nil embedder")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if got := embedder.Dimensions(); got != cfg.EmbeddingDimension {
		return nil, fmt.Errorf("archive: embedder dimension %d does not match embedding_dimension %d", got, cfg.EmbeddingDimension)
	}
	o := buildOptions(opts)
	return &Gateway{
		embedder: embedder,
		dim:      cfg.EmbeddingDimension,
		timeout:  cfg.EmbedTimeout,
		logger:   o.logger.With().Str("component", "embedding").Logger(),
	}, nil
}

// Dimensions returns the vector length every Embed call yields.
func (g *Gateway) Dimensions() int {
	return g.dim
}

// Ready reports whether the underlying model can serve requests.
func (g *Gateway) Ready() bool {
	if rc, ok := g.embedder.(ReadinessChecker); ok {
		return rc.Ready()
	}
	return true
}

type embedResult struct {
	vec []float32
	err error
}

// Embed converts text to a vector of Dimensions() length.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if !g.Ready() {
		metrics.EmbeddingFailures.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: model not ready", core.ErrEmbeddingUnavailable)
	}

	callCtx := ctx
	var cancel context.CancelFunc = func() {}
	if g.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan embedResult, 1)
	go func() {
		vec, err := g.embedder.Embed(callCtx, text)
		done <- embedResult{vec: vec, err: err}
	}()

	var res embedResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())

	if res.err != nil {
		// Caller cancellation is not an outage.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			metrics.EmbeddingFailures.WithLabelValues("timeout").Inc()
			g.logger.Warn().Dur("timeout", g.timeout).Msg("embedding timed out")
			return nil, fmt.Errorf("%w: timed out after %s", core.ErrEmbeddingUnavailable, g.timeout)
		}
		if errors.Is(res.err, core.ErrEmbeddingUnavailable) {
			metrics.EmbeddingFailures.WithLabelValues("unavailable").Inc()
			return nil, res.err
		}
		metrics.EmbeddingFailures.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embed: %w", res.err)
	}

	if len(res.vec) != g.dim {
		metrics.EmbeddingFailures.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("embed: got %d dimensions, want %d", len(res.vec), g.dim)
	}
	for i, v := range res.vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			metrics.EmbeddingFailures.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("embed: non-finite value at %d", i)
		}
	}
	return res.vec, nil
}
