//go:build onnx

// Package onnx embeds text with a sentence-transformer model (by default
// all-MiniLM-L6-v2) through ONNX Runtime. The model loads in the
// background; until it is ready Embed reports core.ErrEmbeddingUnavailable.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/nim-archive/core"
)

// Config configures the ONNX embedder.
type Config struct {
	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default search path.
	LibraryPath string

	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// Dimensions is the embedding vector size (default: 384).
	Dimensions int

	// MaxSequenceLength bounds the token window (default: 128).
	MaxSequenceLength int

	Logger zerolog.Logger
}

// Embedder generates embeddings using ONNX Runtime.
type Embedder struct {
	cfg    Config
	logger zerolog.Logger

	ready   atomic.Bool
	loadErr atomic.Pointer[error]

	mu        sync.Mutex // guards session.Run
	session   *ort.DynamicAdvancedSession
	tokenizer *wordPieceTokenizer
}

// New validates cfg and starts loading the model in the background.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: ModelPath is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, errors.New("onnx: TokenizerPath is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSequenceLength <= 2 {
		cfg.MaxSequenceLength = 128
	}

	e := &Embedder{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "onnx_embedder").Logger(),
	}
	go e.load()
	return e, nil
}

func (e *Embedder) load() {
	if err := e.loadModel(); err != nil {
		e.loadErr.Store(&err)
		e.logger.Error().Err(err).Str("model", e.cfg.ModelPath).Msg("model load failed")
		return
	}
	e.ready.Store(true)
	e.logger.Info().Str("model", e.cfg.ModelPath).Int("dimensions", e.cfg.Dimensions).Msg("model ready")
}

func (e *Embedder) loadModel() error {
	if e.cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(e.cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	tokenizer, err := loadTokenizer(e.cfg.TokenizerPath)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(e.cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	e.mu.Lock()
	e.session = session
	e.tokenizer = tokenizer
	e.mu.Unlock()
	return nil
}

// Ready reports whether the model has finished loading.
func (e *Embedder) Ready() bool {
	return e.ready.Load()
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Embed converts text to a mean-pooled, normalized embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if !e.ready.Load() {
		if errp := e.loadErr.Load(); errp != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrEmbeddingUnavailable, *errp)
		}
		return nil, fmt.Errorf("%w: model loading", core.ErrEmbeddingUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxLen := e.cfg.MaxSequenceLength
	inputIDs, attentionMask := e.tokenizer.encode(text, maxLen)
	tokenTypeIDs := make([]int64, maxLen)

	shape := ort.NewShape(1, int64(maxLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("onnx: unexpected output tensor type")
	}
	return e.pool(tensor.GetData(), tensor.GetShape(), attentionMask)
}

// pool turns model output into one vector. Outputs of shape
// [1, hidden] are already pooled; [1, seq, hidden] is mean-pooled over
// attended tokens.
func (e *Embedder) pool(data []float32, shape ort.Shape, mask []int64) ([]float32, error) {
	dim := e.cfg.Dimensions
	embedding := make([]float32, dim)

	switch len(shape) {
	case 2:
		if len(data) < dim {
			return nil, fmt.Errorf("onnx: output has %d values, want %d", len(data), dim)
		}
		copy(embedding, data[:dim])
	case 3:
		if shape[0] != 1 {
			return nil, fmt.Errorf("onnx: expected batch size 1, got %d", shape[0])
		}
		if shape[2] != int64(dim) {
			return nil, fmt.Errorf("onnx: hidden size %d, want %d", shape[2], dim)
		}
		var attended float32
		for i := 0; i < int(shape[1]); i++ {
			if mask[i] == 0 {
				continue
			}
			attended++
			offset := i * dim
			for j := 0; j < dim; j++ {
				embedding[j] += data[offset+j]
			}
		}
		if attended > 0 {
			for j := range embedding {
				embedding[j] /= attended
			}
		}
	default:
		return nil, fmt.Errorf("onnx: unexpected output shape %v", shape)
	}

	return normalize(embedding), nil
}

// Close releases ONNX resources.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready.Store(false)
	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		return err
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
