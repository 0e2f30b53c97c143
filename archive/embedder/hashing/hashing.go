// Package hashing provides a deterministic, model-free embedder based on
// feature hashing. Texts sharing words land close together, which is
// enough for local runs and tests without model files.
package hashing

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions matches all-MiniLM-L6-v2 so the two embedders are
// interchangeable.
const DefaultDimensions = 384

// Embedder hashes lowercase word tokens (and adjacent word pairs) into a
// fixed number of signed buckets and normalizes the result.
type Embedder struct {
	dimensions int
}

// New creates an embedder producing vectors of the given size. A
// non-positive size uses DefaultDimensions.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, e.dimensions)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		// Punctuation-only or empty text still gets a stable non-zero vector.
		tokens = []string{strings.TrimSpace(text)}
	}

	for i, tok := range tokens {
		e.add(embedding, tok, 1)
		if i > 0 {
			e.add(embedding, tokens[i-1]+" "+tok, 0.5)
		}
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func (e *Embedder) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	bucket := int(sum % uint64(e.dimensions))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		// Only reachable when every feature cancelled out.
		vec[0] = 1
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
