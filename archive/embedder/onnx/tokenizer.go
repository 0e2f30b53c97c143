//go:build onnx

package onnx

import (
	"encoding/json"
	"os"
	"strings"
)

const (
	clsToken = 101
	sepToken = 102
	unkToken = 100
)

// wordPieceTokenizer is a minimal BERT WordPiece tokenizer reading the
// vocabulary from a Hugging Face tokenizer.json.
type wordPieceTokenizer struct {
	vocab map[string]int
}

func loadTokenizer(path string) (*wordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return &wordPieceTokenizer{vocab: parsed.Model.Vocab}, nil
}

// encode returns padded input ids and the attention mask, framed by [CLS]
// and [SEP] and truncated to maxLen.
func (t *wordPieceTokenizer) encode(text string, maxLen int) ([]int64, []int64) {
	ids := make([]int64, maxLen)
	mask := make([]int64, maxLen)

	tokens := t.tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	ids[0], mask[0] = clsToken, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = sepToken, 1
	return ids, mask
}

func (t *wordPieceTokenizer) tokenize(text string) []int64 {
	var out []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			out = append(out, int64(id))
			continue
		}
		for _, piece := range t.pieces(word) {
			if id, ok := t.vocab[piece]; ok {
				out = append(out, int64(id))
			} else {
				out = append(out, unkToken)
			}
		}
	}
	return out
}

// pieces splits a word greedily into the longest known prefixes, marking
// continuations with "##".
func (t *wordPieceTokenizer) pieces(word string) []string {
	var out []string
	for start := 0; start < len(word); {
		end := len(word)
		found := false
		for ; end > start; end-- {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				out = append(out, sub)
				found = true
				break
			}
		}
		if !found {
			out = append(out, "[UNK]")
			end = start + 1
		}
		start = end
	}
	return out
}
