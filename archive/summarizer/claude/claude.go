// Package claude compacts archived messages into short summaries with the
// Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/core"
)

const systemPrompt = "You compress chat messages for a long-term archive. " +
	"Rewrite the message as a single factual sentence that keeps names, numbers, links and decisions. " +
	"Reply with the summary only."

// Config configures the summarizer.
type Config struct {
	APIKey string

	// Model defaults to Claude Haiku 4.5.
	Model string

	// Timeout bounds one API call (default: 15s).
	Timeout time.Duration

	// MinLength is the content length, in runes, below which the message is
	// kept verbatim instead of calling the API (default: 200).
	MinLength int

	// BaseURL overrides the API endpoint.
	BaseURL string

	Logger zerolog.Logger
}

// Summarizer implements archive.Summarizer.
type Summarizer struct {
	client    anthropic.Client
	model     string
	timeout   time.Duration
	minLength int
	logger    zerolog.Logger
}

// New creates a Summarizer.
func New(cfg Config) (*Summarizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("claude: APIKey is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeHaiku4_5)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = 200
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Summarizer{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		minLength: cfg.MinLength,
		logger:    cfg.Logger.With().Str("component", "summarizer").Logger(),
	}, nil
}

// Summarize returns a one-sentence summary of the record's final content.
// Short messages are returned unchanged.
func (s *Summarizer) Summarize(ctx context.Context, rec *core.Record, maxLen int) (string, error) {
	content := strings.TrimSpace(rec.Content)
	if len([]rune(content)) < s.minLength {
		return content, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := fmt.Sprintf("Author: %s\nWritten: %s\nMessage:\n%s\n\nKeep it under %d characters.",
		authorLabel(rec), rec.CreatedAt.UTC().Format(time.RFC3339), content, maxLen)

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude summarize %s: %w", rec.ID, err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return "", fmt.Errorf("claude summarize %s: empty response", rec.ID)
	}
	s.logger.Debug().Str("id", rec.ID).Int("from", len(content)).Int("to", len(summary)).Msg("summarized")
	return summary, nil
}

func authorLabel(rec *core.Record) string {
	if rec.AuthorName != "" {
		return rec.AuthorName
	}
	return rec.AuthorID
}
