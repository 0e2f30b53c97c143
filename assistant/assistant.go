// Package assistant answers questions about channel history by letting
// Claude call the archive tools.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/tools"
)

// ErrTooManyTurns is returned when the model keeps calling tools past the
// configured turn limit.
var ErrTooManyTurns = errors.New("assistant exceeded maximum turns")

const systemPrompt = `You answer questions about a chat community's message history.

You have read-only tools over a two-tier archive:
- recent messages are stored verbatim with edit history (recent_messages, channel_stats, message_history)
- older messages are archived as short summaries searchable by meaning (semantic_search)
- message_context searches both tiers at once; prefer it for open questions

Cite message ids and authors for anything you state. If the tools return
nothing relevant, say you could not find it instead of guessing.`

// Config configures an Assistant.
type Config struct {
	APIKey string

	// Model defaults to Claude Sonnet 4.5.
	Model string

	// MaxTokens per response (default: 1024).
	MaxTokens int64

	// MaxTurns bounds model round trips per question (default: 6).
	MaxTurns int

	// Timeout bounds a whole Ask call (default: 60s).
	Timeout time.Duration

	// BaseURL overrides the API endpoint.
	BaseURL string

	Logger zerolog.Logger
}

// Step records one tool call made while answering.
type Step struct {
	Tool     string          `json:"tool"`
	Thought  string          `json:"thought,omitempty"`
	Input    json.RawMessage `json:"input"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Answer is the assistant's reply.
type Answer struct {
	Text         string `json:"text"`
	Steps        []Step `json:"steps"`
	Turns        int    `json:"turns"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Assistant runs the tool-use loop.
type Assistant struct {
	client    anthropic.Client
	exec      *tools.Executor
	apiTools  []anthropic.ToolUnionParam
	model     string
	maxTokens int64
	maxTurns  int
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates an Assistant that calls tools through exec.
func New(cfg Config, exec *tools.Executor) (*Assistant, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("assistant: APIKey is required")
	}
	if exec == nil {
		return nil, errors.New("assistant: executor is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Assistant{
		client:    anthropic.NewClient(opts...),
		exec:      exec,
		apiTools:  toAPITools(tools.Definitions()),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxTurns:  cfg.MaxTurns,
		timeout:   cfg.Timeout,
		now:       time.Now,
		logger:    cfg.Logger.With().Str("component", "assistant").Logger(),
	}, nil
}

// Ask answers question. channelID, when set, is offered to the model as the
// channel the question was asked in.
func (a *Assistant) Ask(ctx context.Context, channelID, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("assistant: empty question")
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	system := systemPrompt + "\n\nCurrent time: " + a.now().UTC().Format(time.RFC3339)
	if channelID != "" {
		system += "\nThe question was asked in channel " + channelID + "."
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(question)),
	}
	answer := &Answer{Steps: []Step{}}

	for answer.Turns < a.maxTurns {
		if err := ctx.Err(); err != nil {
			return answer, err
		}
		answer.Turns++

		resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: a.maxTokens,
			Messages:  messages,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Tools:     a.apiTools,
		})
		if err != nil {
			return answer, fmt.Errorf("claude API error: %w", err)
		}
		answer.InputTokens += resp.Usage.InputTokens
		answer.OutputTokens += resp.Usage.OutputTokens

		var text strings.Builder
		var results []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				step, result := a.runTool(ctx, block.Name, block.Input)
				answer.Steps = append(answer.Steps, step)
				results = append(results, anthropic.NewToolResultBlock(block.ID, result, step.Error != ""))
			}
		}

		if len(results) == 0 {
			answer.Text = strings.TrimSpace(text.String())
			a.logger.Info().
				Int("turns", answer.Turns).
				Int("tool_calls", len(answer.Steps)).
				Int64("input_tokens", answer.InputTokens).
				Int64("output_tokens", answer.OutputTokens).
				Msg("question answered")
			return answer, nil
		}

		messages = append(messages, resp.ToParam(), anthropic.NewUserMessage(results...))
	}
	return answer, fmt.Errorf("%w (%d)", ErrTooManyTurns, a.maxTurns)
}

// runTool executes one tool call and renders its observation for the model.
func (a *Assistant) runTool(ctx context.Context, name string, input json.RawMessage) (Step, string) {
	var base tools.Input
	_ = json.Unmarshal(input, &base)

	step := Step{Tool: name, Thought: strings.TrimSpace(base.Thought), Input: input}
	start := time.Now()
	result, err := a.exec.Execute(ctx, name, input)
	step.Duration = time.Since(start)

	logger := a.logger.With().Str("tool", name).Dur("duration", step.Duration).Logger()
	if err != nil {
		step.Error = err.Error()
		logger.Warn().Err(err).Str("thought", step.Thought).Msg("tool call failed")
		return step, "Error: " + err.Error()
	}

	data, err := json.Marshal(result)
	if err != nil {
		step.Error = err.Error()
		return step, "Error: encode result: " + err.Error()
	}
	logger.Debug().Str("thought", step.Thought).Int("bytes", len(data)).Msg("tool call")
	return step, string(data)
}

// toAPITools converts tool definitions to API tool params.
func toAPITools(defs []tools.Definition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		required, _ := d.InputSchema["required"].([]string)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties:  d.InputSchema["properties"],
					Required:    required,
					ExtraFields: map[string]any{"additionalProperties": false},
				},
			},
		})
	}
	return out
}
