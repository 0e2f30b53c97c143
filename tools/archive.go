// Package tools exposes the archive to a language model as callable tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/core"
)

// ErrUnknownTool is returned for a tool name that is not defined.
var ErrUnknownTool = errors.New("unknown tool")

// Definition describes one tool for a model's tool-use API.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"input_schema"`
}

// Tool names.
const (
	RecentMessages = "recent_messages"
	ChannelStats   = "channel_stats"
	SemanticSearch = "semantic_search"
	MessageContext = "message_context"
	MessageHistory = "message_history"
)

// Definitions returns every archive tool, sorted by name.
func Definitions() []Definition {
	defs := []Definition{
		{
			Name:        RecentMessages,
			Description: "List the most recent messages of a channel, newest first. Only covers the recent window; older messages are in the archive.",
			InputSchema: WithThought(ObjectSchema(map[string]any{
				"channel_id":      StringProperty("Channel to read"),
				"limit":           IntegerRange("Number of messages (default 50)", 1, 1000),
				"include_deleted": BooleanProperty("Also return deleted messages"),
			}, "channel_id")),
		},
		{
			Name:        ChannelStats,
			Description: "Message counts, edit and delete counts, and active authors for a channel's recent window, plus the archive size.",
			InputSchema: WithThought(ObjectSchema(map[string]any{
				"channel_id": StringProperty("Channel to summarize"),
			}, "channel_id")),
		},
		{
			Name:        SemanticSearch,
			Description: "Search archived (older) messages by meaning. Results carry a summary, author and time, not the full text.",
			InputSchema: WithThought(ObjectSchema(map[string]any{
				"query":      StringProperty("What to look for"),
				"k":          IntegerRange("Maximum results (default 5)", 1, 50),
				"channel_id": StringProperty("Optional: restrict to one channel"),
				"since":      TimeProperty("Optional: only messages created at or after this time"),
				"until":      TimeProperty("Optional: only messages created at or before this time"),
			}, "query")),
		},
		{
			Name:        MessageContext,
			Description: "Find the messages most relevant to a question across recent and archived history. Use this before answering questions about past conversations.",
			InputSchema: WithThought(ObjectSchema(map[string]any{
				"query":      StringProperty("The question or topic"),
				"k":          IntegerRange("Maximum results (default 5)", 1, 50),
				"channel_id": StringProperty("Optional: restrict to one channel"),
			}, "query")),
		},
		{
			Name:        MessageHistory,
			Description: "Show a single message with its edit history, or its archived summary if it has been archived.",
			InputSchema: WithThought(ObjectSchema(map[string]any{
				"message_id": StringProperty("Message id"),
			}, "message_id")),
		},
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Input is embedded by every tool input.
type Input struct {
	Thought string `json:"thought,omitempty"`
}

type recentInput struct {
	Input
	ChannelID      string `json:"channel_id"`
	Limit          int    `json:"limit"`
	IncludeDeleted bool   `json:"include_deleted"`
}

type statsInput struct {
	Input
	ChannelID string `json:"channel_id"`
}

type searchInput struct {
	Input
	Query     string     `json:"query"`
	K         int        `json:"k"`
	ChannelID string     `json:"channel_id"`
	Since     *time.Time `json:"since"`
	Until     *time.Time `json:"until"`
}

type historyInput struct {
	Input
	MessageID string `json:"message_id"`
}

// Executor runs archive tools against a Router.
type Executor struct {
	router *archive.Router
}

// NewExecutor creates an Executor.
func NewExecutor(router *archive.Router) *Executor {
	return &Executor{router: router}
}

// Execute runs the named tool with JSON input and returns a JSON-encodable
// result.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage) (any, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	switch name {
	case RecentMessages:
		var in recentInput
		if err := decode(input, &in); err != nil {
			return nil, err
		}
		return e.router.RecentMessages(ctx, in.ChannelID, in.Limit, in.IncludeDeleted)

	case ChannelStats:
		var in statsInput
		if err := decode(input, &in); err != nil {
			return nil, err
		}
		return e.router.Statistics(ctx, in.ChannelID)

	case SemanticSearch:
		var in searchInput
		if err := decode(input, &in); err != nil {
			return nil, err
		}
		return e.router.SemanticSearch(ctx, in.Query, defaultK(in.K), in.options()...)

	case MessageContext:
		var in searchInput
		if err := decode(input, &in); err != nil {
			return nil, err
		}
		return e.router.ContextFor(ctx, in.Query, defaultK(in.K), in.options()...)

	case MessageHistory:
		var in historyInput
		if err := decode(input, &in); err != nil {
			return nil, err
		}
		if in.MessageID == "" {
			return nil, fmt.Errorf("%w: message_id is required", core.ErrInvalidEvent)
		}
		return e.router.Get(ctx, in.MessageID)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

func (in searchInput) options() []archive.SearchOption {
	var opts []archive.SearchOption
	if in.ChannelID != "" {
		opts = append(opts, archive.InChannel(in.ChannelID))
	}
	if in.Since != nil || in.Until != nil {
		var since, until time.Time
		if in.Since != nil {
			since = *in.Since
		}
		if in.Until != nil {
			until = *in.Until
		}
		opts = append(opts, archive.Between(since, until))
	}
	return opts
}

func decode(input json.RawMessage, dst any) error {
	if err := json.Unmarshal(input, dst); err != nil {
		return fmt.Errorf("%w: decode tool input: %w", core.ErrInvalidEvent, err)
	}
	return nil
}

func defaultK(k int) int {
	if k <= 0 {
		return 5
	}
	if k > 50 {
		return 50
	}
	return k
}
