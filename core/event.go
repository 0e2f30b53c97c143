package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the lifecycle transition carried by a MessageEvent.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventEdited  EventKind = "edited"
	EventDeleted EventKind = "deleted"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventEdited, EventDeleted:
		return true
	}
	return false
}

// MessageEvent is a single inbound message lifecycle event from the
// platform connector. Attachments and Embeds are stored verbatim and never
// interpreted.
type MessageEvent struct {
	Kind        EventKind       `json:"kind"`
	ID          string          `json:"id"`
	ChannelID   string          `json:"channel_id"`
	AuthorID    string          `json:"author_id"`
	AuthorName  string          `json:"author_name,omitempty"`
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	Embeds      json.RawMessage `json:"embeds,omitempty"`
}

// Validate checks the fields every event must carry. Errors wrap
// ErrInvalidEvent.
func (e *MessageEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.ChannelID == "" {
		return fmt.Errorf("%w: missing channel_id", ErrInvalidEvent)
	}
	if e.Kind == EventCreated && e.AuthorID == "" {
		return fmt.Errorf("%w: missing author_id", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	for name, raw := range map[string]json.RawMessage{"attachments": e.Attachments, "embeds": e.Embeds} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrInvalidEvent, name)
		}
	}
	return nil
}
