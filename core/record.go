package core

import (
	"encoding/json"
	"time"
)

// RecordState tracks which tier owns a record.
type RecordState string

const (
	StateHot       RecordState = "hot"
	StateMigrating RecordState = "migrating"
	StateCold      RecordState = "cold"
)

// EditEntry is one step of a record's edit history.
type EditEntry struct {
	EditedAt     time.Time `json:"edited_at"`
	PriorContent string    `json:"prior_content"`
}

// Record is the full-fidelity hot-tier representation of a message.
type Record struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channel_id"`
	AuthorID    string          `json:"author_id"`
	AuthorName  string          `json:"author_name,omitempty"`
	Content     string          `json:"content"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Edited      bool            `json:"edited"`
	Deleted     bool            `json:"deleted"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	Embeds      json.RawMessage `json:"embeds,omitempty"`
	EditHistory []EditEntry     `json:"edit_history"`
	State       RecordState     `json:"state"`
	Revision    int64           `json:"revision"`
}

// Clone returns a deep copy so callers can never mutate a cached record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	out.Attachments = cloneRaw(r.Attachments)
	out.Embeds = cloneRaw(r.Embeds)
	out.EditHistory = append([]EditEntry(nil), r.EditHistory...)
	return &out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// VectorEntry is the compacted cold-tier representation of a record.
type VectorEntry struct {
	SourceID   string    `json:"source_id"`
	Embedding  []float32 `json:"-"`
	ChannelID  string    `json:"channel_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Summary    string    `json:"summary"`
	Edited     bool      `json:"edited"`
	Deleted    bool      `json:"deleted"`
	EditCount  int       `json:"edit_count"`
	Revision   int64     `json:"revision"`
	MigratedAt time.Time `json:"migrated_at"`
}

// SearchHit is a single semantic search result.
type SearchHit struct {
	VectorEntry
	Score float32 `json:"score"`
}

// AuthorCount is one row of per-author statistics.
type AuthorCount struct {
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name,omitempty"`
	Count      int    `json:"count"`
}

// Stats summarizes a channel. Hot-tier counts only cover the retention
// window; ArchivedTotal is the size of the whole cold tier.
type Stats struct {
	ChannelID        string        `json:"channel_id"`
	Total            int           `json:"total"`
	Active           int           `json:"active"`
	Edited           int           `json:"edited"`
	Deleted          int           `json:"deleted"`
	UniqueAuthors    int           `json:"unique_authors"`
	Authors          []AuthorCount `json:"authors"`
	FirstMessageAt   *time.Time    `json:"first_message_at,omitempty"`
	LastMessageAt    *time.Time    `json:"last_message_at,omitempty"`
	RecentWindowOnly bool          `json:"recent_window_only"`
	ArchivedTotal    int           `json:"archived_total"`
}

// Tier names where a piece of context came from.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

// ContextItem is one merged result of a context lookup.
type ContextItem struct {
	SourceID   string    `json:"source_id"`
	Tier       Tier      `json:"tier"`
	ChannelID  string    `json:"channel_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Text       string    `json:"text"`
	Edited     bool      `json:"edited"`
	EditCount  int       `json:"edit_count"`
	Score      float32   `json:"score"`
}

// ContextResult is returned by context lookups. Partial is set when the
// cold tier could not be consulted.
type ContextResult struct {
	Items   []ContextItem `json:"items"`
	Partial bool          `json:"partial"`
}

// Location is the tier-aware answer to "where is this message".
type Location struct {
	Tier   Tier         `json:"tier"`
	Record *Record      `json:"record,omitempty"`
	Entry  *VectorEntry `json:"entry,omitempty"`
}
