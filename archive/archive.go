package archive

import (
	"context"
	"time"

	"github.com/becomeliminal/nim-archive/core"
)

// RecordStore is the hot tier: a full-fidelity row store holding the
// recent window of messages together with their edit history.
//
// Implementations serialize writes per record id and must never expose a
// half-applied mutation to readers.
type RecordStore interface {
	// Append applies one lifecycle event. The returned bool reports whether
	// the event changed stored state; replays and no-op edits return false.
	Append(ctx context.Context, ev *core.MessageEvent) (*core.Record, bool, error)

	// Get returns the record for id or core.ErrNotFound.
	Get(ctx context.Context, id string) (*core.Record, error)

	// ListRecent returns up to limit records of a channel, newest first.
	ListRecent(ctx context.Context, channelID string, limit int, includeDeleted bool) ([]*core.Record, error)

	// Stats aggregates the hot window of a channel.
	Stats(ctx context.Context, channelID string) (*core.Stats, error)

	// SearchContent is a keyword pass over non-deleted hot records. An empty
	// channelID searches every channel.
	SearchContent(ctx context.Context, query string, channelID string, limit int) ([]*core.Record, error)

	// SelectAgedBefore claims up to batchSize records created strictly
	// before cutoff, oldest first, moving them to core.StateMigrating.
	// Ids in exclude are never selected.
	SelectAgedBefore(ctx context.Context, cutoff time.Time, batchSize int, exclude ...string) ([]*core.Record, error)

	// RemoveMigrated deletes the given records unless they were mutated
	// after selection. It returns the ids that were kept.
	RemoveMigrated(ctx context.Context, records []*core.Record) ([]string, error)

	// Release returns claimed records to core.StateHot.
	Release(ctx context.Context, ids ...string) error

	// Remove deletes records unconditionally. Unknown ids are ignored.
	Remove(ctx context.Context, ids ...string) error

	// Count returns the number of hot records.
	Count(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// SearchFilter narrows a vector search.
type SearchFilter struct {
	ChannelID      string
	Since          time.Time
	Until          time.Time
	IncludeDeleted bool
}

// VectorIndex is the cold tier: compacted, immutable entries searched by
// cosine similarity.
type VectorIndex interface {
	// Insert commits a batch atomically. Entries whose SourceID already
	// exists replace the previous version.
	Insert(ctx context.Context, entries []core.VectorEntry) error

	// Search returns at most k hits, best first. Ties go to the more recent
	// entry. Fewer than k hits is not an error.
	Search(ctx context.Context, embedding []float32, k int, filter SearchFilter) ([]core.SearchHit, error)

	// Get returns the entry for a source id or core.ErrNotFound.
	Get(ctx context.Context, sourceID string) (*core.VectorEntry, error)

	// Delete drops entries whose record went back to the hot tier before
	// its migration completed. Unknown ids are ignored.
	Delete(ctx context.Context, sourceIDs ...string) error

	Count(ctx context.Context) (int, error)
	Close() error
}

// Embedder converts text to a fixed-length vector.
// Implementations: hashing (default, offline) and onnx (all-MiniLM-L6-v2).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// ReadinessChecker is implemented by embedders that load asynchronously.
type ReadinessChecker interface {
	Ready() bool
}

// Summarizer compacts a record's final content into the text stored with
// its vector entry.
type Summarizer interface {
	Summarize(ctx context.Context, rec *core.Record, maxLen int) (string, error)
}
