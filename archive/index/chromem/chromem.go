// Package chromem is the cold-tier VectorIndex backed by chromem-go, a
// pure Go embedded vector database.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/core"
)

const collectionName = "messages"

// Metadata keys stored with every document.
const (
	metaChannelID  = "channel_id"
	metaAuthorID   = "author_id"
	metaAuthorName = "author_name"
	metaCreatedAt  = "created_at"
	metaEdited     = "edited"
	metaDeleted    = "deleted"
	metaEditCount  = "edit_count"
	metaRevision   = "revision"
	metaMigratedAt = "migrated_at"
)

var errNoEmbeddingFunc = errors.New("embeddings must be computed before insert")

// Index stores one chromem document per migrated message, keyed by the
// message id. Batches are applied under a write lock and rolled back on
// failure, so searches never see part of a batch.
type Index struct {
	db     *chromem.DB
	col    *chromem.Collection
	dim    int
	mu     sync.RWMutex
	logger zerolog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Index) {
		i.logger = logger
	}
}

// New opens the index. With an empty path the index lives in memory only;
// otherwise documents are persisted under path and reloaded on start.
func New(path string, dimensions int, opts ...Option) (*Index, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("chromem: dimensions must be positive, got %d", dimensions)
	}
	idx := &Index{dim: dimensions, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = idx.logger.With().Str("component", "vector_index").Logger()

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("%w: open vector db: %w", core.ErrStorageFailure, err)
		}
	}

	col, err := db.GetOrCreateCollection(collectionName,
		map[string]string{"dimensions": strconv.Itoa(dimensions)},
		func(context.Context, string) ([]float32, error) { return nil, errNoEmbeddingFunc },
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %w", core.ErrStorageFailure, err)
	}

	idx.db = db
	idx.col = col
	idx.logger.Info().Str("path", path).Int("entries", col.Count()).Msg("vector index opened")
	return idx, nil
}

// Insert adds a batch of entries. Either all entries become visible or,
// on error, the index is restored to its previous contents.
func (i *Index) Insert(ctx context.Context, entries []core.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := i.validate(e); err != nil {
			return fmt.Errorf("%w: %w", core.ErrIndexInsertFailure, err)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	var (
		added    []string
		previous []chromem.Document
	)
	for _, e := range entries {
		if prev, err := i.col.GetByID(ctx, e.SourceID); err == nil {
			previous = append(previous, prev)
		}
		if err := i.col.AddDocument(ctx, toDocument(e)); err != nil {
			i.rollback(ctx, added, previous)
			return fmt.Errorf("%w: add %s: %w", core.ErrIndexInsertFailure, e.SourceID, err)
		}
		added = append(added, e.SourceID)
	}

	i.logger.Debug().Int("entries", len(entries)).Int("replaced", len(previous)).Msg("batch inserted")
	return nil
}

// Delete removes entries by source id. Unknown ids are ignored.
func (i *Index) Delete(ctx context.Context, sourceIDs ...string) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.col.Delete(ctx, nil, nil, sourceIDs...); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	i.logger.Debug().Strs("ids", sourceIDs).Msg("entries deleted")
	return nil
}

func (i *Index) rollback(ctx context.Context, added []string, previous []chromem.Document) {
	if len(added) > 0 {
		if err := i.col.Delete(ctx, nil, nil, added...); err != nil {
			i.logger.Error().Err(err).Strs("ids", added).Msg("rollback delete failed")
		}
	}
	for _, doc := range previous {
		if err := i.col.AddDocument(ctx, doc); err != nil {
			i.logger.Error().Err(err).Str("id", doc.ID).Msg("rollback restore failed")
		}
	}
}

func (i *Index) validate(e core.VectorEntry) error {
	if e.SourceID == "" {
		return errors.New("entry without source id")
	}
	if len(e.Embedding) != i.dim {
		return fmt.Errorf("entry %s has %d dimensions, want %d", e.SourceID, len(e.Embedding), i.dim)
	}
	var norm float64
	for _, v := range e.Embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("entry %s has a non-finite embedding", e.SourceID)
		}
		norm += f * f
	}
	if norm == 0 {
		return fmt.Errorf("entry %s has a zero embedding", e.SourceID)
	}
	return nil
}

// Search ranks all matching entries by cosine similarity and returns the
// top k. Equal scores are ordered newest first.
func (i *Index) Search(ctx context.Context, embedding []float32, k int, filter archive.SearchFilter) ([]core.SearchHit, error) {
	if k <= 0 {
		return []core.SearchHit{}, nil
	}
	if len(embedding) != i.dim {
		return nil, fmt.Errorf("chromem: query has %d dimensions, want %d", len(embedding), i.dim)
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	total := i.col.Count()
	if total == 0 {
		return []core.SearchHit{}, nil
	}

	where := map[string]string{}
	if filter.ChannelID != "" {
		where[metaChannelID] = filter.ChannelID
	}
	if !filter.IncludeDeleted {
		where[metaDeleted] = "false"
	}
	if len(where) == 0 {
		where = nil
	}

	// chromem returns at most nResults of the filtered docs, and nResults
	// may not exceed the collection size. Ranking every candidate lets the
	// time filter and tie-break apply before the cut.
	results, err := i.col.QueryEmbedding(ctx, embedding, total, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", core.ErrStorageFailure, err)
	}

	hits := make([]core.SearchHit, 0, len(results))
	for _, res := range results {
		entry, err := fromDocument(res.ID, res.Metadata, res.Content, nil)
		if err != nil {
			i.logger.Warn().Err(err).Str("id", res.ID).Msg("skipping unreadable entry")
			continue
		}
		if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && entry.CreatedAt.After(filter.Until) {
			continue
		}
		hits = append(hits, core.SearchHit{VectorEntry: *entry, Score: res.Similarity})
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].CreatedAt.After(hits[b].CreatedAt)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Get returns the entry stored for a message id.
func (i *Index) Get(ctx context.Context, sourceID string) (*core.VectorEntry, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("%w: empty source id", core.ErrNotFound)
	}
	i.mu.RLock()
	defer i.mu.RUnlock()

	doc, err := i.col.GetByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: archived message %s", core.ErrNotFound, sourceID)
	}
	return fromDocument(doc.ID, doc.Metadata, doc.Content, doc.Embedding)
}

// Count returns the number of archived entries.
func (i *Index) Count(context.Context) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.col.Count(), nil
}

// Close is a no-op; persistent documents are written on insert.
func (i *Index) Close() error {
	return nil
}

func toDocument(e core.VectorEntry) chromem.Document {
	return chromem.Document{
		ID:        e.SourceID,
		Embedding: append([]float32(nil), e.Embedding...),
		Content:   e.Summary,
		Metadata: map[string]string{
			metaChannelID:  e.ChannelID,
			metaAuthorID:   e.AuthorID,
			metaAuthorName: e.AuthorName,
			metaCreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
			metaEdited:     strconv.FormatBool(e.Edited),
			metaDeleted:    strconv.FormatBool(e.Deleted),
			metaEditCount:  strconv.Itoa(e.EditCount),
			metaRevision:   strconv.FormatInt(e.Revision, 10),
			metaMigratedAt: e.MigratedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func fromDocument(id string, meta map[string]string, content string, embedding []float32) (*core.VectorEntry, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	entry := &core.VectorEntry{
		SourceID:   id,
		Embedding:  embedding,
		ChannelID:  meta[metaChannelID],
		AuthorID:   meta[metaAuthorID],
		AuthorName: meta[metaAuthorName],
		CreatedAt:  createdAt,
		Summary:    content,
	}
	entry.Edited, _ = strconv.ParseBool(meta[metaEdited])
	entry.Deleted, _ = strconv.ParseBool(meta[metaDeleted])
	entry.EditCount, _ = strconv.Atoi(meta[metaEditCount])
	entry.Revision, _ = strconv.ParseInt(meta[metaRevision], 10, 64)
	if ts := meta[metaMigratedAt]; ts != "" {
		entry.MigratedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return entry, nil
}
