package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-archive/core"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxSearchTerms   = 8
)

const recordColumns = `id, channel_id, author_id, author_name, content, created_at,
	attachments, embeds, is_edited, is_deleted, deleted_at, state, revision, last_updated`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*core.Record, error) {
	var (
		rec         core.Record
		createdAt   int64
		updatedAt   int64
		deletedAt   sql.NullInt64
		attachments []byte
		embeds      []byte
		edited      int
		deleted     int
		state       string
	)
	if err := row.Scan(
		&rec.ID, &rec.ChannelID, &rec.AuthorID, &rec.AuthorName, &rec.Content, &createdAt,
		&attachments, &embeds, &edited, &deleted, &deletedAt, &state, &rec.Revision, &updatedAt,
	); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	rec.Edited = edited != 0
	rec.Deleted = deleted != 0
	if deletedAt.Valid {
		t := fromNanos(deletedAt.Int64)
		rec.DeletedAt = &t
	}
	if len(attachments) > 0 {
		rec.Attachments = attachments
	}
	if len(embeds) > 0 {
		rec.Embeds = embeds
	}
	rec.State = core.RecordState(state)
	rec.EditHistory = []core.EditEntry{}
	return &rec, nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]*core.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadHistory(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadHistory fills EditHistory for every record with one query.
func loadHistory(ctx context.Context, q querier, recs []*core.Record) error {
	if len(recs) == 0 {
		return nil
	}
	byID := make(map[string]*core.Record, len(recs))
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT message_id, edited_at, prior_content FROM edit_history
		 WHERE message_id IN (`+placeholders(len(ids))+`)
		 ORDER BY message_id, seq`,
		stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("load edit history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			editedAt int64
			prior    string
		)
		if err := rows.Scan(&id, &editedAt, &prior); err != nil {
			return fmt.Errorf("scan edit history: %w", err)
		}
		if rec, ok := byID[id]; ok {
			rec.EditHistory = append(rec.EditHistory, core.EditEntry{
				EditedAt:     fromNanos(editedAt),
				PriorContent: prior,
			})
		}
	}
	return rows.Err()
}

func getRecord(ctx context.Context, q querier, id string) (*core.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := loadHistory(ctx, q, []*core.Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns a single record with its full edit history.
func (s *Store) Get(ctx context.Context, id string) (*core.Record, error) {
	if rec, ok := s.cached(id); ok {
		return rec, nil
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := getRecord(ctx, s.db, id)
	if err != nil {
		return nil, storageErr("get", err)
	}
	if s.cache != nil {
		s.cache.Set(id, rec.Clone(), 1)
	}
	return rec, nil
}

// ListRecent returns the newest records of a channel. A non-positive limit
// means the default of 50; limits above 1000 are capped.
func (s *Store) ListRecent(ctx context.Context, channelID string, limit int, includeDeleted bool) ([]*core.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + recordColumns + ` FROM messages WHERE channel_id = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	recs, err := queryRecords(ctx, s.db, query, channelID, limit)
	if err != nil {
		return nil, storageErr("list recent", err)
	}
	if recs == nil {
		recs = []*core.Record{}
	}
	return recs, nil
}

// Stats aggregates a channel's hot records. Per-author counts cover
// messages that are not deleted.
func (s *Store) Stats(ctx context.Context, channelID string) (*core.Stats, error) {
	stats := &core.Stats{ChannelID: channelID, Authors: []core.AuthorCount{}}

	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(is_edited), 0),
		       COALESCE(SUM(is_deleted), 0),
		       MIN(created_at),
		       MAX(created_at)
		FROM messages WHERE channel_id = ?`, channelID,
	).Scan(&stats.Total, &stats.Active, &stats.Edited, &stats.Deleted, &first, &last)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	if first.Valid {
		t := fromNanos(first.Int64)
		stats.FirstMessageAt = &t
	}
	if last.Valid {
		t := fromNanos(last.Int64)
		stats.LastMessageAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT author_id, MAX(author_name), COUNT(*)
		FROM messages WHERE channel_id = ? AND is_deleted = 0
		GROUP BY author_id
		ORDER BY COUNT(*) DESC, author_id`, channelID)
	if err != nil {
		return nil, storageErr("author stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a core.AuthorCount
		if err := rows.Scan(&a.AuthorID, &a.AuthorName, &a.Count); err != nil {
			return nil, storageErr("scan author stats", err)
		}
		stats.Authors = append(stats.Authors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("author stats", err)
	}
	stats.UniqueAuthors = len(stats.Authors)
	return stats, nil
}

// SearchContent returns non-deleted records containing any query term,
// newest first. Matching is case-insensitive for ASCII.
func (s *Store) SearchContent(ctx context.Context, query string, channelID string, limit int) ([]*core.Record, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return []*core.Record{}, nil
	}
	if len(terms) > maxSearchTerms {
		terms = terms[:maxSearchTerms]
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		clauses []string
		args    []any
	)
	for _, term := range terms {
		clauses = append(clauses, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	q := `SELECT ` + recordColumns + ` FROM messages WHERE is_deleted = 0 AND (` + strings.Join(clauses, " OR ") + `)`
	if channelID != "" {
		q += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	recs, err := queryRecords(ctx, s.db, q, args...)
	if err != nil {
		return nil, storageErr("search content", err)
	}
	if recs == nil {
		recs = []*core.Record{}
	}
	return recs, nil
}

// Count returns the number of hot records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
