package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/becomeliminal/nim-archive/core"
)

// Append applies a lifecycle event in a single transaction.
//
//   - created: inserts the record; a replay for a known id is a no-op.
//   - edited: records (timestamp, prior content) and replaces the content.
//     An edit that does not change the content is a no-op. Editing a
//     deleted message is applied and the message stays deleted.
//   - deleted: marks the record deleted and keeps its content; deleting
//     twice is a no-op.
//
// Any applied mutation bumps the revision and returns a record being
// migrated to the hot state, so an in-flight migration will not remove it.
func (s *Store) Append(ctx context.Context, ev *core.MessageEvent) (*core.Record, bool, error) {
	if err := ev.Validate(); err != nil {
		return nil, false, err
	}

	mu := s.lockFor(ev.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("begin append", err)
	}
	defer tx.Rollback()

	cur, err := getRecord(ctx, tx, ev.ID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, false, storageErr("load record", err)
	}
	if cur != nil && cur.ChannelID != ev.ChannelID {
		return nil, false, fmt.Errorf("%w: message %s belongs to channel %s, not %s",
			core.ErrInvalidEvent, ev.ID, cur.ChannelID, ev.ChannelID)
	}

	now := s.now().UTC()
	var next *core.Record

	switch ev.Kind {
	case core.EventCreated:
		if cur != nil {
			return cur, false, nil
		}
		next, err = s.insertRecord(ctx, tx, ev, now)

	case core.EventEdited:
		if cur == nil {
			return nil, false, err
		}
		if cur.Content == ev.Content {
			return cur, false, nil
		}
		next, err = s.applyEdit(ctx, tx, cur, ev, now)

	case core.EventDeleted:
		if cur == nil {
			return nil, false, err
		}
		if cur.Deleted {
			return cur, false, nil
		}
		next, err = s.applyDelete(ctx, tx, cur, ev, now)
	}
	if err != nil {
		return nil, false, storageErr(string(ev.Kind), err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("commit append", err)
	}
	s.remember(next)
	return next.Clone(), true, nil
}

func (s *Store) insertRecord(ctx context.Context, tx *sql.Tx, ev *core.MessageEvent, now time.Time) (*core.Record, error) {
	rec := &core.Record{
		ID:          ev.ID,
		ChannelID:   ev.ChannelID,
		AuthorID:    ev.AuthorID,
		AuthorName:  ev.AuthorName,
		Content:     ev.Content,
		CreatedAt:   ev.Timestamp.UTC(),
		UpdatedAt:   now,
		Attachments: ev.Attachments,
		Embeds:      ev.Embeds,
		EditHistory: []core.EditEntry{},
		State:       core.StateHot,
		Revision:    1,
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, author_id, author_name, content, created_at,
			attachments, embeds, state, revision, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChannelID, rec.AuthorID, rec.AuthorName, rec.Content, toNanos(rec.CreatedAt),
		nullBytes(rec.Attachments), nullBytes(rec.Embeds), string(rec.State), rec.Revision, toNanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return rec.Clone(), nil
}

func (s *Store) applyEdit(ctx context.Context, tx *sql.Tx, cur *core.Record, ev *core.MessageEvent, now time.Time) (*core.Record, error) {
	entry := core.EditEntry{EditedAt: ev.Timestamp.UTC(), PriorContent: cur.Content}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO edit_history (message_id, seq, edited_at, prior_content) VALUES (?, ?, ?, ?)`,
		cur.ID, len(cur.EditHistory)+1, toNanos(entry.EditedAt), entry.PriorContent,
	); err != nil {
		return nil, fmt.Errorf("insert edit history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, is_edited = 1, state = 'hot', revision = revision + 1, last_updated = ?
		WHERE id = ?`,
		ev.Content, toNanos(now), cur.ID,
	); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}

	next := cur.Clone()
	next.EditHistory = append(next.EditHistory, entry)
	next.Content = ev.Content
	next.Edited = true
	next.State = core.StateHot
	next.Revision++
	next.UpdatedAt = now
	return next, nil
}

func (s *Store) applyDelete(ctx context.Context, tx *sql.Tx, cur *core.Record, ev *core.MessageEvent, now time.Time) (*core.Record, error) {
	deletedAt := ev.Timestamp.UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted = 1, deleted_at = ?, state = 'hot', revision = revision + 1, last_updated = ?
		WHERE id = ?`,
		toNanos(deletedAt), toNanos(now), cur.ID,
	); err != nil {
		return nil, fmt.Errorf("mark deleted: %w", err)
	}

	next := cur.Clone()
	next.Deleted = true
	next.DeletedAt = &deletedAt
	next.State = core.StateHot
	next.Revision++
	next.UpdatedAt = now
	return next, nil
}

// SelectAgedBefore claims up to batchSize records created before cutoff,
// oldest first, skipping the ids in exclude. Records left in the
// migrating state by an interrupted cycle are selected again.
func (s *Store) SelectAgedBefore(ctx context.Context, cutoff time.Time, batchSize int, exclude ...string) ([]*core.Record, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin select", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + recordColumns + ` FROM messages
		WHERE created_at < ? AND state IN ('hot', 'migrating')`
	args := []any{toNanos(cutoff)}
	if len(exclude) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		args = append(args, stringArgs(exclude)...)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, batchSize)

	recs, err := queryRecords(ctx, tx, query, args...)
	if err != nil {
		return nil, storageErr("select aged", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
		rec.State = core.StateMigrating
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET state = 'migrating' WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	); err != nil {
		return nil, storageErr("claim aged", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit select", err)
	}
	s.forget(ids...)
	return recs, nil
}

// RemoveMigrated deletes each record only if its revision still matches
// the one selected for migration. Records mutated since then are kept and
// their ids returned; records already gone are ignored.
func (s *Store) RemoveMigrated(ctx context.Context, records []*core.Record) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin remove", err)
	}
	defer tx.Rollback()

	var kept []string
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND revision = ?`, rec.ID, rec.Revision)
		if err != nil {
			return nil, storageErr("remove migrated", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, storageErr("remove migrated", err)
		}
		if n > 0 {
			continue
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, rec.ID).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, storageErr("remove migrated", err)
		default:
			kept = append(kept, rec.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit remove", err)
	}
	s.forget(ids...)
	sort.Strings(kept)
	return kept, nil
}

// Release returns claimed records to the hot state.
func (s *Store) Release(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET state = 'hot' WHERE state = 'migrating' AND id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	); err != nil {
		return storageErr("release", err)
	}
	s.forget(ids...)
	return nil
}

// Remove deletes records and their history. Unknown ids are ignored.
func (s *Store) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	); err != nil {
		return storageErr("remove", err)
	}
	s.forget(ids...)
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
