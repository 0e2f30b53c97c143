// Package testutil opens throwaway stores for tests.
package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-archive/archive/index/chromem"
	"github.com/becomeliminal/nim-archive/archive/store/sqlite"
	"github.com/becomeliminal/nim-archive/core"
)

// OpenStore creates a SQLite record store in a temp dir.
func OpenStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// OpenIndex creates an in-memory vector index.
func OpenIndex(t *testing.T, dimensions int) *chromem.Index {
	t.Helper()
	idx, err := chromem.New("", dimensions)
	require.NoError(t, err)
	return idx
}

// Created builds a created event.
func Created(id, channel, author, content string, at time.Time) *core.MessageEvent {
	return &core.MessageEvent{
		Kind:       core.EventCreated,
		ID:         id,
		ChannelID:  channel,
		AuthorID:   author,
		AuthorName: author + "-name",
		Content:    content,
		Timestamp:  at,
	}
}

// Edited builds an edited event.
func Edited(id, channel, content string, at time.Time) *core.MessageEvent {
	return &core.MessageEvent{Kind: core.EventEdited, ID: id, ChannelID: channel, Content: content, Timestamp: at}
}

// Deleted builds a deleted event.
func Deleted(id, channel string, at time.Time) *core.MessageEvent {
	return &core.MessageEvent{Kind: core.EventDeleted, ID: id, ChannelID: channel, Timestamp: at}
}

// WithAttachments sets raw attachment JSON on ev.
func WithAttachments(ev *core.MessageEvent, raw string) *core.MessageEvent {
	ev.Attachments = json.RawMessage(raw)
	return ev
}
