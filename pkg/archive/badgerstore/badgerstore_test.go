// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/config"
)

func sampleSession(id string, updated time.Time) chat.Session {
	usage := &chat.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8}
	return chat.Session{
		ID:        id,
		Title:     "Hello there",
		RemoteID:  "remote-" + id,
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
		Messages: []chat.Message{
			{ID: "u1", Role: chat.RoleUser, Content: "Hello there", Status: chat.StatusComplete, CreatedAt: updated.Add(-time.Minute)},
			{ID: "a1", Role: chat.RoleAssistant, Content: "Hi! 👋", Status: chat.StatusComplete, CreatedAt: updated, Usage: usage},
		},
	}
}

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	want := sampleSession("s1", time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC))

	require.NoError(t, s.SaveSession(ctx, want))

	got, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	session := sampleSession("s1", time.Now().UTC())
	require.NoError(t, s.SaveSession(ctx, session))

	session.Title = "Renamed"
	session.Messages = session.Messages[:1]
	require.NoError(t, s.SaveSession(ctx, session))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Renamed", list[0].Title)
	assert.Equal(t, 1, list[0].MessageCount)
}

func TestStore_LoadMissing(t *testing.T) {
	_, err := openTest(t).LoadSession(context.Background(), "nope")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestStore_SaveRequiresID(t *testing.T) {
	err := openTest(t).SaveSession(context.Background(), chat.Session{})
	assert.ErrorIs(t, err, chat.ErrInvalidSession)
}

func TestStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "newest", "middle"} {
		offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
		require.NoError(t, s.SaveSession(ctx, sampleSession(id, base.Add(offsets[i]))))
	}

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "newest", list[0].ID)
	assert.Equal(t, "middle", list[1].ID)
	assert.Equal(t, "old", list[2].ID)
	assert.Equal(t, 2, list[0].MessageCount)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.SaveSession(ctx, sampleSession("s1", time.Now())))

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err := s.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, archive.ErrNotFound)

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, s.DeleteSession(ctx, "s1"), archive.ErrNotFound)
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := openTest(t)

	assert.ErrorIs(t, s.SaveSession(ctx, sampleSession("s1", time.Now())), context.Canceled)
	_, err := s.ListSessions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SaveSession(ctx, sampleSession(fmt.Sprintf("s%02d", i), time.Now())))
		}()
	}
	wg.Wait()

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = time.Hour

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, sampleSession("s1", time.Now().UTC())))
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "remote-s1", got.RemoteID)
	assert.Equal(t, cfg.Path, s2.Path())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(DefaultConfig())
	assert.Error(t, err)
}

func TestRegisteredBackend(t *testing.T) {
	a, err := archive.Open(context.Background(), config.ArchiveConfig{Backend: "badger", Path: t.TempDir()}, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.IsType(t, &Store{}, a)
}
