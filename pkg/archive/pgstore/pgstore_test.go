// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pgstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/chat"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, "0001_sessions", migrations[0].Name)
	assert.Contains(t, migrations[0].Up, "graphite_sessions")
	assert.Contains(t, migrations[0].Down, "DROP TABLE")
	assert.Len(t, migrations[0].Checksum, 64)

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Name, migrations[i].Name)
	}
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), "", nil)
	assert.Error(t, err)
}

// openTest connects to GRAPHITE_TEST_DATABASE_URL or skips.
func openTest(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("GRAPHITE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("GRAPHITE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.DropSchema(ctx)
		s.Close()
	})
	require.NoError(t, s.DropSchema(ctx))
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

	want := chat.Session{
		ID: "s1", Title: "Hello", RemoteID: "r1", CreatedAt: at, UpdatedAt: at.Add(time.Second),
		Messages: []chat.Message{
			{ID: "u1", Role: chat.RoleUser, Content: "Hello", Status: chat.StatusComplete, CreatedAt: at},
			{ID: "a1", Role: chat.RoleAssistant, Content: strings.Repeat("é", 10), Status: chat.StatusErrored, CreatedAt: at,
				Usage: &chat.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}, Interrupted: true},
		},
	}
	require.NoError(t, s.SaveSession(ctx, want))

	got, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	got.CreatedAt, got.UpdatedAt = got.CreatedAt.UTC(), got.UpdatedAt.UTC()
	assert.Equal(t, want, got)

	// Saving again replaces messages.
	want.Messages = want.Messages[:1]
	require.NoError(t, s.SaveSession(ctx, want))
	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].MessageCount)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, archive.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, "s1"), archive.ErrNotFound)
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background(), time.Second))
}
