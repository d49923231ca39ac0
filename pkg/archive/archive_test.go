// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package archive

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/config"
)

func TestOpen_NoneIsDefault(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{"", "none"} {
		a, err := Open(ctx, config.ArchiveConfig{Backend: backend}, nil)
		require.NoError(t, err)
		assert.IsType(t, Nop{}, a)
		require.NoError(t, a.Close())
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.ArchiveConfig{Backend: "sqlite"}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpen_WrapsOpenerError(t *testing.T) {
	boom := errors.New("disk full")
	Register("failing-test", func(context.Context, config.ArchiveConfig, *slog.Logger) (Archive, error) {
		return nil, boom
	})

	_, err := Open(context.Background(), config.ArchiveConfig{Backend: "failing-test"}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, Backends(), "failing-test")
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	assert.Panics(t, func() { Register("none", func(context.Context, config.ArchiveConfig, *slog.Logger) (Archive, error) { return Nop{}, nil }) })
	assert.Panics(t, func() { Register("nil-opener", nil) })
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var a Archive = Nop{}

	require.NoError(t, a.SaveSession(ctx, chat.Session{ID: "s1"}))
	_, err := a.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, a.DeleteSession(ctx, "s1"), ErrNotFound)

	list, err := a.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSummarizeAndSort(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []chat.Session{
		{ID: "b", Title: "old", UpdatedAt: base},
		{ID: "c", Title: "new", UpdatedAt: base.Add(time.Hour), Messages: []chat.Message{{ID: "m1"}, {ID: "m2"}}},
		{ID: "a", Title: "tie", UpdatedAt: base},
	}
	list := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, Summarize(s))
	}
	SortSummaries(list)

	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, 2, list[0].MessageCount)
}
