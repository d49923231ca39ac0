// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package archive persists chat sessions between runs.
//
// Backends register themselves by name, the way database/sql drivers do:
//
//	import _ "github.com/AleutianAI/graphite/pkg/archive/badgerstore"
//
//	a, err := archive.Open(ctx, cfg.Archive, logger)
//
// The "none" backend is always available and stores nothing.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/config"
)

var (
	// ErrNotFound is returned when no session has the requested id.
	ErrNotFound = errors.New("archive: session not found")

	// ErrUnknownBackend is returned by Open for an unregistered backend.
	ErrUnknownBackend = errors.New("archive: unknown backend")
)

// Archive stores whole sessions keyed by id.
//
// Implementations must be safe for concurrent use.
type Archive interface {
	// SaveSession inserts or replaces the session.
	SaveSession(ctx context.Context, session chat.Session) error
	LoadSession(ctx context.Context, id string) (chat.Session, error)
	// ListSessions returns summaries, most recently updated first.
	ListSessions(ctx context.Context) ([]Summary, error)
	DeleteSession(ctx context.Context, id string) error
	Close() error
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summarize builds the Summary of a session.
func Summarize(s chat.Session) Summary {
	return Summary{
		ID:           s.ID,
		Title:        s.Title,
		MessageCount: len(s.Messages),
		UpdatedAt:    s.UpdatedAt,
	}
}

// SortSummaries orders summaries newest first, breaking ties by id.
func SortSummaries(list []Summary) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// =============================================================================
// Backend registry
// =============================================================================

// Opener builds an Archive from configuration.
type Opener func(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (Archive, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Opener{
		"none": func(context.Context, config.ArchiveConfig, *slog.Logger) (Archive, error) {
			return Nop{}, nil
		},
	}
)

// Register makes a backend available to Open. It panics on a duplicate or
// nil opener.
func Register(name string, opener Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if opener == nil {
		panic("archive: Register opener is nil")
	}
	if _, dup := backends[name]; dup {
		panic("archive: Register called twice for backend " + name)
	}
	backends[name] = opener
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open returns the backend named by cfg.Backend. An empty backend is "none".
func Open(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (Archive, error) {
	name := cfg.Backend
	if name == "" {
		name = "none"
	}
	if logger == nil {
		logger = slog.Default()
	}

	backendsMu.RLock()
	opener, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, name, Backends())
	}

	a, err := opener(ctx, cfg, logger.With("archive", name))
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", name, err)
	}
	return a, nil
}

// =============================================================================
// Nop
// =============================================================================

// Nop discards saves and finds nothing.
type Nop struct{}

func (Nop) SaveSession(context.Context, chat.Session) error { return nil }

func (Nop) LoadSession(_ context.Context, id string) (chat.Session, error) {
	return chat.Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (Nop) ListSessions(context.Context) ([]Summary, error) { return nil, nil }

func (Nop) DeleteSession(_ context.Context, id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (Nop) Close() error { return nil }
