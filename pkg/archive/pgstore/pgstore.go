// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pgstore is the PostgreSQL session archive.
//
// Sessions and messages live in two tables, created by embedded migrations
// the first time the store is opened. Importing the package registers the
// "postgres" archive backend.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/config"
)

func init() {
	archive.Register("postgres", func(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (archive.Archive, error) {
		return Connect(ctx, cfg.DatabaseURL, logger)
	})
}

// Store implements archive.Archive on a pgx connection pool.
type Store struct {
	db     *pgxpool.Pool
	owned  bool
	logger *slog.Logger
}

var _ archive.Archive = (*Store)(nil)

// New wraps an existing pool. The caller keeps ownership of db. Call
// Migrate before first use.
func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Connect opens a pool for databaseURL and applies migrations. Close
// releases the pool.
func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("pgstore: database url is required")
	}
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := New(db, logger)
	s.owned = true
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) SaveSession(ctx context.Context, session chat.Session) error {
	if session.ID == "" {
		return fmt.Errorf("pgstore: %w", chat.ErrInvalidSession)
	}

	rows := make([][]any, len(session.Messages))
	for i, m := range session.Messages {
		var usage []byte
		if m.Usage != nil {
			b, err := json.Marshal(m.Usage)
			if err != nil {
				return fmt.Errorf("pgstore: marshal usage: %w", err)
			}
			usage = b
		}
		rows[i] = []any{session.ID, i, m.ID, string(m.Role), m.Content, string(m.Status), m.CreatedAt, usage, m.Interrupted}
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO graphite_sessions (id, title, remote_id, message_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				remote_id = EXCLUDED.remote_id,
				message_count = EXCLUDED.message_count,
				updated_at = EXCLUDED.updated_at`,
			session.ID, session.Title, session.RemoteID, len(session.Messages), session.CreatedAt, session.UpdatedAt)
		if err != nil {
			return fmt.Errorf("pgstore: upsert session %s: %w", session.ID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM graphite_messages WHERE session_id = $1`, session.ID); err != nil {
			return fmt.Errorf("pgstore: clear messages %s: %w", session.ID, err)
		}
		if len(rows) == 0 {
			return nil
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"graphite_messages"},
			[]string{"session_id", "position", "id", "role", "content", "status", "created_at", "usage", "interrupted"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("pgstore: copy messages %s: %w", session.ID, err)
		}
		return nil
	})
}

func (s *Store) LoadSession(ctx context.Context, id string) (chat.Session, error) {
	session := chat.Session{ID: id}
	err := s.db.QueryRow(ctx, `
		SELECT title, remote_id, created_at, updated_at
		FROM graphite_sessions WHERE id = $1`, id,
	).Scan(&session.Title, &session.RemoteID, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Session{}, fmt.Errorf("%w: %s", archive.ErrNotFound, id)
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("pgstore: load session %s: %w", id, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, role, content, status, created_at, usage, interrupted
		FROM graphite_messages WHERE session_id = $1 ORDER BY position`, id)
	if err != nil {
		return chat.Session{}, fmt.Errorf("pgstore: load messages %s: %w", id, err)
	}
	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return chat.Session{}, fmt.Errorf("pgstore: scan messages %s: %w", id, err)
	}
	session.Messages = messages
	return session, nil
}

func scanMessage(row pgx.CollectableRow) (chat.Message, error) {
	var (
		m      chat.Message
		role   string
		status string
		usage  []byte
	)
	if err := row.Scan(&m.ID, &role, &m.Content, &status, &m.CreatedAt, &usage, &m.Interrupted); err != nil {
		return chat.Message{}, err
	}
	m.Role = chat.Role(role)
	m.Status = chat.Status(status)
	if len(usage) > 0 {
		m.Usage = new(chat.Usage)
		if err := json.Unmarshal(usage, m.Usage); err != nil {
			return chat.Message{}, fmt.Errorf("decode usage: %w", err)
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]archive.Summary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, message_count, updated_at
		FROM graphite_sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list sessions: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Summary, error) {
		var sum archive.Summary
		err := row.Scan(&sum.ID, &sum.Title, &sum.MessageCount, &sum.UpdatedAt)
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan sessions: %w", err)
	}
	return list, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM graphite_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", archive.ErrNotFound, id)
	}
	return nil
}

// Close releases the pool if the store opened it.
func (s *Store) Close() error {
	if s.owned {
		s.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable within timeout.
func (s *Store) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.db.Ping(ctx)
}
