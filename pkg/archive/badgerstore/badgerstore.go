// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerstore is the local session archive, backed by BadgerDB.
//
// Each session is stored as two keys written in one transaction:
//
//	session:<id>  full JSON session
//	summary:<id>  JSON archive.Summary, so listing never decodes messages
//
// Importing the package registers the "badger" archive backend.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/config"
	"github.com/AleutianAI/graphite/pkg/logging"
)

const (
	sessionPrefix = "session:"
	summaryPrefix = "summary:"
)

func init() {
	archive.Register("badger", func(_ context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (archive.Archive, error) {
		c := DefaultConfig()
		c.Path = logging.ExpandPath(cfg.Path)
		c.Logger = logger
		return Open(c)
	})
}

// Config holds configuration for a Store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's own messages. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns durable settings with GC every 5 minutes.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Info and debug output from badger is noise at the CLI's default level.
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store implements archive.Archive on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db       *badger.DB
	gc       *gcRunner
	path     string
	inMemory bool
}

var _ archive.Archive = (*Store)(nil)

// Open opens (creating if needed) the database described by cfg and starts
// value log GC when configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for a persistent archive")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		go s.gc.run()
	}
	return s, nil
}

// OpenInMemory opens an empty in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Path returns the database directory, or "" in memory.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) SaveSession(ctx context.Context, session chat.Session) error {
	if session.ID == "" {
		return fmt.Errorf("badgerstore: %w", chat.ErrInvalidSession)
	}
	full, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ID, err)
	}
	summary, err := json.Marshal(archive.Summarize(session))
	if err != nil {
		return fmt.Errorf("marshal summary %s: %w", session.ID, err)
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(sessionPrefix+session.ID), full); err != nil {
			return err
		}
		return txn.Set([]byte(summaryPrefix+session.ID), summary)
	})
}

func (s *Store) LoadSession(ctx context.Context, id string) (chat.Session, error) {
	var session chat.Session
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", archive.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]archive.Summary, error) {
	var list []archive.Summary
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(summaryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sum archive.Summary
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sum)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			list = append(list, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	archive.SortSummaries(list)
	return list, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(sessionPrefix + id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", archive.ErrNotFound, id)
		} else if err != nil {
			return err
		}
		if err := txn.Delete([]byte(sessionPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(summaryPrefix + id))
	})
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
		s.gc = nil
	}
	return s.db.Close()
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// gcRunner periodically rewrites the value log.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

func (r *gcRunner) collect() {
	// ErrNoRewrite means there was nothing worth collecting.
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || r.logger == nil {
		return
	}
	r.logger.Warn("Archive value log GC failed", "error", err)
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}
