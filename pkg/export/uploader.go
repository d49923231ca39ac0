// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/config"
	"github.com/AleutianAI/graphite/pkg/logging"
)

// Uploader stores a named transcript and reports where it went.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (location string, err error)
	Close() error
}

// New picks GCS when a bucket is configured and a local directory otherwise.
func New(ctx context.Context, cfg config.ExportConfig) (Uploader, error) {
	if cfg.Bucket != "" {
		return NewGCS(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile)
	}
	return NewLocal(logging.ExpandPath(cfg.Dir))
}

// Export renders s and uploads it.
func Export(ctx context.Context, u Uploader, s chat.Session) (string, error) {
	if s.ID == "" {
		return "", fmt.Errorf("export: %w", chat.ErrInvalidSession)
	}
	return u.Upload(ctx, FileName(s), Markdown(s))
}

// =============================================================================
// GCS
// =============================================================================

// GCS uploads transcripts to gs://Bucket/Prefix/<name>.
type GCS struct {
	client *storage.Client
	Bucket string
	Prefix string
}

// NewGCS creates a GCS uploader. An empty credentialsFile uses Application
// Default Credentials. Extra client options are passed through, which lets
// tests point the client at an emulator.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("export: bucket is required")
	}
	if credentialsFile != "" {
		info, err := os.Stat(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("service account key path is a directory: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCS{client: client, Bucket: bucket, Prefix: prefix}, nil
}

// ObjectName joins the prefix and name with forward slashes.
func (g *GCS) ObjectName(name string) string {
	if g.Prefix == "" {
		return name
	}
	return path.Join(g.Prefix, name)
}

func (g *GCS) Upload(ctx context.Context, name string, data []byte) (string, error) {
	object := g.ObjectName(name)
	writer := g.client.Bucket(g.Bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "text/markdown; charset=utf-8"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to write GCS object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.Bucket, object), nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

// =============================================================================
// Local
// =============================================================================

// Local writes transcripts into a directory.
type Local struct {
	Dir string
}

// NewLocal creates dir if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("export: directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create export directory %s: %w", dir, err)
	}
	return &Local{Dir: dir}, nil
}

func (l *Local) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || !fs.ValidPath(name) {
		return "", fmt.Errorf("export: invalid file name %q", name)
	}
	target := filepath.Join(l.Dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}
	return target, nil
}

func (l *Local) Close() error { return nil }
