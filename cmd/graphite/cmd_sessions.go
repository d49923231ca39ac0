// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/graphite/pkg/export"
	"github.com/AleutianAI/graphite/pkg/ux"
)

// maxParallelExports bounds concurrent uploads.
const maxParallelExports = 4

// confirmDelete is replaced in tests.
var confirmDelete = ux.Confirm

func runListSessions(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	list, err := arch.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	a.renderer.Sessions(list)
	return nil
}

func runShowSession(ctx context.Context, a *app, _ *cobra.Command, args []string) error {
	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	session, err := arch.LoadSession(ctx, args[0])
	if err != nil {
		return fmt.Errorf("show %s: %w", args[0], err)
	}
	a.renderer.Transcript(session)
	return nil
}

func runDeleteSession(ctx context.Context, a *app, _ *cobra.Command, args []string) error {
	return deleteSession(ctx, a, args[0], assumeYes)
}

func deleteSession(ctx context.Context, a *app, id string, yes bool) error {
	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	session, err := arch.LoadSession(ctx, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	if !yes {
		ok, err := confirmDelete(
			fmt.Sprintf("Delete session %q?", session.Title),
			fmt.Sprintf("%s · %d messages. This cannot be undone.", session.ID, len(session.Messages)),
		)
		if err != nil {
			return err
		}
		if !ok {
			a.renderer.Notice(ux.IconWarning, "Not deleted. Pass --yes to delete without a prompt.")
			return nil
		}
	}

	if err := arch.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	a.renderer.Notice(ux.IconSuccess, "Deleted "+id)
	return nil
}

func runExportSessions(ctx context.Context, a *app, _ *cobra.Command, args []string) error {
	return exportSessions(ctx, a, args)
}

// exportSessions uploads each session concurrently. Every id is attempted;
// the errors are joined.
func exportSessions(ctx context.Context, a *app, ids []string) error {
	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	uploader, err := export.New(ctx, a.cfg.Export)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer uploader.Close()

	locations := make([]string, len(ids))
	failures := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelExports)
	for i, id := range ids {
		g.Go(func() error {
			session, err := arch.LoadSession(gctx, id)
			if err != nil {
				failures[i] = fmt.Errorf("%s: %w", id, err)
				return nil
			}
			loc, err := export.Export(gctx, uploader, session)
			if err != nil {
				failures[i] = fmt.Errorf("%s: %w", id, err)
				return nil
			}
			locations[i] = loc
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		if failures[i] != nil {
			a.logger.Warn("Export failed", "session_id", id, "error", failures[i])
			continue
		}
		a.renderer.Notice(ux.IconSuccess, fmt.Sprintf("%s → %s", id, locations[i]))
	}
	return errors.Join(failures...)
}
