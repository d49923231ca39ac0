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
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/streaming"
	"github.com/AleutianAI/graphite/pkg/ux"
)

const historySize = 100

// Exit codes for ask.
const (
	exitErrored   = 2
	exitCancelled = 130
)

// applyTurnFlags copies --model, --provider and --temperature into the
// client config.
func applyTurnFlags(cmd *cobra.Command, a *app) error {
	if modelName != "" {
		a.cfg.Client.Model = modelName
	}
	if providerID != "" {
		a.cfg.Client.Provider = providerID
	}
	if cmd.Flags().Changed("temperature") {
		if temperature < 0 || temperature > 2 {
			return fmt.Errorf("--temperature must be between 0 and 2, got %g", temperature)
		}
		a.cfg.Client.Temperature = temperature
	}
	return nil
}

func runChatCommand(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	if err := applyTurnFlags(cmd, a); err != nil {
		return err
	}
	input := ux.NewInputReader(historySize)
	if p, ok := input.(ux.PromptingInputReader); ok {
		p.SetPrompt(ux.Styles.User.Render("you") + ux.Styles.Muted.Render(" › "))
	}
	return runChat(ctx, a, resumeID, input)
}

// runChat runs the REPL until input ends or the user types exit or quit.
// A new session is created by the first message, not before.
func runChat(ctx context.Context, a *app, resume string, input ux.InputReader) error {
	store := chat.NewStore(chat.WithStoreLogger(a.logger.Slog()))
	var sessionID string
	if resume != "" {
		id, err := a.resume(ctx, store, resume)
		if err != nil {
			return err
		}
		sessionID = id
	}

	orch, err := a.orchestrator(ctx, store)
	if err != nil {
		return err
	}
	defer orch.Close()

	a.renderer.Follow(sessionID)
	unsubscribe := store.Subscribe(a.renderer.Handle)
	defer unsubscribe()

	session, _ := store.Session(sessionID)
	a.renderer.Banner(session, a.cfg.Client.Endpoint)
	if resume != "" {
		a.renderer.Transcript(session)
	}

	for {
		line, err := input.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if sessionID == "" {
			sessionID = store.CreateSession()
			a.renderer.Follow(sessionID)
		}
		if _, err := a.turn(ctx, orch, sessionID, line); err != nil {
			return err
		}
	}
}

func runAskCommand(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	if err := applyTurnFlags(cmd, a); err != nil {
		return err
	}
	return runAsk(ctx, a, strings.Join(args, " "))
}

// runAsk sends one message. Errored and cancelled turns become exit codes.
func runAsk(ctx context.Context, a *app, prompt string) error {
	store := chat.NewStore(chat.WithStoreLogger(a.logger.Slog()))
	sessionID := store.CreateSession()

	orch, err := a.orchestrator(ctx, store)
	if err != nil {
		return err
	}
	defer orch.Close()

	unsubscribe := store.Subscribe(a.renderer.Handle)
	defer unsubscribe()

	result, err := a.turn(ctx, orch, sessionID, prompt)
	if err != nil {
		return err
	}
	switch result.State {
	case streaming.StateErrored:
		return &exitError{code: exitErrored, err: result.Err}
	case streaming.StateCancelled:
		return &exitError{code: exitCancelled, err: streaming.ErrCancelled}
	}
	return nil
}

// turn runs one stream. Ctrl+C cancels the stream, not the program.
func (a *app) turn(ctx context.Context, orch *streaming.Orchestrator, sessionID, content string) (streaming.Result, error) {
	streamCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	st, err := orch.Start(streamCtx, sessionID, content)
	if err != nil {
		return streaming.Result{}, err
	}
	result := st.Wait()
	if result.State == streaming.StateCancelled {
		a.renderer.Interrupted()
	}
	a.logger.Debug("Turn finished",
		"session_id", sessionID,
		"state", result.State.String(),
		"frames", result.Frames,
		"duration", result.Duration,
	)
	return result, nil
}

// resume imports the archived session id into store.
func (a *app) resume(ctx context.Context, store *chat.Store, id string) (string, error) {
	arch, err := a.openArchive(ctx)
	if err != nil {
		return "", err
	}
	session, err := arch.LoadSession(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resume %s: %w", id, err)
	}
	if err := store.Import(session); err != nil {
		return "", err
	}
	return session.ID, nil
}
