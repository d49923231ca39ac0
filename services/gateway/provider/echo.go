// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AleutianAI/graphite/pkg/chat"
)

// ErrEchoFailure is returned when the last user message starts with
// FailPrefix.
var ErrEchoFailure = errors.New("echo: requested failure")

// FailPrefix makes Echo fail after streaming the first word of its reply.
const FailPrefix = "/fail"

// Echo replies with the last user message, one word per chunk. It needs no
// credentials and is deterministic.
type Echo struct {
	// Delay is slept between chunks.
	Delay time.Duration
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Stream(ctx context.Context, req Request, emit func(string) error) (*chat.Usage, error) {
	var last string
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Content))
		if m.Role == chat.RoleUser {
			last = m.Content
		}
	}

	reply := "You said: " + last
	chunks := strings.SplitAfter(reply, " ")
	for i, chunk := range chunks {
		if i > 0 && e.Delay > 0 {
			timer := time.NewTimer(e.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := emit(chunk); err != nil {
			return nil, err
		}
		if i == 0 && strings.HasPrefix(strings.TrimSpace(last), FailPrefix) {
			return nil, ErrEchoFailure
		}
	}

	return &chat.Usage{
		PromptTokens:     prompt,
		CompletionTokens: len(chunks),
		TotalTokens:      prompt + len(chunks),
	}, nil
}
