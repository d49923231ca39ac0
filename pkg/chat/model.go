// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat holds the conversation model: sessions, messages, the
// actions that mutate them, and the Store that owns them.
//
// Ownership:
//
//	Only the Store mutates sessions and messages. Every value handed out by
//	the Store is a deep copy, so readers never see a message mid-update.
//	Mutation goes through AppendUserMessage or Apply with an Action, and
//	Interpret turns wire frames into those actions.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTitle is the title of a session before its first user message.
	DefaultTitle = "New Chat"

	// FallbackText replaces the content of an assistant message whose stream
	// failed, whatever the cause.
	FallbackText = "Sorry, something went wrong while generating a response. Please try again."

	// maxTitleRunes bounds a derived title.
	maxTitleRunes = 60
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Status is the lifecycle stage of a message.
type Status string

const (
	// StatusPending marks a message accepted but not yet started. Archived
	// records may carry it; the Store never produces it on its own.
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusErrored   Status = "errored"
)

// Usage is the token accounting reported with message_complete.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is one turn in a session.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Usage     *Usage    `json:"usage,omitempty"`

	// Interrupted is set when a message left streaming by a cancelled stream
	// is later settled to complete.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Session is an ordered conversation.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	// RemoteID is the server's session identifier from the done frame.
	RemoteID string `json:"remote_id,omitempty"`

	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Messages = cloneMessages(s.Messages)
	return out
}

// LastAssistant returns the most recent assistant message.
func (s Session) LastAssistant() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	for i := range out {
		if out[i].Usage != nil {
			u := *out[i].Usage
			out[i].Usage = &u
		}
	}
	return out
}

// DeriveTitle builds a session title from the first user message: the first
// non-empty line, trimmed and cut to a readable length.
func DeriveTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
}
