// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/chat"
)

// Renderer prints store changes as they happen.
//
// Subscribe Handle to a chat.Store. Only assistant messages are printed live;
// the user's own input is already on screen. Handle may be called from the
// stream goroutine while the CLI goroutine calls Interrupted, so all writes
// are serialized.
type Renderer struct {
	out   io.Writer
	level Personality

	mu      sync.Mutex
	session string
	open    string
	printed string
}

// NewRenderer writes to out at the given personality level.
func NewRenderer(out io.Writer, level Personality) *Renderer {
	return &Renderer{out: out, level: level}
}

// Follow restricts live output to one session. Empty follows all.
func (r *Renderer) Follow(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = sessionID
}

// Handle renders one store change.
func (r *Renderer) Handle(c chat.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != "" && c.SessionID != r.session {
		return
	}
	m := c.Message
	if m.Role != chat.RoleAssistant {
		return
	}

	switch c.Kind {
	case chat.ChangeMessageAppended:
		if r.open != "" {
			r.closeLine()
		}
		r.label()
		if m.Status == chat.StatusErrored {
			r.failure(m.Content)
			return
		}
		r.open = m.ID
		r.printed = ""
		r.write(m.Content)

	case chat.ChangeMessageUpdated:
		if m.ID != r.open {
			return
		}
		switch m.Status {
		case chat.StatusStreaming:
			r.write(m.Content)
		case chat.StatusErrored:
			r.closeLine()
			r.failure(m.Content)
		case chat.StatusComplete:
			r.write(m.Content)
			r.closeLine()
			r.usage(m.Usage)
		}
	}
}

// Interrupted ends an open message after the user cancelled the stream.
func (r *Renderer) Interrupted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == "" {
		return
	}
	r.closeLine()
	r.line(Styles.Warning, "(cancelled)")
}

// write prints the part of content not yet shown. A final content that
// does not extend what was streamed replaces it on a new line.
func (r *Renderer) write(content string) {
	if strings.HasPrefix(content, r.printed) {
		fmt.Fprint(r.out, content[len(r.printed):])
	} else {
		fmt.Fprint(r.out, "\n", content)
	}
	r.printed = content
}

func (r *Renderer) closeLine() {
	fmt.Fprintln(r.out)
	r.open = ""
	r.printed = ""
}

func (r *Renderer) label() {
	if !r.level.Labels() {
		return
	}
	fmt.Fprint(r.out, r.style(Styles.Assistant, "assistant")+r.style(Styles.Muted, " › "))
}

func (r *Renderer) failure(text string) {
	if r.level == PersonalityMachine {
		fmt.Fprintf(r.out, "error: %s\n", text)
		return
	}
	fmt.Fprintln(r.out, IconError.Render()+" "+Styles.Error.Render(text))
}

func (r *Renderer) usage(u *chat.Usage) {
	if u == nil || r.level != PersonalityFull {
		return
	}
	r.line(Styles.Muted, fmt.Sprintf("%d prompt + %d completion tokens", u.PromptTokens, u.CompletionTokens))
}

func (r *Renderer) line(s lipgloss.Style, text string) {
	fmt.Fprintln(r.out, r.style(s, text))
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.level.Styled() {
		return text
	}
	return s.Render(text)
}

// =============================================================================
// Static views
// =============================================================================

// Banner prints the chat header for a session.
func (r *Renderer) Banner(s chat.Session, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.ID
	if id == "" {
		id = "new"
	}
	switch r.level {
	case PersonalityMachine, PersonalityMinimal:
		return
	case PersonalityFull:
		body := fmt.Sprintf("%s\n%s\n%s",
			Styles.Title.Render("Graphite chat"),
			Styles.Muted.Render("session  "+id),
			Styles.Muted.Render("endpoint "+endpoint))
		fmt.Fprintln(r.out, Styles.Box.Render(body))
		fmt.Fprintln(r.out, Styles.Muted.Render("Ctrl+C stops a reply · exit or quit leaves"))
	default:
		fmt.Fprintln(r.out, Styles.Title.Render("Graphite chat")+" "+Styles.Muted.Render(id))
	}
}

// Transcript prints a whole session.
func (r *Renderer) Transcript(s chat.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.level == PersonalityMachine {
		for _, m := range s.Messages {
			fmt.Fprintf(r.out, "%s\t%s\t%s\n", m.Role, m.Status, strings.ReplaceAll(m.Content, "\n", `\n`))
		}
		return
	}

	fmt.Fprintln(r.out, r.style(Styles.Title, s.Title))
	fmt.Fprintln(r.out, r.style(Styles.Muted, fmt.Sprintf("%s · %d messages · updated %s",
		s.ID, len(s.Messages), s.UpdatedAt.Local().Format(time.DateTime))))
	for _, m := range s.Messages {
		fmt.Fprintln(r.out)
		if m.Role == chat.RoleUser {
			fmt.Fprintln(r.out, r.style(Styles.User, "you"))
		} else {
			fmt.Fprintln(r.out, r.style(Styles.Assistant, "assistant"))
		}
		if m.Status == chat.StatusErrored {
			fmt.Fprintln(r.out, IconError.Render()+" "+r.style(Styles.Error, m.Content))
			continue
		}
		fmt.Fprintln(r.out, m.Content)
		if m.Interrupted || m.Status == chat.StatusStreaming {
			fmt.Fprintln(r.out, r.style(Styles.Warning, "(interrupted)"))
		}
	}
}

// Sessions prints an archive listing.
func (r *Renderer) Sessions(list []archive.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.level == PersonalityMachine {
		for _, s := range list {
			fmt.Fprintf(r.out, "%s\t%d\t%s\t%s\n", s.ID, s.MessageCount, s.UpdatedAt.UTC().Format(time.RFC3339), s.Title)
		}
		return
	}
	if len(list) == 0 {
		fmt.Fprintln(r.out, r.style(Styles.Muted, "No saved sessions."))
		return
	}
	for _, s := range list {
		fmt.Fprintf(r.out, "%s  %s  %s\n",
			r.style(Styles.Muted, s.ID),
			r.style(Styles.Muted, fmt.Sprintf("%3d msgs  %s", s.MessageCount, s.UpdatedAt.Local().Format(time.DateTime))),
			s.Title)
	}
}

// Notice prints a one-line status message.
func (r *Renderer) Notice(icon Icon, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.level == PersonalityMachine {
		fmt.Fprintln(r.out, text)
		return
	}
	fmt.Fprintln(r.out, icon.Render()+" "+text)
}
