// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package export renders sessions as Markdown transcripts and uploads them to
// Google Cloud Storage or a local directory.
package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/graphite/pkg/chat"
)

// Markdown renders a transcript of s.
//
// Errored assistant messages are rendered as block quotes so a reader can tell
// the fallback text from real output. Interrupted messages get a marker.
func Markdown(s chat.Session) []byte {
	var b bytes.Buffer

	title := s.Title
	if title == "" {
		title = chat.DefaultTitle
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Session: `%s`\n", s.ID)
	if s.RemoteID != "" {
		fmt.Fprintf(&b, "- Server session: `%s`\n", s.RemoteID)
	}
	fmt.Fprintf(&b, "- Created: %s\n", s.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Updated: %s\n", s.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Messages: %d\n", len(s.Messages))

	for _, m := range s.Messages {
		b.WriteString("\n---\n\n")
		heading := "User"
		if m.Role == chat.RoleAssistant {
			heading = "Assistant"
		}
		fmt.Fprintf(&b, "### %s\n\n", heading)

		switch {
		case m.Status == chat.StatusErrored:
			for _, line := range strings.Split(m.Content, "\n") {
				fmt.Fprintf(&b, "> %s\n", line)
			}
		case m.Content == "":
			b.WriteString("_(empty)_\n")
		default:
			b.WriteString(strings.TrimRight(m.Content, "\n"))
			b.WriteString("\n")
		}

		if m.Interrupted || m.Status == chat.StatusStreaming {
			b.WriteString("\n_(interrupted)_\n")
		}
		if m.Usage != nil {
			fmt.Fprintf(&b, "\n<sub>tokens: %d prompt, %d completion</sub>\n", m.Usage.PromptTokens, m.Usage.CompletionTokens)
		}
	}
	return b.Bytes()
}

// FileName is the object name used for a session transcript.
func FileName(s chat.Session) string {
	return s.ID + ".md"
}
