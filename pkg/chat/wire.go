// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

// =============================================================================
// Wire Contract
// =============================================================================

// Event tags carried on the "event:" line of a stream frame.
const (
	EventMessageStart    = "message_start"
	EventMessageDelta    = "message_delta"
	EventMessageComplete = "message_complete"
	EventError           = "error"
	EventDone            = "done"
)

// WireMessage is one entry of the request history.
type WireMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamRequest is the JSON body POSTed to the streaming endpoint.
type StreamRequest struct {
	Messages    []WireMessage `json:"messages"`
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
}

// StartPayload is the data of a message_start frame.
type StartPayload struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// DeltaPayload is the data of a message_delta frame.
type DeltaPayload struct {
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta"`
}

// CompletePayload is the data of a message_complete frame. A nil Content
// keeps the text accumulated from deltas.
type CompletePayload struct {
	ID      string  `json:"id,omitempty"`
	Content *string `json:"content,omitempty"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// ErrorPayload is the data of an error frame. Older servers send the text
// under "message" instead of "error".
type ErrorPayload struct {
	Error   string `json:"error,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// Text returns whichever error text the server sent.
func (p ErrorPayload) Text() string {
	if p.Error != "" {
		return p.Error
	}
	return p.Message
}

// DonePayload is the data of a done frame.
type DonePayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// HistoryFor builds the request history from a session: every user message
// and every complete assistant message, in order.
func HistoryFor(s Session) []WireMessage {
	out := make([]WireMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Role == RoleAssistant && m.Status != StatusComplete {
			continue
		}
		out = append(out, WireMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
