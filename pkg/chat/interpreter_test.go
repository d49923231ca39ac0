// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphite/pkg/sse"
)

// frameOf parses one wire block into a frame.
func frameOf(t *testing.T, event, data string) sse.Frame {
	t.Helper()
	frames := sse.NewFramer().Feed([]byte("event: " + event + "\ndata: " + data + "\n\n"))
	require.Len(t, frames, 1)
	return frames[0]
}

func TestInterpret_RecognizedEvents(t *testing.T) {
	final := "Hi there"

	tests := []struct {
		name  string
		event string
		data  string
		want  Action
	}{
		{
			name:  "message_start",
			event: EventMessageStart,
			data:  `{"id":"a1","role":"assistant"}`,
			want:  Action{Kind: ActionStart, MessageID: "a1"},
		},
		{
			name:  "message_start without role or id",
			event: EventMessageStart,
			data:  `{"ok":true}`,
			want:  Action{Kind: ActionStart},
		},
		{
			name:  "message_delta",
			event: EventMessageDelta,
			data:  `{"delta":"Hi","id":"a1"}`,
			want:  Action{Kind: ActionDelta, MessageID: "a1", Delta: "Hi"},
		},
		{
			name:  "message_complete with content and usage",
			event: EventMessageComplete,
			data:  `{"id":"a1","content":"Hi there","usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			want: Action{
				Kind:      ActionComplete,
				MessageID: "a1",
				Content:   &final,
				Usage:     &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			},
		},
		{
			name:  "message_complete without content",
			event: EventMessageComplete,
			data:  `{}`,
			want:  Action{Kind: ActionComplete},
		},
		{
			name:  "error",
			event: EventError,
			data:  `{"error":"rate limited","type":"rate_limit"}`,
			want:  Action{Kind: ActionFail, Reason: "rate limited", ErrorType: "rate_limit"},
		},
		{
			name:  "error with message field",
			event: EventError,
			data:  `{"message":"upstream failed"}`,
			want:  Action{Kind: ActionFail, Reason: "upstream failed", ErrorType: "server"},
		},
		{
			name:  "error with odd payload",
			event: EventError,
			data:  `"boom"`,
			want:  Action{Kind: ActionFail, ErrorType: "server"},
		},
		{
			name:  "done",
			event: EventDone,
			data:  `{"session_id":"s1"}`,
			want:  Action{Kind: ActionDone, RemoteSessionID: "s1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Interpret(frameOf(t, tt.event, tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpret_UnknownEventIgnored(t *testing.T) {
	_, err := Interpret(frameOf(t, "tool_call", `{"name":"search"}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestInterpret_InvalidPayloads(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
	}{
		{name: "undecodable json", event: EventMessageDelta, data: `{"delta":`},
		{name: "wrong shape", event: EventMessageDelta, data: `{"delta":42}`},
		{name: "user role start", event: EventMessageStart, data: `{"id":"u1","role":"user"}`},
		{name: "broken error frame", event: EventError, data: `{error}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Interpret(frameOf(t, tt.event, tt.data))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestAction_Terminal(t *testing.T) {
	assert.True(t, Action{Kind: ActionFail}.Terminal())
	assert.True(t, Action{Kind: ActionDone}.Terminal())
	assert.False(t, Action{Kind: ActionComplete}.Terminal())
	assert.False(t, Action{Kind: ActionDelta}.Terminal())
}

func TestActionKind_String(t *testing.T) {
	assert.Equal(t, "delta", ActionDelta.String())
	assert.Equal(t, "action(99)", ActionKind(99).String())
}
