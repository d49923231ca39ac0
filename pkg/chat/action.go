// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import "fmt"

// ActionKind names a mutation the Store can apply to a session.
type ActionKind int

const (
	// ActionStart appends a new streaming assistant message.
	ActionStart ActionKind = iota + 1

	// ActionDelta appends text to the streaming message.
	ActionDelta

	// ActionComplete sets the final content and marks the message complete.
	ActionComplete

	// ActionFail marks the streaming message errored with FallbackText, or
	// appends an errored assistant message when nothing is streaming.
	ActionFail

	// ActionDone records the server session id. Content is untouched.
	ActionDone

	// ActionFinalize completes a message still streaming when the stream
	// ended without message_complete.
	ActionFinalize
)

func (k ActionKind) String() string {
	switch k {
	case ActionStart:
		return "start"
	case ActionDelta:
		return "delta"
	case ActionComplete:
		return "complete"
	case ActionFail:
		return "fail"
	case ActionDone:
		return "done"
	case ActionFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is a single mutation against one session.
type Action struct {
	Kind ActionKind

	// MessageID is the server-assigned message id, if any.
	MessageID string

	// Delta is the text appended by ActionDelta.
	Delta string

	// Content replaces the accumulated text on ActionComplete when non-nil.
	Content *string

	Usage *Usage

	// Reason and ErrorType describe an ActionFail for logging. They are never
	// shown to the user.
	Reason    string
	ErrorType string

	// RemoteSessionID is carried by ActionDone.
	RemoteSessionID string
}

// Terminal reports whether the action ends the stream that produced it.
func (a Action) Terminal() bool {
	return a.Kind == ActionFail || a.Kind == ActionDone
}

// Fail builds the action for a transport failure.
func Fail(reason string) Action {
	return Action{Kind: ActionFail, Reason: reason, ErrorType: "transport"}
}
