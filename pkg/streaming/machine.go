// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"fmt"

	"github.com/AleutianAI/graphite/pkg/chat"
)

// =============================================================================
// State
// =============================================================================

// State is the lifecycle stage of one stream.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

// String returns the lower-case state name used in logs and metric labels.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// =============================================================================
// Events and Effects
// =============================================================================

// EventKind names an input to the state machine.
type EventKind int

const (
	// EventSend is the user's request to start a turn.
	EventSend EventKind = iota + 1

	// EventResponseOK is a 2xx response with a readable body.
	EventResponseOK

	// EventResponseFailed is a failed request, a non-2xx status or a
	// missing body.
	EventResponseFailed

	// EventFrame carries the action interpreted from one frame.
	EventFrame

	// EventReadFailed is a transport error while reading the body.
	EventReadFailed

	// EventEndOfBody is a clean end of the body.
	EventEndOfBody

	// EventCancel is an observed cancellation request.
	EventCancel
)

func (k EventKind) String() string {
	switch k {
	case EventSend:
		return "send"
	case EventResponseOK:
		return "response_ok"
	case EventResponseFailed:
		return "response_failed"
	case EventFrame:
		return "frame"
	case EventReadFailed:
		return "read_failed"
	case EventEndOfBody:
		return "end_of_body"
	case EventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one input to Transition.
type Event struct {
	Kind EventKind

	// Action is set for EventFrame.
	Action chat.Action

	// Err is set for EventResponseFailed and EventReadFailed.
	Err error
}

// EffectKind names a side effect the runner must perform.
type EffectKind int

const (
	// EffectAppendUser appends the user's message to the session.
	EffectAppendUser EffectKind = iota + 1

	// EffectOpenRequest issues the outbound request.
	EffectOpenRequest

	// EffectApply applies Effect.Action to the session.
	EffectApply

	// EffectFail applies a fail action: fallback text on the reply.
	EffectFail

	// EffectFinalize completes a reply left streaming by a clean end.
	EffectFinalize
)

func (k EffectKind) String() string {
	switch k {
	case EffectAppendUser:
		return "append_user"
	case EffectOpenRequest:
		return "open_request"
	case EffectApply:
		return "apply"
	case EffectFail:
		return "fail"
	case EffectFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("effect(%d)", int(k))
	}
}

// Effect is one side effect produced by a transition.
type Effect struct {
	Kind   EffectKind
	Action chat.Action
}

// =============================================================================
// Transition
// =============================================================================

// Transition is the stream state machine.
//
// # Description
//
// Transition is pure: it reads nothing but its arguments and performs no
// I/O. The runner executes the returned effects in order. Terminal states
// absorb every event. Pairs not listed below leave the state unchanged
// with no effects.
//
//	Idle       + Send            -> Requesting [AppendUser, OpenRequest]
//	Requesting + ResponseOK      -> Streaming
//	Requesting + ResponseFailed  -> Errored    [Fail]
//	Requesting + Cancel          -> Cancelled
//	Streaming  + Frame(fail)     -> Errored    [Fail]
//	Streaming  + Frame(done)     -> Completed  [Apply, Finalize]
//	Streaming  + Frame(other)    -> Streaming  [Apply]
//	Streaming  + EndOfBody       -> Completed  [Finalize]
//	Streaming  + ReadFailed      -> Errored    [Fail]
//	Streaming  + Cancel          -> Cancelled
//
// Cancelled never writes anything: partial content stays as it was.
func Transition(s State, ev Event) (State, []Effect) {
	switch s {
	case StateIdle:
		if ev.Kind == EventSend {
			return StateRequesting, []Effect{{Kind: EffectAppendUser}, {Kind: EffectOpenRequest}}
		}

	case StateRequesting:
		switch ev.Kind {
		case EventResponseOK:
			return StateStreaming, nil
		case EventResponseFailed:
			return StateErrored, []Effect{transportFailure(ev.Err)}
		case EventCancel:
			return StateCancelled, nil
		}

	case StateStreaming:
		switch ev.Kind {
		case EventFrame:
			switch ev.Action.Kind {
			case chat.ActionFail:
				return StateErrored, []Effect{{Kind: EffectFail, Action: ev.Action}}
			case chat.ActionDone:
				return StateCompleted, []Effect{{Kind: EffectApply, Action: ev.Action}, {Kind: EffectFinalize}}
			default:
				return StateStreaming, []Effect{{Kind: EffectApply, Action: ev.Action}}
			}
		case EventEndOfBody:
			return StateCompleted, []Effect{{Kind: EffectFinalize}}
		case EventReadFailed:
			return StateErrored, []Effect{transportFailure(ev.Err)}
		case EventCancel:
			return StateCancelled, nil
		}
	}
	return s, nil
}

func transportFailure(err error) Effect {
	reason := "transport failure"
	if err != nil {
		reason = err.Error()
	}
	return Effect{Kind: EffectFail, Action: chat.Fail(reason)}
}
