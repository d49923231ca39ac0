// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/graphite/pkg/sse"
)

var (
	// ErrUnknownEvent is returned for tags this client does not understand.
	// Callers ignore such frames.
	ErrUnknownEvent = errors.New("chat: unknown event")

	// ErrInvalidPayload is returned when a frame's payload cannot produce an
	// action: undecodable JSON, or a shape the tag does not allow.
	ErrInvalidPayload = errors.New("chat: invalid payload")
)

// =============================================================================
// Interpreter
// =============================================================================

// Interpret maps one frame to the action it implies.
//
// # Description
//
// Recognized tags are message_start, message_delta, message_complete, error
// and done. Any other tag returns ErrUnknownEvent. A frame whose data failed
// JSON decoding, or that does not fit its tag, returns ErrInvalidPayload.
// In both cases the caller drops the frame and keeps reading.
//
// Whether an action applies (for example, a delta with nothing streaming)
// is the Store's decision, not the interpreter's.
//
// # Examples
//
//	action, err := chat.Interpret(frame)
//	if err != nil {
//	    logger.Debug("Dropping frame", "event", frame.Event, "error", err)
//	    continue
//	}
//	store.Apply(sessionID, action)
func Interpret(frame sse.Frame) (Action, error) {
	switch frame.Event {
	case EventMessageStart, EventMessageDelta, EventMessageComplete, EventError, EventDone:
	default:
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}

	if frame.Outcome != sse.OutcomeOK {
		return Action{}, fmt.Errorf("%w: %s %s", ErrInvalidPayload, frame.Event, frame.Outcome)
	}

	switch frame.Event {
	case EventMessageStart:
		var p StartPayload
		if err := frame.Decode(&p); err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Role != "" && p.Role != RoleAssistant {
			return Action{}, fmt.Errorf("%w: message_start role %q", ErrInvalidPayload, p.Role)
		}
		return Action{Kind: ActionStart, MessageID: p.ID}, nil

	case EventMessageDelta:
		var p DeltaPayload
		if err := frame.Decode(&p); err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return Action{Kind: ActionDelta, MessageID: p.ID, Delta: p.Delta}, nil

	case EventMessageComplete:
		var p CompletePayload
		if err := frame.Decode(&p); err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return Action{Kind: ActionComplete, MessageID: p.ID, Content: p.Content, Usage: p.Usage}, nil

	case EventError:
		// An error frame terminates the stream even when its payload is odd.
		var p ErrorPayload
		_ = frame.Decode(&p)
		errType := p.Type
		if errType == "" {
			errType = "server"
		}
		return Action{Kind: ActionFail, Reason: p.Text(), ErrorType: errType}, nil

	default: // EventDone
		var p DonePayload
		_ = frame.Decode(&p)
		return Action{Kind: ActionDone, RemoteSessionID: p.SessionID}, nil
	}
}
