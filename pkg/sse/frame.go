// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sse reassembles event-tagged Server-Sent Events frames from an
// incremental byte stream.
//
// Wire Format:
//
//	event: <tag>\n
//	data: <json>\n
//	\n
//
// Chunks may split a frame anywhere, including inside a multi-byte UTF-8
// sequence. The Framer keeps the undecoded tail and the decoded carry-over
// between calls, so feeding the same bytes at different boundaries always
// yields the same frames in the same order.
//
// Malformed Input:
//
//	A block without an event line followed by a data line is dropped and
//	counted. A block whose data is not valid JSON is still emitted, with
//	Outcome set to OutcomeParseError, so callers can log it and move on.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse is returned by Frame.Decode when the payload is not valid JSON.
var ErrParse = errors.New("sse: payload is not valid JSON")

// =============================================================================
// Outcome
// =============================================================================

// Outcome classifies the payload of a completed frame.
type Outcome int

const (
	// OutcomeOK means the data line holds a valid JSON document.
	OutcomeOK Outcome = iota

	// OutcomeParseError means the data line could not be decoded as JSON.
	OutcomeParseError
)

// String returns the wire-facing name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeParseError:
		return "parse_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// =============================================================================
// Frame
// =============================================================================

// Frame is one complete event block: a tag and its raw data payload.
//
// Frame is a comparable value. Two frames parsed from the same bytes are
// equal with ==.
type Frame struct {
	// Event is the tag from the "event:" line, e.g. "message_delta".
	Event string

	// Data is the raw value of the data line(s), joined with "\n".
	Data string

	// Outcome reports whether Data decoded as JSON.
	Outcome Outcome
}

// Payload returns the data as a raw JSON message.
//
// Returns nil when the frame carries a parse error.
func (f Frame) Payload() json.RawMessage {
	if f.Outcome != OutcomeOK {
		return nil
	}
	return json.RawMessage(f.Data)
}

// Decode unmarshals the payload into v.
//
// Returns an error wrapping ErrParse for frames with OutcomeParseError, and
// the json error when the payload does not fit v.
func (f Frame) Decode(v any) error {
	if f.Outcome != OutcomeOK {
		return fmt.Errorf("%w: event %q", ErrParse, f.Event)
	}
	if err := json.Unmarshal([]byte(f.Data), v); err != nil {
		return fmt.Errorf("sse: decode %q payload: %w", f.Event, err)
	}
	return nil
}

// String renders the frame the way it appeared on the wire.
func (f Frame) String() string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", f.Event, f.Data)
}

// newFrame validates data and builds a frame.
func newFrame(event, data string) Frame {
	outcome := OutcomeOK
	if !json.Valid([]byte(data)) {
		outcome = OutcomeParseError
	}
	return Frame{Event: event, Data: data, Outcome: outcome}
}
