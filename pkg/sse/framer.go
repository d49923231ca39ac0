// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// decodeBufSize is the scratch size for one decoder pass. Any value of at
	// least utf8.UTFMax guarantees progress.
	decodeBufSize = 4096
)

var boundary = []byte("\n\n")

// =============================================================================
// Framer
// =============================================================================

// Framer turns arbitrary byte chunks into complete frames.
//
// # Description
//
// Feed decodes each chunk with a streaming UTF-8 decoder, appends the text
// to a carry-over buffer and cuts a frame every time a blank line ("\n\n")
// completes. Bytes of a code point split across chunks are held back until
// the rest arrives, so they never turn into U+FFFD.
//
// # Limitations
//
//   - Not safe for concurrent use. One Framer belongs to one stream.
//
// # Assumptions
//
//   - Input is UTF-8. Invalid sequences are replaced with U+FFFD.
type Framer struct {
	decoder transform.Transformer
	scratch [decodeBufSize]byte

	// pending holds the undecoded tail of the last chunk (an incomplete
	// UTF-8 sequence, at most three bytes).
	pending []byte

	// carry holds decoded text not yet resolved into a frame.
	carry []byte

	// scanned is how far into carry the boundary search already looked.
	scanned int

	discarded int
	closed    bool
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{decoder: unicode.UTF8.NewDecoder()}
}

// Feed consumes one chunk and returns the frames it completed, in the order
// their terminating blank lines were seen. It returns nil when the chunk
// completed nothing. Feeding a closed Framer is a no-op.
func (f *Framer) Feed(chunk []byte) []Frame {
	if f.closed || len(chunk) == 0 {
		return nil
	}
	f.decode(chunk, false)
	return f.drain()
}

// Close flushes the decoder and ends the stream. Text after the last blank
// line is an unterminated frame and is dropped.
func (f *Framer) Close() []Frame {
	if f.closed {
		return nil
	}
	f.closed = true
	if len(f.pending) > 0 {
		f.decode(nil, true)
	}
	frames := f.drain()
	if len(bytes.TrimSpace(f.carry)) > 0 {
		f.discarded++
	}
	f.carry = nil
	f.scanned = 0
	return frames
}

// Reset drops every buffered byte without emitting anything. The discard
// counter is kept.
func (f *Framer) Reset() {
	f.pending = nil
	f.carry = nil
	f.scanned = 0
}

// Discarded reports how many malformed or unterminated blocks were dropped.
func (f *Framer) Discarded() int {
	return f.discarded
}

// Buffered reports the number of bytes held between frames, decoded or not.
func (f *Framer) Buffered() int {
	return len(f.carry) + len(f.pending)
}

// decode runs chunk (prefixed by any pending bytes) through the decoder.
func (f *Framer) decode(chunk []byte, atEOF bool) {
	src := chunk
	if len(f.pending) > 0 {
		src = append(f.pending, chunk...)
		f.pending = nil
	}

	for {
		nDst, nSrc, err := f.decoder.Transform(f.scratch[:], src, atEOF)
		f.carry = append(f.carry, f.scratch[:nDst]...)
		src = src[nSrc:]
		if err == transform.ErrShortDst && (nDst > 0 || nSrc > 0) {
			continue
		}
		break
	}

	if len(src) > 0 {
		f.pending = append([]byte(nil), src...)
	}
}

// drain cuts every complete block off the front of carry.
func (f *Framer) drain() []Frame {
	var frames []Frame
	for {
		i := bytes.Index(f.carry[f.scanned:], boundary)
		if i < 0 {
			// The last byte may be the first half of a boundary.
			if n := len(f.carry) - 1; n > f.scanned {
				f.scanned = n
			}
			return frames
		}

		end := f.scanned + i
		block := string(f.carry[:end])
		f.carry = f.carry[end+len(boundary):]
		f.scanned = 0

		frame, ok, empty := parseBlock(block)
		switch {
		case ok:
			frames = append(frames, frame)
		case !empty:
			f.discarded++
		}
	}
}

// parseBlock reads one block. Comment lines (":...") and blank lines are
// skipped. The first field must be "event", followed by one or more "data"
// lines. Unknown fields such as "id" or "retry" are ignored.
func parseBlock(block string) (frame Frame, ok bool, empty bool) {
	var (
		event    string
		sawEvent bool
		data     []string
	)

	empty = true
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || line[0] == ':' {
			continue
		}
		empty = false

		field, value := splitField(line)
		switch field {
		case "event":
			if sawEvent {
				return Frame{}, false, false
			}
			event, sawEvent = value, true
		case "data":
			if !sawEvent {
				return Frame{}, false, false
			}
			data = append(data, value)
		}
	}

	if !sawEvent || event == "" || len(data) == 0 {
		return Frame{}, false, empty
	}
	return newFrame(event, strings.Join(data, "\n")), true, false
}

// splitField splits "field: value", stripping one optional leading space.
func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
