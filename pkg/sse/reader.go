// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"errors"
	"io"
	"iter"
)

// DefaultReadSize is the chunk size used for each Read on the source.
const DefaultReadSize = 4096

// =============================================================================
// Reader
// =============================================================================

// Reader pulls frames lazily from an io.Reader.
//
// # Description
//
// Next reads chunks from the source only when no completed frame is queued.
// A gate function, if set, runs before every read. A non-nil result stops
// the reader, drops the buffered bytes and is returned from Next. This is
// how callers make a blocking stream observe cooperative cancellation.
//
// # Examples
//
//	r := sse.NewReader(resp.Body, sse.WithGate(ctx.Err))
//	for frame, err := range r.All() {
//	    if err != nil {
//	        return err
//	    }
//	    handle(frame)
//	}
//
// # Limitations
//
//   - Not safe for concurrent use.
//   - The caller owns the source and closes it.
type Reader struct {
	src     io.Reader
	framer  *Framer
	buf     []byte
	gate    func() error
	queue   []Frame
	err     error
	chunks  int
	bytesIn int64
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithGate sets a function checked before each read of the source.
func WithGate(gate func() error) ReaderOption {
	return func(r *Reader) {
		r.gate = gate
	}
}

// WithReadSize sets the maximum chunk size passed to the source's Read.
func WithReadSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

// NewReader wraps src.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	r := &Reader{
		src:    src,
		framer: NewFramer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.buf == nil {
		r.buf = make([]byte, DefaultReadSize)
	}
	return r
}

// Next returns the next complete frame.
//
// Returns io.EOF after the source ends and every frame has been returned.
// Any other error is a read failure or the gate's error. Errors are sticky.
func (r *Reader) Next() (Frame, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}
		r.fill()
	}
	frame := r.queue[0]
	r.queue = r.queue[1:]
	return frame, nil
}

// All returns an iterator over the remaining frames. Iteration stops after
// yielding the first non-EOF error. io.EOF ends iteration silently.
func (r *Reader) All() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			frame, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Discarded reports how many malformed blocks were dropped so far.
func (r *Reader) Discarded() int {
	return r.framer.Discarded()
}

// Chunks reports how many non-empty reads the source returned.
func (r *Reader) Chunks() int {
	return r.chunks
}

// BytesRead reports the total number of bytes read from the source.
func (r *Reader) BytesRead() int64 {
	return r.bytesIn
}

// fill performs one gated read.
func (r *Reader) fill() {
	if r.gate != nil {
		if err := r.gate(); err != nil {
			r.err = err
			r.framer.Reset()
			return
		}
	}

	n, err := r.src.Read(r.buf)
	if n > 0 {
		r.chunks++
		r.bytesIn += int64(n)
		r.queue = append(r.queue, r.framer.Feed(r.buf[:n])...)
	}
	switch {
	case errors.Is(err, io.EOF):
		r.queue = append(r.queue, r.framer.Close()...)
		r.err = io.EOF
	case err != nil:
		r.err = err
	}
}
