// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package streaming drives one chat turn from request to terminal state.
//
// # Description
//
// The Orchestrator issues the POST for a user turn, reads the response body
// through the frame parser, interprets each frame and applies the resulting
// actions to the chat Store. Every decision goes through Transition, a pure
// state machine. The runner only executes the effects it returns.
//
// # Concurrency
//
// Each stream runs in its own goroutine and handles its frames strictly in
// arrival order. At most one non-terminal stream exists per session.
// Streams of different sessions are independent.
//
// # Cancellation
//
// Cancel marks the stream and cancels its context. The runner checks before
// every read and before every frame it applies. Once a cancel is recorded on
// a non-terminal stream, the stream ends Cancelled, whatever the read loop
// reports afterwards, and the Store is not touched again.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/sse"
)

const tracerName = "github.com/AleutianAI/graphite/pkg/streaming"

var (
	// ErrStreamInFlight is returned by Start while the session already has
	// a stream requesting or streaming. Nothing changes.
	ErrStreamInFlight = errors.New("streaming: a stream is already in flight for this session")

	// ErrCancelled is the context cause recorded by Cancel.
	ErrCancelled = errors.New("streaming: cancelled")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("streaming: orchestrator closed")
)

// Recorder receives a session snapshot whenever a stream ends. Failures are
// logged and otherwise ignored.
type Recorder interface {
	SaveSession(ctx context.Context, session chat.Session) error
}

// Config configures an Orchestrator.
type Config struct {
	// Endpoint is the full URL of the streaming endpoint.
	Endpoint string

	Provider    string
	Model       string
	Temperature float64

	// Headers are added to every request.
	Headers map[string]string

	// Client defaults to an http.Client without timeout.
	Client HTTPClient

	// ReadSize is the maximum chunk size per body read.
	ReadSize int

	Logger   *slog.Logger
	Metrics  *Metrics
	Tracer   trace.Tracer
	Recorder Recorder

	// RecordTimeout bounds a single Recorder call. Default 5s.
	RecordTimeout time.Duration
}

// Result is the outcome of a finished stream.
type Result struct {
	State State

	// MessageID is the assistant message the stream produced, if any.
	MessageID string

	// Err explains Errored streams (*StatusError, *ServerError, transport
	// errors) and carries the cause of Cancelled ones.
	Err error

	Frames   int
	Dropped  int
	Duration time.Duration
}

// =============================================================================
// Stream
// =============================================================================

// Stream is one in-flight or finished turn.
type Stream struct {
	ID        string
	SessionID string
	RequestID string

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu              sync.Mutex
	state           State
	cancelRequested bool
	result          Result

	started time.Time

	// messageID is the assistant message this stream opened or failed.
	// Only the run goroutine touches it.
	messageID string
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the stream reaches a terminal state and all its
// bookkeeping is finished.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the stream is done and returns its result.
func (s *Stream) Wait() Result {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Cancel requests cooperative cancellation. It returns false when the
// stream was already terminal, in which case nothing happens.
func (s *Stream) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.cancelRequested = true
	s.cancel(ErrCancelled)
	return true
}

// cancelObserved reports whether a cancel must override the next event.
// Callers hold s.mu.
func (s *Stream) cancelObserved() bool {
	return s.cancelRequested || s.ctx.Err() != nil
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs streams against one endpoint and one Store.
//
// # Description
//
// Start begins a turn and returns immediately. Send begins a turn and waits
// for it. Cancel, State and Stream look up the latest stream of a session.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	store  *chat.Store
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
//
// # Outputs
//
//   - *Orchestrator: Ready to Start streams.
//   - error: Non-nil if store is nil or the endpoint is empty.
func New(store *chat.Store, cfg Config) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("streaming: store is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("streaming: endpoint is required")
	}
	if cfg.Client == nil {
		cfg.Client = defaultHTTPClient()
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = sse.DefaultReadSize
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Orchestrator{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		streams: make(map[string]*Stream),
	}, nil
}

// Start begins a turn: it appends the user message and issues the request
// in a new goroutine.
//
// # Description
//
// ctx bounds the whole stream, not just this call. Cancelling it has the
// same effect as Cancel.
//
// # Outputs
//
//   - *Stream: Handle for the new stream.
//   - error: ErrStreamInFlight if the session already streams,
//     chat.ErrSessionNotFound, chat.ErrEmptyContent or ErrClosed.
func (o *Orchestrator) Start(ctx context.Context, sessionID, content string) (*Stream, error) {
	if strings.TrimSpace(content) == "" {
		return nil, chat.ErrEmptyContent
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	prev := o.streams[sessionID]
	if prev != nil && !prev.State().Terminal() {
		o.mu.Unlock()
		return nil, ErrStreamInFlight
	}

	next, effects := Transition(StateIdle, Event{Kind: EventSend})

	streamCtx, cancel := context.WithCancelCause(ctx)
	st := &Stream{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		ctx:       streamCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     next,
		started:   time.Now(),
	}
	// Store observers run without o.mu held.
	o.streams[sessionID] = st
	o.wg.Add(1)
	o.mu.Unlock()

	logger := o.streamLogger(st)
	for _, eff := range effects {
		switch eff.Kind {
		case EffectAppendUser:
			if _, err := o.store.AppendUserMessage(sessionID, content); err != nil {
				o.release(st, prev)
				cancel(err)
				return nil, err
			}

		case EffectOpenRequest:
			o.cfg.Metrics.streamStarted()
			go o.run(st)
		}
	}

	logger.Debug("Stream started", "state", next.String())
	return st, nil
}

// release undoes the reservation Start made for st.
func (o *Orchestrator) release(st *Stream, prev *Stream) {
	o.mu.Lock()
	if o.streams[st.SessionID] == st {
		if prev != nil {
			o.streams[st.SessionID] = prev
		} else {
			delete(o.streams, st.SessionID)
		}
	}
	o.mu.Unlock()
	o.wg.Done()
}

// Send runs a turn to completion.
func (o *Orchestrator) Send(ctx context.Context, sessionID, content string) (Result, error) {
	st, err := o.Start(ctx, sessionID, content)
	if err != nil {
		return Result{}, err
	}
	return st.Wait(), nil
}

// Cancel cancels the session's current stream. It reports whether a
// non-terminal stream was cancelled. Repeated calls are no-ops.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	st := o.streams[sessionID]
	o.mu.Unlock()
	if st == nil {
		return false
	}
	return st.Cancel()
}

// State returns the state of the session's latest stream, or StateIdle.
func (o *Orchestrator) State(sessionID string) State {
	if st := o.Stream(sessionID); st != nil {
		return st.State()
	}
	return StateIdle
}

// Stream returns the session's latest stream, or nil.
func (o *Orchestrator) Stream(sessionID string) *Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streams[sessionID]
}

// Close cancels every live stream and waits for all of them to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	live := make([]*Stream, 0, len(o.streams))
	for _, st := range o.streams {
		live = append(live, st)
	}
	o.mu.Unlock()

	for _, st := range live {
		st.Cancel()
	}
	o.wg.Wait()
}

// =============================================================================
// Runner
// =============================================================================

// run drives one stream from request to terminal state.
func (o *Orchestrator) run(st *Stream) {
	defer o.wg.Done()
	defer close(st.done)
	defer st.cancel(nil)

	logger := o.streamLogger(st)
	ctx, span := o.tracer.Start(st.ctx, "chat.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("graphite.session_id", st.SessionID),
			attribute.String("graphite.request_id", st.RequestID),
			attribute.String("graphite.model", o.cfg.Model),
		),
	)

	var (
		frames, dropped int
		reader          *sse.Reader
		failure         error
	)

	state := o.open(ctx, st, logger, &failure, func(r *sse.Reader) { reader = r })

	gotDelta := false
	for reader != nil && !state.Terminal() {
		if st.ctx.Err() != nil {
			state = o.step(st, Event{Kind: EventCancel}, logger)
			break
		}

		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				state = o.step(st, Event{Kind: EventEndOfBody}, logger)
			} else {
				failure = err
				state = o.step(st, Event{Kind: EventReadFailed, Err: err}, logger)
			}
			break
		}
		frames++

		action, ierr := chat.Interpret(frame)
		if ierr != nil {
			dropped++
			o.cfg.Metrics.frame(metricEventLabel(frame.Event), "dropped")
			logger.Debug("Dropping frame",
				"event", frame.Event,
				"outcome", frame.Outcome.String(),
				"error", ierr,
			)
			continue
		}
		o.cfg.Metrics.frame(frame.Event, "applied")

		if action.Kind == chat.ActionDelta && !gotDelta {
			gotDelta = true
			o.cfg.Metrics.firstDelta(time.Since(st.started))
			span.AddEvent("first_delta")
		}
		if action.Kind == chat.ActionFail {
			failure = &ServerError{Type: action.ErrorType, Message: action.Reason}
		}

		state = o.step(st, Event{Kind: EventFrame, Action: action}, logger)
	}

	var bytesRead int64
	discarded := 0
	if reader != nil {
		bytesRead = reader.BytesRead()
		discarded = reader.Discarded()
	}

	o.finish(ctx, st, state, failure, frames, dropped, logger)
	o.cfg.Metrics.streamFinished(state, time.Since(st.started), bytesRead, discarded)

	span.SetAttributes(
		attribute.String("graphite.state", state.String()),
		attribute.Int("graphite.frames", frames),
		attribute.Int("graphite.frames_dropped", dropped),
	)
	if state == StateErrored {
		span.SetStatus(codes.Error, errText(failure))
	}
	span.End()
}

// open issues the request and moves the stream out of Requesting. On
// success it hands the body reader to setReader.
func (o *Orchestrator) open(ctx context.Context, st *Stream, logger *slog.Logger, failure *error, setReader func(*sse.Reader)) State {
	session, err := o.store.Session(st.SessionID)
	if err != nil {
		*failure = err
		return o.step(st, Event{Kind: EventResponseFailed, Err: err}, logger)
	}

	req, err := o.buildRequest(ctx, st.RequestID, session)
	if err != nil {
		*failure = err
		return o.step(st, Event{Kind: EventResponseFailed, Err: err}, logger)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := o.cfg.Client.Do(req)
	if err != nil {
		logger.Error("Stream request failed", "url", o.cfg.Endpoint, "error", err)
		*failure = fmt.Errorf("http post: %w", err)
		return o.step(st, Event{Kind: EventResponseFailed, Err: *failure}, logger)
	}
	if err := validateResponse(logger, resp); err != nil {
		*failure = err
		return o.step(st, Event{Kind: EventResponseFailed, Err: err}, logger)
	}

	state := o.step(st, Event{Kind: EventResponseOK}, logger)
	if state != StateStreaming {
		resp.Body.Close()
		return state
	}

	body := resp.Body
	context.AfterFunc(st.ctx, func() { body.Close() })
	setReader(sse.NewReader(body,
		sse.WithReadSize(o.cfg.ReadSize),
		sse.WithGate(func() error {
			if st.ctx.Err() != nil {
				return context.Cause(st.ctx)
			}
			return nil
		}),
	))
	return state
}

// step feeds one event through Transition under the stream lock, then
// executes the effects without it. A recorded cancel replaces the event.
// Only the run goroutine calls step, so effects keep their order. A terminal
// state is published after its effects, so a new Start on the session never
// overlaps them.
func (o *Orchestrator) step(st *Stream, ev Event, logger *slog.Logger) State {
	st.mu.Lock()
	if !st.state.Terminal() && ev.Kind != EventCancel && st.cancelObserved() {
		ev = Event{Kind: EventCancel}
	}
	prev := st.state
	next, effects := Transition(prev, ev)
	if !next.Terminal() {
		st.state = next
	}
	st.mu.Unlock()

	for _, eff := range effects {
		o.execute(st, eff, logger)
	}
	if next.Terminal() {
		st.mu.Lock()
		st.state = next
		st.mu.Unlock()
	}

	if next != prev {
		logger.Debug("Stream transition",
			"from", prev.String(),
			"to", next.String(),
			"event", ev.Kind.String(),
		)
	}
	return next
}

// execute performs one store-side effect.
func (o *Orchestrator) execute(st *Stream, eff Effect, logger *slog.Logger) {
	var action chat.Action
	switch eff.Kind {
	case EffectApply, EffectFail:
		action = eff.Action
	case EffectFinalize:
		action = chat.Action{Kind: chat.ActionFinalize}
	default:
		return
	}

	msg, changed, err := o.store.ApplyMessage(st.SessionID, action)
	if err != nil {
		logger.Warn("Failed to apply action",
			"action", action.Kind.String(),
			"error", err,
		)
		return
	}
	if changed && st.messageID == "" && (action.Kind == chat.ActionStart || action.Kind == chat.ActionFail) {
		st.messageID = msg.ID
	}
}

// finish records the result, logs it and hands a snapshot to the Recorder.
func (o *Orchestrator) finish(ctx context.Context, st *Stream, state State, failure error, frames, dropped int, logger *slog.Logger) {
	result := Result{
		State:    state,
		Frames:   frames,
		Dropped:  dropped,
		Duration: time.Since(st.started),
	}
	switch state {
	case StateErrored:
		result.Err = failure
	case StateCancelled:
		result.Err = context.Cause(st.ctx)
	}

	result.MessageID = st.messageID

	session, err := o.store.Session(st.SessionID)

	st.mu.Lock()
	st.result = result
	st.mu.Unlock()

	attrs := []any{
		"state", state.String(),
		"message_id", result.MessageID,
		"frames", frames,
		"dropped", dropped,
		"duration_ms", result.Duration.Milliseconds(),
	}
	switch state {
	case StateErrored:
		logger.Warn("Stream ended with error", append(attrs, "error", errText(failure))...)
	case StateCancelled:
		logger.Info("Stream cancelled", attrs...)
	default:
		logger.Info("Stream completed", attrs...)
	}

	if o.cfg.Recorder == nil || err != nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RecordTimeout)
	defer cancel()
	if err := o.cfg.Recorder.SaveSession(recordCtx, session); err != nil {
		logger.Warn("Failed to archive session", "error", err)
	}
}

func (o *Orchestrator) streamLogger(st *Stream) *slog.Logger {
	return o.logger.With(
		"session_id", st.SessionID,
		"stream_id", st.ID,
		"request_id", st.RequestID,
	)
}

// metricEventLabel keeps unknown server tags out of label values.
func metricEventLabel(event string) string {
	switch event {
	case chat.EventMessageStart, chat.EventMessageDelta, chat.EventMessageComplete, chat.EventError, chat.EventDone:
		return event
	default:
		return "unknown"
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
