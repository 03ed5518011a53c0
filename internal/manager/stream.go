package manager

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// EventKind distinguishes stream events.
type EventKind string

const (
	EventToken EventKind = "token"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// FinishReason tells why a generation completed normally.
type FinishReason string

const (
	// FinishStop covers end-of-sequence and stop sequences.
	FinishStop FinishReason = "stop"
	// FinishLength means the max token budget was reached.
	FinishLength FinishReason = "length"
)

// Event is one item of a generation stream. Token events carry Text and a
// 1-based Index; the terminal event is Done (with FinishReason) or Error
// (with Err).
type Event struct {
	Kind         EventKind
	GenerationID GenerationID
	Index        int
	Text         string
	FinishReason FinishReason
	Err          error
}

// Terminal reports whether e ends its stream.
func (e Event) Terminal() bool { return e.Kind == EventDone || e.Kind == EventError }

// Cancelled reports whether e is the terminal event of a cancelled generation.
func (e Event) Cancelled() bool {
	return e.Kind == EventError && errors.Is(e.Err, ErrGenerationCancelled)
}

// Stream delivers the events of one generation. Recv is meant for a single
// consumer goroutine; Stop, Done and ID are safe from any goroutine.
type Stream struct {
	id     GenerationID
	tokens chan Event
	done   chan struct{}
	// final is written by the worker before tokens is closed.
	final     Event
	stopped   atomic.Bool
	delivered atomic.Bool
	cancel    context.CancelCauseFunc
}

func newStream(id GenerationID, buffer int, cancel context.CancelCauseFunc) *Stream {
	return &Stream{
		id:     id,
		tokens: make(chan Event, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// ID returns the generation identifier of the stream.
func (s *Stream) ID() GenerationID { return s.id }

// Done is closed once the worker has exited and the terminal event is set.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Result returns the terminal event. It blocks until Done is closed.
func (s *Stream) Result() Event {
	<-s.done
	return s.final
}

// Stop cancels this generation without waiting for the worker. Tokens not
// yet received are discarded; the terminal event still arrives.
func (s *Stream) Stop() {
	s.stopped.Store(true)
	s.cancel(errStreamStopped)
}

// markStopped discards pending tokens without cancelling the worker.
func (s *Stream) markStopped() { s.stopped.Store(true) }

// Recv returns the next event. After the terminal event it returns io.EOF.
func (s *Stream) Recv(ctx context.Context) (Event, error) {
	for {
		if s.delivered.Load() {
			return Event{}, io.EOF
		}
		select {
		case ev, ok := <-s.tokens:
			if !ok {
				if s.delivered.CompareAndSwap(false, true) {
					return s.final, nil
				}
				return Event{}, io.EOF
			}
			if s.stopped.Load() {
				continue
			}
			return ev, nil
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Callbacks receive the events of a forwarded stream. Nil callbacks are skipped.
type Callbacks struct {
	OnToken func(text string, id GenerationID)
	OnDone  func(id GenerationID, reason FinishReason)
	OnError func(msg string, id GenerationID)
}

// Forward delivers every event of s to cb and returns after the terminal
// callback. If ctx ends first the stream is stopped, and the terminal event
// is still delivered.
func (s *Stream) Forward(ctx context.Context, cb Callbacks) Event {
	for {
		ev, err := s.Recv(ctx)
		if err != nil {
			s.Stop()
			ev, err = s.Recv(context.Background())
			if err != nil {
				// io.EOF: terminal event was already consumed elsewhere.
				return s.Result()
			}
		}
		switch ev.Kind {
		case EventToken:
			if cb.OnToken != nil {
				cb.OnToken(ev.Text, ev.GenerationID)
			}
		case EventDone:
			if cb.OnDone != nil {
				cb.OnDone(ev.GenerationID, ev.FinishReason)
			}
			return ev
		case EventError:
			if cb.OnError != nil {
				cb.OnError(ev.Err.Error(), ev.GenerationID)
			}
			return ev
		}
	}
}
