package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"llamad/internal/prompt"
	"llamad/pkg/types"
)

// GenerationRequest describes one generation.
type GenerationRequest struct {
	// ID is optional; when set it must be greater than every ID already issued.
	ID     GenerationID
	Prompt string
	// SystemPrompt overrides the model's system prompt when non-nil. An
	// explicit empty string disables it.
	SystemPrompt *string
	History      []types.Turn
	// MaxTokens overrides the model's token budget when positive.
	MaxTokens int
}

// generation is the manager-side record of a running worker.
type generation struct {
	id     GenerationID
	stream *Stream
	cancel context.CancelCauseFunc
	done   <-chan struct{}
}

// StreamResponse starts a generation and returns its stream. Tokens are
// produced by a worker goroutine; the caller reads them with Recv or Forward.
// Cancelling ctx cancels the generation.
func (m *Manager) StreamResponse(ctx context.Context, req GenerationRequest) (*Stream, error) {
	if req.MaxTokens < 0 {
		return nil, ErrInvalidRequest(fmt.Sprintf("max tokens must not be negative, got %d", req.MaxTokens))
	}

	m.mu.Lock()
	if err := m.admitLocked(req.ID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cfg := m.model
	system := ""
	if cfg.SystemPrompt != nil {
		system = *cfg.SystemPrompt
	}
	if req.SystemPrompt != nil {
		system = *req.SystemPrompt
	}
	text, stop, err := prompt.Format(cfg.ChatTemplate, system, req.History, req.Prompt)
	if err != nil {
		m.mu.Unlock()
		return nil, ErrInvalidRequest(err.Error())
	}
	ref := m.handle
	if !ref.borrow() {
		m.mu.Unlock()
		return nil, &StateError{Op: "stream", State: m.state, Reason: "model is being unloaded"}
	}

	id := req.ID
	if id == 0 {
		id = m.lastID + 1
	}
	m.lastID = id
	maxTokens := cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	var prevDone <-chan struct{}
	if prev := m.active; prev != nil {
		prev.stream.markStopped()
		prev.cancel(errSuperseded)
		prevDone = prev.done
	}
	wctx, cancel := context.WithCancelCause(ctx)
	s := newStream(id, m.eventBuffer, cancel)
	g := &generation{id: id, stream: s, cancel: cancel, done: s.done}
	m.active = g
	m.gensTotal++
	m.setStateLocked(StateGenerating)
	m.mu.Unlock()

	m.log.Info().Str("event", "generation_start").Uint64("generation_id", uint64(id)).Int("max_tokens", maxTokens).Bool("superseding", prevDone != nil).Msg("generation started")
	m.publish(EventGenerationStart, id, map[string]any{"max_tokens": maxTokens})

	go m.runGeneration(wctx, g, ref, text, inferParamsFor(cfg, maxTokens, stop), prevDone)
	return s, nil
}

// admitLocked validates state and the requested ID. m.mu must be held.
func (m *Manager) admitLocked(id GenerationID) error {
	switch m.state {
	case StateReady:
	case StateGenerating, StateCancelling:
		if m.busyPolicy == BusyReject {
			return &StateError{Op: "stream", State: m.state, Reason: "a generation is already in progress"}
		}
	case StateLoading:
		return &StateError{Op: "stream", State: m.state, Reason: "model is loading"}
	default:
		return &StateError{Op: "stream", State: m.state, Reason: "no model loaded"}
	}
	if m.resetting {
		return &StateError{Op: "stream", State: m.state, Reason: "context reset in progress"}
	}
	if m.handle == nil {
		return &StateError{Op: "stream", State: m.state, Reason: "no model loaded"}
	}
	if id != 0 && id <= m.lastID {
		return &StateError{Op: "stream", State: m.state, Reason: fmt.Sprintf("generation id %d is not greater than last issued id %d", id, m.lastID)}
	}
	return nil
}

// StreamResponseAsync starts a generation and delivers its events to cb on
// a separate goroutine. It returns as soon as the generation is admitted.
func (m *Manager) StreamResponseAsync(ctx context.Context, req GenerationRequest, cb Callbacks) (GenerationID, error) {
	s, err := m.StreamResponse(ctx, req)
	if err != nil {
		return 0, err
	}
	go s.Forward(ctx, cb)
	return s.ID(), nil
}

// runGeneration is the worker. It owns one borrow of ref and always
// resolves the stream exactly once.
func (m *Manager) runGeneration(ctx context.Context, g *generation, ref *handleRef, text string, params InferParams, prevDone <-chan struct{}) {
	start := time.Now()
	var (
		index    int
		hitCap   bool
		firstTok time.Duration
		result   FinalResult
		genErr   error
	)
	defer g.cancel(nil)

	// The superseded worker must be off the handle before this one uses it.
	if prevDone != nil {
		<-prevDone
	}

	var watchdog *time.Timer
	if m.tokenTimeout > 0 {
		watchdog = time.AfterFunc(m.tokenTimeout, func() { g.cancel(ErrTokenTimeout) })
	}
	onToken := func(tok string) error {
		// The engine delivered a token; time spent waiting on the
		// consumer below is not an engine stall.
		if watchdog != nil {
			watchdog.Stop()
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if index == 0 {
			firstTok = time.Since(start)
		}
		index++
		ev := Event{Kind: EventToken, GenerationID: g.id, Index: index, Text: tok}
		select {
		case g.stream.tokens <- ev:
		case <-ctx.Done():
			index--
			return context.Cause(ctx)
		}
		if watchdog != nil {
			watchdog.Reset(m.tokenTimeout)
		}
		if params.MaxTokens > 0 && index >= params.MaxTokens {
			hitCap = true
			return errMaxTokens
		}
		return nil
	}

	if ctx.Err() == nil {
		result, genErr = generateSafe(ctx, ref.h, text, params, onToken)
	}
	if watchdog != nil {
		watchdog.Stop()
	}

	final := Event{GenerationID: g.id}
	switch {
	case hitCap:
		final.Kind, final.FinishReason = EventDone, FinishLength
	case ctx.Err() != nil:
		final.Kind = EventError
		final.Err = &GenerationError{ID: g.id, Err: cancellationReason(context.Cause(ctx))}
	case genErr != nil && !errors.Is(genErr, errMaxTokens):
		final.Kind = EventError
		final.Err = &GenerationError{ID: g.id, Err: genErr}
	default:
		final.Kind, final.FinishReason = EventDone, FinishStop
		if strings.EqualFold(result.FinishReason, string(FinishLength)) {
			final.FinishReason = FinishLength
		}
	}
	m.finishGeneration(g, ref, final, index, firstTok, time.Since(start))
}

var errMaxTokens = errors.New("max tokens reached")

// cancellationReason maps a context cause onto the error carried by the
// terminal event. Parent context cancellation counts as a cancellation.
func cancellationReason(cause error) error {
	if errors.Is(cause, ErrTokenTimeout) || errors.Is(cause, ErrGenerationCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrGenerationCancelled, cause)
}

func generateSafe(ctx context.Context, h Handle, text string, params InferParams, onToken func(string) error) (res FinalResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine panic: %v", rec)
		}
	}()
	return h.Generate(ctx, text, params, onToken)
}

// finishGeneration transitions state, resolves the stream, then releases
// the handle borrow. The order matters: the stream is done before the
// handle can be closed by a pending unload.
func (m *Manager) finishGeneration(g *generation, ref *handleRef, final Event, tokens int, firstTok, elapsed time.Duration) {
	m.mu.Lock()
	if m.active == g {
		m.active = nil
		if m.state == StateGenerating || m.state == StateCancelling {
			m.setStateLocked(StateReady)
		}
	}
	if final.Kind == EventError && !final.Cancelled() {
		m.err = final.Err.Error()
	}
	m.mu.Unlock()

	g.stream.final = final
	close(g.stream.tokens)
	close(g.stream.done)
	ref.release()

	outcome := outcomeOf(final)
	observeGeneration(outcome, tokens, firstTok)
	ev := m.log.Info()
	name := EventGenerationDone
	fields := map[string]any{"tokens": tokens, "elapsed_ms": elapsed.Milliseconds()}
	switch {
	case final.Cancelled():
		name = EventGenerationCancelled
		fields["reason"] = final.Err.Error()
	case final.Kind == EventError:
		name = EventGenerationError
		ev = m.log.Warn().Err(final.Err)
		fields["error"] = final.Err.Error()
	default:
		fields["finish_reason"] = string(final.FinishReason)
	}
	ev.Str("event", name).Uint64("generation_id", uint64(g.id)).Int("tokens", tokens).Dur("elapsed", elapsed).Str("outcome", outcome).Msg("generation finished")
	m.publish(name, g.id, fields)
}

func outcomeOf(e Event) string {
	switch {
	case e.Cancelled():
		return "cancelled"
	case e.Kind == EventError:
		return "error"
	}
	return string(e.FinishReason)
}
