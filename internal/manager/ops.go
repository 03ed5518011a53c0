package manager

import (
	"context"
	"fmt"
	"time"
)

// StopGeneration cancels the running generation and waits for its worker to
// exit. Once it returns, no further token of that generation is delivered.
// It is a no-op when nothing is generating. If the worker does not stop
// within the stop timeout a CancellationError is returned; tokens remain
// suppressed and the terminal event still arrives later.
func (m *Manager) StopGeneration() error {
	m.mu.Lock()
	g := m.active
	if g == nil {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateCancelling)
	g.stream.markStopped()
	g.cancel(errStopRequested)
	m.mu.Unlock()

	m.log.Info().Str("event", "generation_stop").Uint64("generation_id", uint64(g.id)).Msg("stop requested")
	return m.awaitWorker(g)
}

func (m *Manager) awaitWorker(g *generation) error {
	t := time.NewTimer(m.stopTimeout)
	defer t.Stop()
	select {
	case <-g.done:
		return nil
	case <-t.C:
		m.log.Warn().Str("event", "stop_timeout").Uint64("generation_id", uint64(g.id)).Dur("timeout", m.stopTimeout).Msg("worker did not acknowledge cancellation")
		return &CancellationError{ID: g.id, Timeout: m.stopTimeout}
	}
}

// ResetContext clears the conversation state of the loaded model without
// unloading it. While a generation runs, ResetReject fails with a
// StateError and ResetCancel stops the generation first. New generations
// are refused until the reset completes.
func (m *Manager) ResetContext(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case StateReady, StateGenerating, StateCancelling:
	default:
		st := m.state
		m.mu.Unlock()
		return &StateError{Op: "reset", State: st, Reason: "no model loaded"}
	}
	g := m.active
	if g != nil && m.resetPolicy == ResetReject {
		st := m.state
		m.mu.Unlock()
		return &StateError{Op: "reset", State: st, Reason: "a generation is in progress"}
	}
	ref := m.handle
	if ref == nil || !ref.borrow() {
		st := m.state
		m.mu.Unlock()
		return &StateError{Op: "reset", State: st, Reason: "no model loaded"}
	}
	m.resetting = true
	if g != nil {
		m.setStateLocked(StateCancelling)
		g.stream.markStopped()
		g.cancel(errResetting)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.resetting = false
		m.mu.Unlock()
	}()
	defer ref.release()

	if g != nil {
		if err := m.awaitWorker(g); err != nil {
			return err
		}
	}
	if err := resetSafe(ctx, ref.h); err != nil {
		m.log.Warn().Err(err).Str("event", "reset_failed").Msg("context reset failed")
		return fmt.Errorf("reset context: %w", err)
	}
	m.log.Info().Str("event", EventResetDone).Msg("context reset")
	m.publish(EventResetDone, 0, nil)
	return nil
}

func resetSafe(ctx context.Context, h Handle) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine panic: %v", rec)
		}
	}()
	return h.Reset(ctx)
}
