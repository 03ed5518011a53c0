package manager

import (
	"time"
)

// UnloadModel cancels any generation, waits for its worker to release the
// model and closes the engine handle. It is a no-op when nothing is loaded.
// A load in progress is cancelled.
func (m *Manager) UnloadModel() error {
	m.mu.Lock()
	if m.loadCancel != nil {
		m.loadCancel()
	}
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.unloadLocked()
}

// unloadLocked requires m.opMu.
func (m *Manager) unloadLocked() error {
	m.mu.Lock()
	ref, g, cur := m.handle, m.active, m.cur
	if ref == nil && g == nil {
		m.mu.Unlock()
		return nil
	}
	m.handle = nil
	m.active = nil
	m.cur = nil
	m.model = ModelConfig{}
	m.setStateLocked(StateIdle)
	if g != nil {
		g.stream.markStopped()
		g.cancel(errUnloaded)
	}
	m.mu.Unlock()

	path := ""
	if cur != nil {
		path = cur.Path
	}
	deadline := time.NewTimer(m.stopTimeout)
	defer deadline.Stop()
	if g != nil {
		select {
		case <-g.done:
		case <-deadline.C:
			m.log.Warn().Str("event", "unload_timeout").Uint64("generation_id", uint64(g.id)).Dur("timeout", m.stopTimeout).Msg("worker did not stop in time; handle closes on release")
			ref.retire()
			m.publishFor(EventUnloadDone, path, g.id, map[string]any{"pending_close": true})
			return &CancellationError{ID: g.id, Timeout: m.stopTimeout}
		}
	}

	var closeErr error
	if ref != nil {
		closed := ref.retire()
		select {
		case <-closed:
			closeErr = ref.err()
		case <-deadline.C:
			m.log.Warn().Str("event", "unload_timeout").Int("borrows", ref.borrowed()).Msg("handle still borrowed; closes on release")
		}
	}
	if closeErr != nil {
		m.log.Warn().Err(closeErr).Str("event", "unload_close").Str("model", path).Msg("engine close failed")
	}
	m.log.Info().Str("event", EventUnloadDone).Str("model", path).Msg("model unloaded")
	m.publishFor(EventUnloadDone, path, 0, nil)
	return closeErr
}
