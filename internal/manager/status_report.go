package manager

import (
	"time"

	"llamad/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{State: m.state, LastGeneration: m.lastID, Err: m.err}
	if m.cur != nil {
		c := *m.cur
		s.CurrentModel = &c
	}
	if m.active != nil {
		s.CurrentGeneration = m.active.id
	}
	return s
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	resp := types.StatusResponse{
		State:            string(m.state),
		Engine:           m.engine.Name(),
		LastGeneration:   uint64(m.lastID),
		BusyPolicy:       string(m.busyPolicy),
		ResetPolicy:      string(m.resetPolicy),
		LastError:        m.err,
		UptimeSeconds:    int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:   now.Unix(),
		LoadsTotal:       m.loadsTotal,
		GenerationsTotal: m.gensTotal,
	}
	if m.cur != nil {
		resp.ModelPath = m.cur.Path
		resp.LoadID = m.cur.LoadID
		resp.ContextLength = m.cur.ContextLength
		resp.EstMemoryMB = m.cur.EstMemoryMB
		resp.LoadedForSeconds = int64(now.Sub(m.cur.LoadedAt).Seconds())
	}
	if m.active != nil {
		resp.CurrentGeneration = uint64(m.active.id)
	}
	return resp
}
