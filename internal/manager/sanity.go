package manager

import (
	"context"
	"time"
)

// SanityReport describes runtime checks for external dependencies.
type SanityReport struct {
	Engine    string `json:"engine"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// SanityCheck validates that the engine's external dependencies are present.
// It does not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{Engine: m.engine.Name(), Available: true}
	c, ok := m.engine.(Checker)
	if !ok {
		return r
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Check(ctx); err != nil {
		r.Available = false
		r.Error = err.Error()
	}
	return r
}
