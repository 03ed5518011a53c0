package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Manager struct {
	engine       Engine
	busyPolicy   BusyPolicy
	resetPolicy  ResetPolicy
	eventBuffer  int
	tokenTimeout time.Duration
	stopTimeout  time.Duration
	log          zerolog.Logger
	publisher    EventPublisher
	startTime    time.Time

	// opMu serializes load, unload and reset against each other.
	opMu        sync.Mutex
	loadPending atomic.Bool

	mu         sync.RWMutex
	state      State
	handle     *handleRef
	model      ModelConfig
	cur        *ModelInfo
	err        string
	active     *generation
	resetting  bool
	lastID     GenerationID
	loadCancel context.CancelFunc
	loadsTotal uint64
	gensTotal  uint64
}

// New constructs a Manager around engine with package defaults.
func New(engine Engine) *Manager {
	// Delegate to NewWithConfig to centralize defaults and option parsing
	return NewWithConfig(ManagerConfig{Engine: engine})
}

// EngineName returns the name of the configured engine.
func (m *Manager) EngineName() string { return m.engine.Name() }

// BusyPolicy returns the configured busy policy.
func (m *Manager) BusyPolicy() BusyPolicy { return m.busyPolicy }

// ResetPolicy returns the configured reset policy.
func (m *Manager) ResetPolicy() ResetPolicy { return m.resetPolicy }

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsModelLoaded reports whether a model is loaded, generating or not.
func (m *Manager) IsModelLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle != nil
}

// IsGenerating reports whether a generation is in flight.
func (m *Manager) IsGenerating() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active != nil
}

// Ready reports whether the session can accept generations.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateReady, StateGenerating, StateCancelling:
		return m.handle != nil && !m.resetting
	}
	return false
}

// Close unloads the model, cancelling any generation.
func (m *Manager) Close() error { return m.UnloadModel() }

// setStateLocked records a transition. m.mu must be held.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debug().Str("event", "state").Str("from", string(m.state)).Str("to", string(s)).Msg("state change")
	m.state = s
	setStateGauge(s)
}

func (m *Manager) publish(name string, id GenerationID, fields map[string]any) {
	m.mu.RLock()
	path := ""
	if m.cur != nil {
		path = m.cur.Path
	}
	m.mu.RUnlock()
	m.publishFor(name, path, id, fields)
}

func (m *Manager) publishFor(name, model string, id GenerationID, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	defer func() { _ = recover() }()
	m.publisher.Publish(LifecycleEvent{Name: name, Model: model, GenerationID: id, Fields: fields})
}
