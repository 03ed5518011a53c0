package manager

import "time"

// State represents the lifecycle state of the session.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateGenerating State = "generating"
	StateCancelling State = "cancelling"
)

// States lists every state, in lifecycle order.
var States = []State{StateIdle, StateLoading, StateReady, StateGenerating, StateCancelling}

// GenerationID correlates the events of one generation. IDs increase
// monotonically; zero means "assign one".
type GenerationID uint64

// ModelInfo is a minimal view of the loaded model.
type ModelInfo struct {
	Path          string
	LoadID        string
	ContextLength int
	EstMemoryMB   int
	LoadedAt      time.Time
}

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State             State
	CurrentModel      *ModelInfo
	CurrentGeneration GenerationID
	LastGeneration    GenerationID
	Err               string
}
