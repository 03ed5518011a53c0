package manager

// LifecycleEvent represents a manager lifecycle event.
// Minimal and stable: name, model path and generation plus optional fields.
type LifecycleEvent struct {
	Name         string
	Model        string
	GenerationID GenerationID
	Fields       map[string]any
}

// Lifecycle event names.
const (
	EventLoadStart           = "load_start"
	EventLoadReady           = "load_ready"
	EventLoadFailed          = "load_failed"
	EventUnloadDone          = "unload_done"
	EventGenerationStart     = "generation_start"
	EventGenerationDone      = "generation_done"
	EventGenerationError     = "generation_error"
	EventGenerationCancelled = "generation_cancelled"
	EventResetDone           = "reset_done"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(LifecycleEvent)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(LifecycleEvent) {}
