package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding config fields are unset.
const (
	defaultEventBuffer = 64
	defaultStopTimeout = 10 * time.Second

	DefaultContextLength = 2048
	DefaultGPULayers     = -1
	DefaultMaxTokens     = 2048
	DefaultTemperature   = 0.7
	DefaultTopK          = 40
	DefaultTopP          = 0.9
	DefaultRepeatPenalty = 1.1
	DefaultBatchSize     = 512
	DefaultChatTemplate  = "chatml"
)

// BusyPolicy decides what StreamResponse does while a generation is running.
type BusyPolicy string

const (
	// BusyReject fails the new request with a StateError.
	BusyReject BusyPolicy = "reject"
	// BusyCancel cancels the running generation and starts the new one once
	// the old worker has released the model.
	BusyCancel BusyPolicy = "cancel"
)

// ResetPolicy decides what ResetContext does while a generation is running.
type ResetPolicy string

const (
	ResetReject ResetPolicy = "reject"
	ResetCancel ResetPolicy = "cancel"
)

// ParseBusyPolicy accepts "reject" or "cancel". Empty selects BusyCancel.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", BusyCancel:
		return BusyCancel, nil
	case BusyReject:
		return BusyReject, nil
	}
	return "", fmt.Errorf("invalid busy policy %q", s)
}

// ParseResetPolicy accepts "reject" or "cancel". Empty selects ResetCancel.
func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch ResetPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResetCancel:
		return ResetCancel, nil
	case ResetReject:
		return ResetReject, nil
	}
	return "", fmt.Errorf("invalid reset policy %q", s)
}

// ModelConfig describes one model load. The manager copies it on load, so
// later changes by the caller have no effect.
type ModelConfig struct {
	Path          string
	ContextLength int
	// GPULayers is the number of layers to offload; -1 offloads all.
	GPULayers int
	// Threads is the CPU thread count; 0 lets the engine decide.
	Threads       int
	BatchSize     int
	Temperature   float64
	TopK          int
	TopP          float64
	RepeatPenalty float64
	MaxTokens     int
	// SystemPrompt applies to every generation unless a request overrides it.
	SystemPrompt *string
	ChatTemplate string
	Stop         []string
	Seed         int
	Verbose      bool
}

// DefaultModelConfig returns the stock load parameters with an empty path.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		ContextLength: DefaultContextLength,
		GPULayers:     DefaultGPULayers,
		BatchSize:     DefaultBatchSize,
		Temperature:   DefaultTemperature,
		TopK:          DefaultTopK,
		TopP:          DefaultTopP,
		RepeatPenalty: DefaultRepeatPenalty,
		MaxTokens:     DefaultMaxTokens,
		ChatTemplate:  DefaultChatTemplate,
	}
}

// Validate reports the first invalid field.
func (c ModelConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Path) == "":
		return ErrInvalidRequest("model path is empty")
	case c.ContextLength <= 0:
		return ErrInvalidRequest(fmt.Sprintf("context length must be positive, got %d", c.ContextLength))
	case c.MaxTokens <= 0:
		return ErrInvalidRequest(fmt.Sprintf("max tokens must be positive, got %d", c.MaxTokens))
	case c.BatchSize <= 0:
		return ErrInvalidRequest(fmt.Sprintf("batch size must be positive, got %d", c.BatchSize))
	case c.GPULayers < -1:
		return ErrInvalidRequest(fmt.Sprintf("gpu layers must be -1 or more, got %d", c.GPULayers))
	case c.Threads < 0:
		return ErrInvalidRequest(fmt.Sprintf("threads must not be negative, got %d", c.Threads))
	case c.Temperature < 0:
		return ErrInvalidRequest(fmt.Sprintf("temperature must not be negative, got %v", c.Temperature))
	case c.TopP < 0 || c.TopP > 1:
		return ErrInvalidRequest(fmt.Sprintf("top_p must be within [0,1], got %v", c.TopP))
	case c.TopK < 0:
		return ErrInvalidRequest(fmt.Sprintf("top_k must not be negative, got %d", c.TopK))
	case c.RepeatPenalty < 0:
		return ErrInvalidRequest(fmt.Sprintf("repeat penalty must not be negative, got %v", c.RepeatPenalty))
	}
	return nil
}

func (c ModelConfig) clone() ModelConfig {
	out := c
	if c.SystemPrompt != nil {
		s := *c.SystemPrompt
		out.SystemPrompt = &s
	}
	out.Stop = append([]string(nil), c.Stop...)
	return out
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Engine performs the actual inference. Nil selects the in-process llama engine.
	Engine      Engine
	BusyPolicy  BusyPolicy
	ResetPolicy ResetPolicy
	// EventBuffer bounds the token channel of each stream.
	EventBuffer int
	// TokenTimeout aborts a generation that produces no token for this long. Zero disables it.
	TokenTimeout time.Duration
	// StopTimeout bounds how long StopGeneration and UnloadModel wait for the worker.
	StopTimeout time.Duration
	Logger      *zerolog.Logger
	Publisher   EventPublisher
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:        StateIdle,
		engine:       cfg.Engine,
		busyPolicy:   cfg.BusyPolicy,
		resetPolicy:  cfg.ResetPolicy,
		eventBuffer:  cfg.EventBuffer,
		tokenTimeout: cfg.TokenTimeout,
		stopTimeout:  cfg.StopTimeout,
		publisher:    cfg.Publisher,
	}
	// Apply defaults if unset
	if m.engine == nil {
		m.engine = NewLlamaEngine()
	}
	if m.busyPolicy == "" {
		m.busyPolicy = BusyCancel
	}
	if m.resetPolicy == "" {
		m.resetPolicy = ResetCancel
	}
	if m.eventBuffer <= 0 {
		m.eventBuffer = defaultEventBuffer
	}
	if m.stopTimeout <= 0 {
		m.stopTimeout = defaultStopTimeout
	}
	if m.tokenTimeout < 0 {
		m.tokenTimeout = 0
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "manager").Str("engine", m.engine.Name()).Logger()
	} else {
		m.log = zerolog.Nop()
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if ls, ok := m.engine.(interface{ setLogger(zerolog.Logger) }); ok {
		ls.setLogger(m.log)
	}
	if ps, ok := m.engine.(interface{ setPublisher(EventPublisher) }); ok {
		ps.setPublisher(m.publisher)
	}
	m.startTime = time.Now()
	setStateGauge(StateIdle)
	return m
}
