package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"llamad/internal/common/fsutil"
	"llamad/internal/registry"
)

// LoadModel loads the model described by cfg, unloading any current model
// first. It fails fast with a StateError when another load is in flight.
// On failure the session is idle and the error is a LoadError.
func (m *Manager) LoadModel(ctx context.Context, cfg ModelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !m.loadPending.CompareAndSwap(false, true) {
		return &StateError{Op: "load", State: m.State(), Reason: "another load is in progress"}
	}
	defer m.loadPending.Store(false)
	return m.load(ctx, cfg)
}

// LoadModelAsync validates cfg and starts the load in the background. done,
// if non-nil, receives the outcome. Synchronous errors (invalid config, a
// load already in flight) are returned directly and done is not called.
func (m *Manager) LoadModelAsync(ctx context.Context, cfg ModelConfig, done func(error)) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !m.loadPending.CompareAndSwap(false, true) {
		return &StateError{Op: "load", State: m.State(), Reason: "another load is in progress"}
	}
	go func() {
		err := m.load(ctx, cfg)
		m.loadPending.Store(false)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (m *Manager) load(ctx context.Context, cfg ModelConfig) error {
	cfg = cfg.clone()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.unloadLocked(); err != nil {
		m.log.Warn().Err(err).Str("event", "implicit_unload").Msg("previous model did not unload cleanly")
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.setStateLocked(StateLoading)
	m.model = cfg
	m.err = ""
	m.loadCancel = cancel
	m.mu.Unlock()

	m.log.Info().Str("event", EventLoadStart).Str("model", cfg.Path).Int("ctx", cfg.ContextLength).Int("gpu_layers", cfg.GPULayers).Msg("loading model")
	m.publishFor(EventLoadStart, cfg.Path, 0, map[string]any{"context_length": cfg.ContextLength, "gpu_layers": cfg.GPULayers})
	start := time.Now()

	h, err := loadSafe(lctx, m.engine, cfg)
	elapsed := time.Since(start)
	if err == nil && lctx.Err() != nil {
		// Unload cancelled the load after the engine finished; drop the handle.
		_ = h.Close()
		err = lctx.Err()
	}

	m.mu.Lock()
	m.loadCancel = nil
	if err != nil {
		lerr := classifyLoadError(cfg.Path, err)
		m.setStateLocked(StateIdle)
		m.model = ModelConfig{}
		m.err = lerr.Error()
		m.mu.Unlock()
		observeLoad(false, elapsed)
		m.log.Error().Err(lerr.Err).Str("event", EventLoadFailed).Str("model", cfg.Path).Str("cause", string(lerr.Cause)).Dur("elapsed", elapsed).Msg("model load failed")
		m.publishFor(EventLoadFailed, cfg.Path, 0, map[string]any{"cause": string(lerr.Cause), "error": lerr.Err.Error()})
		return lerr
	}
	info := &ModelInfo{
		Path:          cfg.Path,
		LoadID:        uuid.NewString(),
		ContextLength: cfg.ContextLength,
		EstMemoryMB:   estimateMemoryMB(cfg),
		LoadedAt:      time.Now(),
	}
	m.handle = newHandleRef(h)
	m.cur = info
	m.loadsTotal++
	m.setStateLocked(StateReady)
	m.mu.Unlock()

	observeLoad(true, elapsed)
	m.log.Info().Str("event", EventLoadReady).Str("model", cfg.Path).Str("load_id", info.LoadID).Dur("elapsed", elapsed).Msg("model ready")
	m.publishFor(EventLoadReady, cfg.Path, 0, map[string]any{"load_id": info.LoadID, "elapsed_ms": elapsed.Milliseconds()})
	return nil
}

// LoadID returns the identifier of the current load, or "" when idle.
func (m *Manager) LoadID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.LoadID
}

func loadSafe(ctx context.Context, e Engine, cfg ModelConfig) (h Handle, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h, err = nil, fmt.Errorf("engine panic: %v", rec)
		}
	}()
	h, err = e.Load(ctx, cfg)
	if err == nil && h == nil {
		err = errors.New("engine returned no handle")
	}
	return h, err
}

func classifyLoadError(path string, err error) *LoadError {
	var le *LoadError
	if errors.As(err, &le) {
		return le
	}
	cause := LoadEngine
	switch {
	case errors.Is(err, registry.ErrModelFileNotFound), errors.Is(err, os.ErrNotExist):
		cause = LoadNotFound
	case errors.Is(err, registry.ErrNotGGUF):
		cause = LoadUnsupportedFormat
	case errors.Is(err, ErrResourceExhausted):
		cause = LoadResourceExhausted
	}
	return &LoadError{Path: path, Cause: cause, Err: err}
}

// estimateMemoryMB is a coarse footprint estimate: file size plus a KV cache
// term proportional to the context length.
func estimateMemoryMB(cfg ModelConfig) int {
	if !fsutil.PathExists(cfg.Path) {
		return 0
	}
	return fsutil.FileSizeMB(cfg.Path) + cfg.ContextLength/64
}
