//go:build llama

package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"llamad/internal/registry"
)

// allGPULayers is passed to llama.cpp when every layer should be offloaded.
const allGPULayers = 999

type llamaEngine struct {
	cacheDir string
}

// NewLlamaEngine returns the in-process go-llama.cpp engine.
func NewLlamaEngine() Engine {
	return &llamaEngine{cacheDir: os.TempDir()}
}

func (e *llamaEngine) Name() string { return "llama" }

func (e *llamaEngine) Check(context.Context) error { return nil }

// llamaHandle owns the loaded model. Prompt evaluation state is kept in a
// prompt cache file so consecutive generations reuse the shared prefix.
type llamaHandle struct {
	mu        sync.Mutex
	model     *llama.LLama
	cfg       ModelConfig
	cachePath string
}

func (e *llamaEngine) Load(ctx context.Context, cfg ModelConfig) (Handle, error) {
	if err := registry.CheckModelFile(cfg.Path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gl := cfg.GPULayers
	if gl < 0 {
		gl = allGPULayers
	}
	// Configure model options
	mo := []llama.ModelOption{
		llama.SetContext(cfg.ContextLength),
		llama.SetNBatch(cfg.BatchSize),
		llama.SetMMap(true),
	}
	if gl > 0 {
		mo = append(mo, llama.SetGPULayers(gl))
	}
	// Load model
	m, err := llama.New(cfg.Path, mo...)
	if err != nil {
		return nil, mapLlamaLoadError(err)
	}
	f, err := os.CreateTemp(e.cacheDir, "llamad-prompt-*.cache")
	if err != nil {
		m.Free()
		return nil, fmt.Errorf("prompt cache: %w", err)
	}
	cachePath := f.Name()
	_ = f.Close()
	_ = os.Remove(cachePath)
	return &llamaHandle{model: m, cfg: cfg, cachePath: filepath.Clean(cachePath)}, nil
}

func mapLlamaLoadError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "alloc") || strings.Contains(msg, "out of memory") {
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	return err
}

func (h *llamaHandle) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model == nil {
		return FinalResult{}, errors.New("llama model not initialized")
	}

	var cbErr error
	// Bridge token streaming to onToken and respect cancellation
	h.model.SetTokenCallback(func(tok string) bool {
		// If context canceled, signal stop
		select {
		case <-ctx.Done():
			return false
		default:
		}
		// Forward token; on error, stop generation
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})

	po := h.predictOptions(params)
	// Run prediction (blocking until done or callback returns false)
	text, err := h.model.Predict(prompt, po...)
	if err != nil {
		// Propagate context error if applicable
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	if cbErr != nil {
		return FinalResult{Content: text}, cbErr
	}
	return FinalResult{Content: text, FinishReason: string(FinishStop)}, nil
}

// predictOptions adds the prompt cache and debug switch to the sampling options.
func (h *llamaHandle) predictOptions(params InferParams) []llama.PredictOption {
	po := mapInferParamsToPredictOptions(params)
	po = append(po, llama.SetPathPromptCache(h.cachePath), llama.EnablePromptCacheAll)
	if h.cfg.Verbose {
		po = append(po, llama.Debug)
	}
	return po
}

// Reset drops the prompt cache so the next generation evaluates from scratch.
func (h *llamaHandle) Reset(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.Remove(h.cachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (h *llamaHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model != nil {
		h.model.Free()
		h.model = nil
	}
	_ = os.Remove(h.cachePath)
	return nil
}

// helpers
func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// mapInferParamsToPredictOptions converts engine params into go-llama.cpp options
func mapInferParamsToPredictOptions(params InferParams) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, params.MaxTokens)),
		llama.SetTopP(zf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(params.Temperature),
		llama.SetPenalty(zf(params.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if params.Threads > 0 {
		po = append(po, llama.SetThreads(params.Threads))
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
