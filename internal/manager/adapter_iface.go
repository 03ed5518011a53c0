package manager

import "context"

// Engine abstracts the model runtime used by the Manager.
// Concrete implementations (e.g., llama.cpp) should satisfy this interface.
type Engine interface {
	// Name identifies the engine in logs and status output.
	Name() string
	// Load opens the model described by cfg and returns an exclusive handle to it.
	Load(ctx context.Context, cfg ModelConfig) (Handle, error)
}

// Handle is a loaded model plus its inference context. The manager owns it
// exclusively and never calls Generate concurrently on the same handle.
type Handle interface {
	// Generate streams tokens for the given prompt. The onToken callback will be invoked
	// for each token; a non-nil return asks the engine to stop and return.
	// Implementations must return when the context is canceled.
	Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error)
	// Reset clears accumulated context state without unloading the weights.
	Reset(ctx context.Context) error
	// Close releases any resources associated with the handle.
	Close() error
}

// Checker is implemented by engines that can verify their external
// dependencies without loading a model.
type Checker interface {
	Check(ctx context.Context) error
}

// InferParams captures generation parameters passed to the engine.
type InferParams struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
	Threads       int
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func inferParamsFor(cfg ModelConfig, maxTokens int, stop []string) InferParams {
	return InferParams{
		Temperature:   float32(cfg.Temperature),
		TopP:          float32(cfg.TopP),
		TopK:          cfg.TopK,
		MaxTokens:     maxTokens,
		Stop:          mergeStop(cfg.Stop, stop),
		Seed:          cfg.Seed,
		RepeatPenalty: float32(cfg.RepeatPenalty),
		Threads:       cfg.Threads,
	}
}

func mergeStop(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
