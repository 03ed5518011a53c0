//go:build !llama

package manager

// This file provides a no-CGO stub for the llama engine. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// The real engine lives in adapter_llama.go (tagged 'llama').

import (
	"context"
)

const llamaMissing = "llama support not built (missing 'llama' build tag)"

// llamaEngine is a stub that satisfies Engine but refuses to load models
// without the 'llama' build tag available.
type llamaEngine struct{}

func NewLlamaEngine() Engine { return llamaEngine{} }

func (llamaEngine) Name() string { return "llama" }

func (llamaEngine) Check(context.Context) error { return ErrDependencyUnavailable(llamaMissing) }

func (llamaEngine) Load(ctx context.Context, cfg ModelConfig) (Handle, error) {
	// Fail fast: llama runtime not available in this build.
	return nil, ErrDependencyUnavailable(llamaMissing)
}
