//go:build llama

package manager

import (
	"testing"

	llama "github.com/go-skynet/go-llama.cpp"
)

func TestLlamaPredictOptionsDebugFollowsVerbose(t *testing.T) {
	params := InferParams{MaxTokens: 16, Temperature: 0.5}
	for _, verbose := range []bool{false, true} {
		h := &llamaHandle{cfg: ModelConfig{Verbose: verbose}, cachePath: "/tmp/llamad-test.cache"}
		po := llama.NewPredictOptions(h.predictOptions(params)...)
		if po.DebugMode != verbose {
			t.Fatalf("verbose=%v: DebugMode=%v", verbose, po.DebugMode)
		}
		if po.PathPromptCache != h.cachePath || !po.PromptCacheAll {
			t.Fatalf("prompt cache not configured: %+v", po)
		}
		if po.Tokens != 16 {
			t.Fatalf("tokens = %d, want 16", po.Tokens)
		}
	}
}
