package manager

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// echoEngine streams the last user message back word by word. It needs no
// model file and is meant for development and HTTP tests.
type echoEngine struct {
	delay time.Duration
}

// NewEchoEngine returns the echo engine. delay is slept before each token.
func NewEchoEngine(delay time.Duration) Engine { return &echoEngine{delay: delay} }

func (e *echoEngine) Name() string { return "echo" }

func (e *echoEngine) Load(ctx context.Context, cfg ModelConfig) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &echoHandle{delay: e.delay}, nil
}

type echoHandle struct {
	delay time.Duration
}

// userTurns are the delimiters of a user turn in the supported chat templates.
var userTurns = []struct{ open, close string }{
	{"<|im_start|>user\n", "<|im_end|>"},
	{"<|start_header_id|>user<|end_header_id|>\n\n", "<|eot_id|>"},
	{"<start_of_turn>user\n", "<end_of_turn>"},
	{"User: ", "\n\n"},
}

// lastUserMessage extracts the final user turn from a rendered prompt. A
// prompt in no known template is echoed whole.
func lastUserMessage(prompt string) string {
	at, msg := -1, strings.TrimSpace(prompt)
	for _, t := range userTurns {
		i := strings.LastIndex(prompt, t.open)
		if i <= at {
			continue
		}
		at = i
		rest := prompt[i+len(t.open):]
		if j := strings.Index(rest, t.close); j >= 0 {
			rest = rest[:j]
		}
		msg = strings.TrimSpace(rest)
	}
	return msg
}

func (h *echoHandle) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	words := splitKeepSpace(lastUserMessage(prompt))
	var b strings.Builder
	for i, w := range words {
		if params.MaxTokens > 0 && i >= params.MaxTokens {
			return FinalResult{Content: b.String(), FinishReason: string(FinishLength)}, nil
		}
		if h.delay > 0 {
			t := time.NewTimer(h.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return FinalResult{Content: b.String()}, ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return FinalResult{Content: b.String()}, err
		}
		b.WriteString(w)
		if err := onToken(w); err != nil {
			return FinalResult{Content: b.String()}, err
		}
	}
	return FinalResult{Content: b.String(), FinishReason: string(FinishStop)}, nil
}

func (h *echoHandle) Reset(context.Context) error { return nil }

func (h *echoHandle) Close() error { return nil }

// splitKeepSpace splits s into words, attaching the preceding space to each
// word after the first, the way tokenizers emit them.
func splitKeepSpace(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if unicode.IsSpace(r) && i > start {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
