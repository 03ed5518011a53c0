package manager

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// createModelFile creates a GGUF-tagged file of approximately sizeMB megabytes and returns its path.
func createModelFile(t *testing.T, dir, name string, sizeMB int) string {
	t.Helper()
	if sizeMB <= 0 {
		sizeMB = 1
	}
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer f.Close()
	// write sizeMB megabytes (use 1MiB blocks), the first starting with the magic
	block := make([]byte, 1024*1024)
	copy(block, "GGUF")
	for i := 0; i < sizeMB; i++ {
		if _, err := f.Write(block); err != nil {
			t.Fatalf("write: %v", err)
		}
		block[0], block[1], block[2], block[3] = 0, 0, 0, 0
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return p
}

// fakeEngine is a deterministic in-memory engine. Tokens are produced on
// demand when gated, and loads/closes are counted so tests can check for
// leaked handles.
type fakeEngine struct {
	loadErr   error
	loadPanic bool
	// loadBlock, when non-nil, holds Load until it is closed or ctx ends.
	loadBlock chan struct{}

	tokens []string
	// infinite repeats "tok" until stopped.
	infinite bool
	genErr   error
	genPanic bool
	// gate, when non-nil, must yield one value per token.
	gate chan struct{}
	// hold, when non-nil, blocks Generate until closed, ignoring ctx.
	hold chan struct{}

	loads   atomic.Int32
	closes  atomic.Int32
	resets  atomic.Int32
	emitted atomic.Int32
	calls   atomic.Int32
	running atomic.Int32
	overlap atomic.Bool

	mu         sync.Mutex
	prompts    []string
	lastParams InferParams
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Load(ctx context.Context, cfg ModelConfig) (Handle, error) {
	if e.loadPanic {
		panic("boom")
	}
	if e.loadBlock != nil {
		select {
		case <-e.loadBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	e.loads.Add(1)
	return &fakeHandle{e: e}, nil
}

// open returns the number of handles loaded but not closed.
func (e *fakeEngine) open() int { return int(e.loads.Load() - e.closes.Load()) }

// release lets n gated tokens through.
func (e *fakeEngine) release(n int) {
	for i := 0; i < n; i++ {
		e.gate <- struct{}{}
	}
}

func (e *fakeEngine) lastPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.prompts) == 0 {
		return ""
	}
	return e.prompts[len(e.prompts)-1]
}

type fakeHandle struct {
	e      *fakeEngine
	closed atomic.Bool
}

func (h *fakeHandle) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	e := h.e
	if h.closed.Load() {
		return FinalResult{}, errors.New("generate on closed handle")
	}
	e.calls.Add(1)
	if e.running.Add(1) > 1 {
		e.overlap.Store(true)
	}
	defer e.running.Add(-1)
	e.mu.Lock()
	e.prompts = append(e.prompts, prompt)
	e.lastParams = params
	e.mu.Unlock()

	if e.genPanic {
		panic("generate boom")
	}
	if e.hold != nil {
		<-e.hold
		return FinalResult{}, nil
	}
	if e.genErr != nil {
		return FinalResult{}, e.genErr
	}
	next := func(i int) (string, bool) {
		if e.infinite {
			return "tok", true
		}
		if i < len(e.tokens) {
			return e.tokens[i], true
		}
		return "", false
	}
	for i := 0; ; i++ {
		tok, ok := next(i)
		if !ok {
			break
		}
		if e.gate != nil {
			select {
			case <-e.gate:
			case <-ctx.Done():
				return FinalResult{}, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return FinalResult{}, err
		}
		e.emitted.Add(1)
		if err := onToken(tok); err != nil {
			return FinalResult{}, err
		}
	}
	return FinalResult{FinishReason: "stop"}, nil
}

func (h *fakeHandle) Reset(context.Context) error {
	h.e.resets.Add(1)
	return nil
}

func (h *fakeHandle) Close() error {
	if h.closed.Swap(true) {
		return errors.New("double close")
	}
	if h.e.running.Load() > 0 {
		h.e.overlap.Store(true)
	}
	h.e.closes.Add(1)
	return nil
}

// newTestManager builds a manager around e with short timeouts.
func newTestManager(t *testing.T, e Engine, mut ...func(*ManagerConfig)) (*Manager, *MemoryPublisher) {
	t.Helper()
	pub := NewMemoryPublisher()
	cfg := ManagerConfig{Engine: e, Publisher: pub, StopTimeout: 2 * time.Second}
	for _, f := range mut {
		f(&cfg)
	}
	m := NewWithConfig(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m, pub
}

// testModelConfig returns defaults pointing at a path that need not exist.
func testModelConfig() ModelConfig {
	c := DefaultModelConfig()
	c.Path = "/models/test.gguf"
	return c
}

func mustLoad(t *testing.T, m *Manager, cfg ModelConfig) {
	t.Helper()
	if err := m.LoadModel(testCtx(t), cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
}

// collect drains s until io.EOF.
func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	ctx := testCtx(t)
	var out []Event
	for {
		ev, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("recv: %v (after %d events)", err, len(out))
		}
		out = append(out, ev)
	}
}

// summary is a comparable projection of Event.
type summary struct {
	Kind      EventKind
	ID        GenerationID
	Index     int
	Text      string
	Reason    FinishReason
	Cancelled bool
}

func summarize(evs []Event) []summary {
	out := make([]summary, len(evs))
	for i, e := range evs {
		out[i] = summary{Kind: e.Kind, ID: e.GenerationID, Index: e.Index, Text: e.Text, Reason: e.FinishReason, Cancelled: e.Cancelled()}
	}
	return out
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}
