package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"llamad/internal/registry"
	"llamad/pkg/types"
)

func TestNewWithConfigDefaults(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Engine: &fakeEngine{}})
	if m.eventBuffer != defaultEventBuffer {
		t.Fatalf("expected default eventBuffer=%d got %d", defaultEventBuffer, m.eventBuffer)
	}
	if m.stopTimeout != defaultStopTimeout {
		t.Fatalf("expected default stopTimeout=%v got %v", defaultStopTimeout, m.stopTimeout)
	}
	if m.BusyPolicy() != BusyCancel || m.ResetPolicy() != ResetCancel {
		t.Fatalf("unexpected policies %s/%s", m.BusyPolicy(), m.ResetPolicy())
	}
	if m.State() != StateIdle || m.IsModelLoaded() || m.IsGenerating() || m.Ready() {
		t.Fatalf("expected idle manager, got %s", m.State())
	}
}

func TestNewDefaultsToLlamaEngine(t *testing.T) {
	m := New(nil)
	if m.EngineName() != "llama" {
		t.Fatalf("expected llama engine, got %s", m.EngineName())
	}
}

func TestLoadThenUnloadLeaksNothing(t *testing.T) {
	e := &fakeEngine{}
	m, pub := newTestManager(t, e)
	for i := 0; i < 3; i++ {
		mustLoad(t, m, testModelConfig())
		if m.State() != StateReady || !m.Ready() || m.LoadID() == "" {
			t.Fatalf("expected ready with load id, got %s %q", m.State(), m.LoadID())
		}
		if err := m.UnloadModel(); err != nil {
			t.Fatalf("unload: %v", err)
		}
		if m.State() != StateIdle || m.IsModelLoaded() {
			t.Fatalf("expected idle after unload, got %s", m.State())
		}
	}
	if e.loads.Load() != 3 || e.open() != 0 {
		t.Fatalf("leaked handles: loads=%d closes=%d", e.loads.Load(), e.closes.Load())
	}
	want := []string{
		EventLoadStart, EventLoadReady, EventUnloadDone,
		EventLoadStart, EventLoadReady, EventUnloadDone,
		EventLoadStart, EventLoadReady, EventUnloadDone,
	}
	if diff := cmp.Diff(want, pub.Names()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadIDChangesPerLoad(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{})
	mustLoad(t, m, testModelConfig())
	first := m.LoadID()
	mustLoad(t, m, testModelConfig())
	if m.LoadID() == first {
		t.Fatalf("expected a new load id, still %s", first)
	}
}

func TestLoadFailureClassified(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want LoadCause
	}{
		{"not found", fmt.Errorf("%w: /x", registry.ErrModelFileNotFound), LoadNotFound},
		{"bad format", fmt.Errorf("%w: /x", registry.ErrNotGGUF), LoadUnsupportedFormat},
		{"oom", fmt.Errorf("%w: 8 GiB", ErrResourceExhausted), LoadResourceExhausted},
		{"engine", errors.New("weird"), LoadEngine},
	}
	for _, tc := range cases {
		e := &fakeEngine{loadErr: tc.err}
		m, pub := newTestManager(t, e)
		err := m.LoadModel(testCtx(t), testModelConfig())
		var le *LoadError
		if !errors.As(err, &le) || le.Cause != tc.want {
			t.Fatalf("%s: expected LoadError cause %s, got %v", tc.name, tc.want, err)
		}
		if m.State() != StateIdle || m.Snapshot().Err == "" {
			t.Fatalf("%s: expected idle with error, got %+v", tc.name, m.Snapshot())
		}
		if names := pub.Names(); names[len(names)-1] != EventLoadFailed {
			t.Fatalf("%s: expected load_failed event, got %v", tc.name, names)
		}
	}
}

func TestLoadPanicIsRecovered(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{loadPanic: true})
	err := m.LoadModel(testCtx(t), testModelConfig())
	if !IsLoadError(err) || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected LoadError from panic, got %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{})
	cfg := testModelConfig()
	cfg.Path = ""
	if err := m.LoadModel(testCtx(t), cfg); !IsInvalidRequest(err) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state changed: %s", m.State())
	}
}

func TestConcurrentLoadFailsFast(t *testing.T) {
	e := &fakeEngine{loadBlock: make(chan struct{})}
	m, _ := newTestManager(t, e)
	done := make(chan error, 1)
	if err := m.LoadModelAsync(context.Background(), testModelConfig(), func(err error) { done <- err }); err != nil {
		t.Fatalf("async load: %v", err)
	}
	waitFor(t, "loading state", func() bool { return m.State() == StateLoading })

	err := m.LoadModel(testCtx(t), testModelConfig())
	if !IsStateError(err) {
		t.Fatalf("expected StateError for concurrent load, got %v", err)
	}
	if err := m.LoadModelAsync(context.Background(), testModelConfig(), nil); !IsStateError(err) {
		t.Fatalf("expected StateError for concurrent async load, got %v", err)
	}
	close(e.loadBlock)
	if err := <-done; err != nil {
		t.Fatalf("first load: %v", err)
	}
	if m.State() != StateReady {
		t.Fatalf("expected ready, got %s", m.State())
	}
}

func TestStreamWhileLoadingStartsNoWorker(t *testing.T) {
	e := &fakeEngine{loadBlock: make(chan struct{}), tokens: []string{"a"}}
	m, _ := newTestManager(t, e)
	if err := m.LoadModelAsync(context.Background(), testModelConfig(), nil); err != nil {
		t.Fatalf("async load: %v", err)
	}
	waitFor(t, "loading state", func() bool { return m.State() == StateLoading })

	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	var se *StateError
	if !errors.As(err, &se) || s != nil || se.State != StateLoading {
		t.Fatalf("expected StateError in loading, got %v", err)
	}
	if m.IsGenerating() || e.calls.Load() != 0 {
		t.Fatalf("worker started during load")
	}
	if m.Snapshot().LastGeneration != 0 {
		t.Fatalf("generation id consumed by rejected request")
	}
	close(e.loadBlock)
}

func TestStreamWhileIdle(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{})
	if _, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"}); !IsStateError(err) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestMaxTokensThenSingleDone(t *testing.T) {
	e := &fakeEngine{infinite: true}
	m, _ := newTestManager(t, e)
	cfg := testModelConfig()
	cfg.ContextLength = 2048
	cfg.MaxTokens = 50
	mustLoad(t, m, cfg)

	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	evs := collect(t, s)
	tokens, dones := 0, 0
	for i, ev := range evs {
		if ev.GenerationID != s.ID() {
			t.Fatalf("event %d tagged %d, want %d", i, ev.GenerationID, s.ID())
		}
		switch ev.Kind {
		case EventToken:
			if dones > 0 {
				t.Fatalf("token after done")
			}
			tokens++
			if ev.Index != tokens {
				t.Fatalf("token index %d, want %d", ev.Index, tokens)
			}
		case EventDone:
			dones++
			if ev.FinishReason != FinishLength {
				t.Fatalf("finish reason %s, want length", ev.FinishReason)
			}
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if tokens > 50 || tokens == 0 || dones != 1 {
		t.Fatalf("got %d tokens and %d done events", tokens, dones)
	}
	if e.lastParams.MaxTokens != 50 {
		t.Fatalf("engine saw max tokens %d", e.lastParams.MaxTokens)
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })
}

func TestRequestMaxTokensOverride(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{infinite: true})
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hi", MaxTokens: 3})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got := summarize(collect(t, s))
	id := s.ID()
	want := []summary{
		{Kind: EventToken, ID: id, Index: 1, Text: "tok"},
		{Kind: EventToken, ID: id, Index: 2, Text: "tok"},
		{Kind: EventToken, ID: id, Index: 3, Text: "tok"},
		{Kind: EventDone, ID: id, Reason: FinishLength},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hi", MaxTokens: -1}); !IsInvalidRequest(err) {
		t.Fatalf("expected invalid request for negative max tokens, got %v", err)
	}
}

func TestCompletesWithStop(t *testing.T) {
	m, pub := newTestManager(t, &fakeEngine{tokens: []string{"Hel", "lo", "!"}})
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	evs := collect(t, s)
	var text strings.Builder
	for _, ev := range evs[:len(evs)-1] {
		text.WriteString(ev.Text)
	}
	last := evs[len(evs)-1]
	if text.String() != "Hello!" || last.Kind != EventDone || last.FinishReason != FinishStop {
		t.Fatalf("unexpected stream %q / %+v", text.String(), last)
	}
	if r := s.Result(); r.Kind != EventDone {
		t.Fatalf("Result() = %+v", r)
	}
	waitFor(t, "generation_done event", func() bool {
		names := pub.Names()
		return names[len(names)-1] == EventGenerationDone
	})
}

func TestStopAfterThirdToken(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, _ := newTestManager(t, e)
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	ctx := testCtx(t)
	e.release(3)
	for i := 1; i <= 3; i++ {
		ev, err := s.Recv(ctx)
		if err != nil || ev.Kind != EventToken || ev.Index != i {
			t.Fatalf("token %d: %+v %v", i, ev, err)
		}
	}
	// Let two more tokens reach the stream buffer before stopping.
	e.release(2)
	waitFor(t, "tokens 4 and 5", func() bool { return e.emitted.Load() >= 5 })

	if err := m.StopGeneration(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.State() != StateReady || m.IsGenerating() {
		t.Fatalf("expected ready after stop, got %s", m.State())
	}
	rest := collect(t, s)
	if len(rest) != 1 || !rest[0].Cancelled() {
		t.Fatalf("expected exactly one cancelled terminal event, got %+v", summarize(rest))
	}
	if !IsGenerationError(rest[0].Err) {
		t.Fatalf("terminal error should be a GenerationError: %v", rest[0].Err)
	}
	if e.open() != 1 {
		t.Fatalf("model should stay loaded")
	}

	// The context stays usable.
	e.infinite, e.gate, e.tokens = false, nil, []string{"ok"}
	s2, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "again"})
	if err != nil {
		t.Fatalf("second stream: %v", err)
	}
	if evs := collect(t, s2); len(evs) != 2 || evs[1].Kind != EventDone {
		t.Fatalf("second stream: %+v", summarize(evs))
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{})
	if err := m.StopGeneration(); err != nil {
		t.Fatalf("stop idle: %v", err)
	}
	mustLoad(t, m, testModelConfig())
	if err := m.StopGeneration(); err != nil || m.State() != StateReady {
		t.Fatalf("stop ready: %v %s", err, m.State())
	}
}

func TestStreamStopDiscardsBufferedTokens(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, _ := newTestManager(t, e)
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	e.release(4)
	waitFor(t, "buffered tokens", func() bool { return e.emitted.Load() >= 4 })
	s.Stop()
	evs := collect(t, s)
	if len(evs) != 1 || !evs[0].Cancelled() {
		t.Fatalf("expected only the terminal event, got %+v", summarize(evs))
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })
}

func TestSupersededGenerationNeverLeaksTokens(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, pub := newTestManager(t, e)
	mustLoad(t, m, testModelConfig())

	s1, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "first"})
	if err != nil {
		t.Fatalf("stream 1: %v", err)
	}
	e.release(1)
	ctx := testCtx(t)
	if ev, err := s1.Recv(ctx); err != nil || ev.Kind != EventToken {
		t.Fatalf("first token: %+v %v", ev, err)
	}

	s2, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "second", MaxTokens: 2})
	if err != nil {
		t.Fatalf("stream 2: %v", err)
	}
	if s2.ID() <= s1.ID() {
		t.Fatalf("ids not increasing: %d then %d", s1.ID(), s2.ID())
	}
	evs1 := collect(t, s1)
	if len(evs1) != 1 || !evs1[0].Cancelled() || evs1[0].GenerationID != s1.ID() {
		t.Fatalf("superseded stream: %+v", summarize(evs1))
	}
	e.release(2)
	evs2 := collect(t, s2)
	for _, ev := range evs2 {
		if ev.GenerationID != s2.ID() {
			t.Fatalf("foreign event on stream 2: %+v", ev)
		}
	}
	if last := evs2[len(evs2)-1]; last.Kind != EventDone {
		t.Fatalf("stream 2 terminal: %+v", last)
	}
	if e.overlap.Load() {
		t.Fatalf("superseded worker overlapped its successor")
	}
	waitFor(t, "generation events", func() bool {
		var finished int
		for _, ev := range pub.Events() {
			if ev.Name == EventGenerationCancelled || ev.Name == EventGenerationDone {
				finished++
			}
		}
		return finished == 2
	})
	for _, ev := range pub.Events() {
		if ev.Name == EventGenerationCancelled && ev.GenerationID != s1.ID() {
			t.Fatalf("cancelled event for %d", ev.GenerationID)
		}
	}
}

func TestBusyRejectPolicy(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, _ := newTestManager(t, e, func(c *ManagerConfig) { c.BusyPolicy = BusyReject })
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "first"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "second"}); !IsStateError(err) {
		t.Fatalf("expected StateError under reject policy, got %v", err)
	}
	if err := m.StopGeneration(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if evs := collect(t, s); len(evs) != 1 || !evs[0].Cancelled() {
		t.Fatalf("unexpected events %+v", summarize(evs))
	}
}

func TestUnloadWhileGenerating(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, pub := newTestManager(t, e)
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	e.release(2)
	waitFor(t, "tokens", func() bool { return e.emitted.Load() >= 2 })

	if err := m.UnloadModel(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if m.State() != StateIdle || e.open() != 0 {
		t.Fatalf("expected idle and closed handle, state=%s open=%d", m.State(), e.open())
	}
	if e.overlap.Load() {
		t.Fatalf("handle closed while a generation was running")
	}
	var terminals int
	for _, ev := range collect(t, s) {
		if ev.Terminal() {
			terminals++
			if !ev.Cancelled() {
				t.Fatalf("expected cancellation, got %+v", ev)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("expected one terminal event, got %d", terminals)
	}
	waitFor(t, "unload_done event", func() bool {
		for _, n := range pub.Names() {
			if n == EventUnloadDone {
				return true
			}
		}
		return false
	})
}

func TestUnloadIdleIsNoop(t *testing.T) {
	m, pub := newTestManager(t, &fakeEngine{})
	if err := m.UnloadModel(); err != nil {
		t.Fatalf("unload idle: %v", err)
	}
	if len(pub.Events()) != 0 {
		t.Fatalf("unexpected events %v", pub.Names())
	}
}

func TestUnloadCancelsPendingLoad(t *testing.T) {
	e := &fakeEngine{loadBlock: make(chan struct{})}
	m, _ := newTestManager(t, e)
	done := make(chan error, 1)
	if err := m.LoadModelAsync(context.Background(), testModelConfig(), func(err error) { done <- err }); err != nil {
		t.Fatalf("async load: %v", err)
	}
	waitFor(t, "loading state", func() bool { return m.State() == StateLoading })
	if err := m.UnloadModel(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := <-done; !IsLoadError(err) {
		t.Fatalf("expected cancelled load error, got %v", err)
	}
	if m.State() != StateIdle || e.open() != 0 {
		t.Fatalf("expected idle, state=%s open=%d", m.State(), e.open())
	}
}

func TestLoadWhileGeneratingUnloadsFirst(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, _ := newTestManager(t, e)
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	mustLoad(t, m, testModelConfig())
	if evs := collect(t, s); len(evs) != 1 || !evs[0].Cancelled() {
		t.Fatalf("expected cancelled stream, got %+v", summarize(evs))
	}
	if e.loads.Load() != 2 || e.closes.Load() != 1 || m.State() != StateReady {
		t.Fatalf("loads=%d closes=%d state=%s", e.loads.Load(), e.closes.Load(), m.State())
	}
}

func TestGenerationErrorKeepsModel(t *testing.T) {
	e := &fakeEngine{genErr: errors.New("context overflow")}
	m, pub := newTestManager(t, e)
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	evs := collect(t, s)
	if len(evs) != 1 || evs[0].Kind != EventError || evs[0].Cancelled() {
		t.Fatalf("expected one error event, got %+v", summarize(evs))
	}
	var ge *GenerationError
	if !errors.As(evs[0].Err, &ge) || ge.ID != s.ID() || !strings.Contains(ge.Error(), "context overflow") {
		t.Fatalf("unexpected error %v", evs[0].Err)
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })
	if !m.IsModelLoaded() || m.Snapshot().Err == "" {
		t.Fatalf("model should stay loaded with last error recorded")
	}
	waitFor(t, "generation_error event", func() bool {
		names := pub.Names()
		return names[len(names)-1] == EventGenerationError
	})
}

func TestGeneratePanicBecomesError(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{genPanic: true})
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	evs := collect(t, s)
	if len(evs) != 1 || evs[0].Kind != EventError || !strings.Contains(evs[0].Err.Error(), "panic") {
		t.Fatalf("unexpected events %+v", summarize(evs))
	}
}

func TestCallerSuppliedIDs(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{tokens: []string{"x"}})
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{ID: 7, Prompt: "a"})
	if err != nil || s.ID() != 7 {
		t.Fatalf("stream 7: %v", err)
	}
	collect(t, s)
	waitFor(t, "ready", func() bool { return m.State() == StateReady })
	if _, err := m.StreamResponse(testCtx(t), GenerationRequest{ID: 7, Prompt: "b"}); !IsStateError(err) {
		t.Fatalf("expected StateError for reused id, got %v", err)
	}
	if _, err := m.StreamResponse(testCtx(t), GenerationRequest{ID: 3, Prompt: "b"}); !IsStateError(err) {
		t.Fatalf("expected StateError for stale id, got %v", err)
	}
	s, err = m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "c"})
	if err != nil || s.ID() != 8 {
		t.Fatalf("expected assigned id 8, got %v %v", s, err)
	}
	collect(t, s)
}

func TestSystemPromptPrecedence(t *testing.T) {
	e := &fakeEngine{tokens: []string{"x"}}
	m, _ := newTestManager(t, e)
	cfg := testModelConfig()
	sys := "from config"
	cfg.SystemPrompt = &sys
	mustLoad(t, m, cfg)

	run := func(req GenerationRequest) string {
		t.Helper()
		waitFor(t, "ready", func() bool { return m.State() == StateReady })
		s, err := m.StreamResponse(testCtx(t), req)
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		collect(t, s)
		return e.lastPrompt()
	}

	if p := run(GenerationRequest{Prompt: "q"}); !strings.Contains(p, "from config") {
		t.Fatalf("config system prompt missing: %q", p)
	}
	override := "from request"
	if p := run(GenerationRequest{Prompt: "q", SystemPrompt: &override}); !strings.Contains(p, "from request") || strings.Contains(p, "from config") {
		t.Fatalf("override not applied: %q", p)
	}
	empty := ""
	if p := run(GenerationRequest{Prompt: "q", SystemPrompt: &empty}); strings.Contains(p, "system") {
		t.Fatalf("empty override should drop the system turn: %q", p)
	}
	hist := []types.Turn{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}}
	if p := run(GenerationRequest{Prompt: "q", History: hist}); !strings.Contains(p, "earlier") || !strings.Contains(p, "reply") {
		t.Fatalf("history missing: %q", p)
	}
}

func TestInvalidPromptRejected(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{})
	mustLoad(t, m, testModelConfig())
	if _, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "  "}); !IsInvalidRequest(err) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	bad := []types.Turn{{Role: "robot", Content: "x"}}
	if _, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "q", History: bad}); !IsInvalidRequest(err) {
		t.Fatalf("expected invalid request for unknown role, got %v", err)
	}
	if m.State() != StateReady || m.Snapshot().LastGeneration != 0 {
		t.Fatalf("rejected requests changed state: %+v", m.Snapshot())
	}
}

func TestCallerContextCancelCancelsGeneration(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, _ := newTestManager(t, e)
	mustLoad(t, m, testModelConfig())
	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.StreamResponse(ctx, GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit after caller cancel")
	}
	if r := s.Result(); !r.Cancelled() {
		t.Fatalf("expected cancelled result, got %+v", r)
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })
}

func TestTokenTimeoutAbortsStall(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, _ := newTestManager(t, e, func(c *ManagerConfig) { c.TokenTimeout = 50 * time.Millisecond })
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	evs := collect(t, s)
	last := evs[len(evs)-1]
	if last.Kind != EventError || last.Cancelled() || !errors.Is(last.Err, ErrTokenTimeout) {
		t.Fatalf("expected token timeout error, got %+v (%v)", last, last.Err)
	}
}

func TestTokenTimeoutIgnoresSlowConsumer(t *testing.T) {
	e := &fakeEngine{tokens: []string{"a", "b", "c", "d", "e", "f"}}
	m, _ := newTestManager(t, e, func(c *ManagerConfig) {
		c.TokenTimeout = 50 * time.Millisecond
		c.EventBuffer = 1
	})
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var got []string
	for {
		time.Sleep(120 * time.Millisecond)
		ev, err := s.Recv(testCtx(t))
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if ev.Kind == EventToken {
			got = append(got, ev.Text)
			continue
		}
		if ev.Kind != EventDone {
			t.Fatalf("expected done, got %+v (%v)", ev, ev.Err)
		}
		break
	}
	if diff := cmp.Diff(e.tokens, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestStopTimeoutReturnsCancellationError(t *testing.T) {
	e := &fakeEngine{hold: make(chan struct{})}
	m, _ := newTestManager(t, e, func(c *ManagerConfig) { c.StopTimeout = 50 * time.Millisecond })
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	waitFor(t, "generate call", func() bool { return e.calls.Load() == 1 })
	err = m.StopGeneration()
	if !IsCancellationError(err) {
		t.Fatalf("expected CancellationError, got %v", err)
	}
	if m.State() != StateCancelling {
		t.Fatalf("expected cancelling while the worker is stuck, got %s", m.State())
	}
	close(e.hold)
	evs := collect(t, s)
	if len(evs) != 1 || !evs[0].Cancelled() {
		t.Fatalf("expected one cancelled terminal, got %+v", summarize(evs))
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })
}

func TestStreamResponseAsyncCallbacks(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{tokens: []string{"a", "b", "c"}})
	mustLoad(t, m, testModelConfig())
	var got []string
	done := make(chan struct{})
	id, err := m.StreamResponseAsync(context.Background(), GenerationRequest{Prompt: "Hello"}, Callbacks{
		OnToken: func(text string, id GenerationID) { got = append(got, fmt.Sprintf("%d:%s", id, text)) },
		OnDone: func(id GenerationID, reason FinishReason) {
			got = append(got, fmt.Sprintf("%d:done:%s", id, reason))
			close(done)
		},
		OnError: func(msg string, id GenerationID) { t.Errorf("unexpected error %s", msg) },
	})
	if err != nil {
		t.Fatalf("async: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no done callback")
	}
	want := []string{
		fmt.Sprintf("%d:a", id), fmt.Sprintf("%d:b", id), fmt.Sprintf("%d:c", id),
		fmt.Sprintf("%d:done:stop", id),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("callbacks mismatch (-want +got):\n%s", diff)
	}
}

func TestForwardStopsOnContextEnd(t *testing.T) {
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, _ := newTestManager(t, e)
	mustLoad(t, m, testModelConfig())
	s, err := m.StreamResponse(context.Background(), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var errs int
	final := s.Forward(ctx, Callbacks{OnError: func(string, GenerationID) { errs++ }})
	if !final.Cancelled() || errs != 1 {
		t.Fatalf("expected one cancelled error callback, got %d / %+v", errs, final)
	}
}

func TestStatusAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.gguf", 2)
	e := &fakeEngine{infinite: true, gate: make(chan struct{}, 256)}
	m, _ := newTestManager(t, e)
	cfg := testModelConfig()
	cfg.Path = p
	mustLoad(t, m, cfg)
	s, err := m.StreamResponse(testCtx(t), GenerationRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	st := m.Status()
	if st.State != string(StateGenerating) || st.Engine != "fake" || st.ModelPath != p || st.CurrentGeneration != uint64(s.ID()) {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.EstMemoryMB < 2 || st.LoadsTotal != 1 || st.GenerationsTotal != 1 || st.BusyPolicy != "cancel" {
		t.Fatalf("unexpected counters %+v", st)
	}
	snap := m.Snapshot()
	if snap.CurrentModel == nil || snap.CurrentModel.Path != p || snap.CurrentGeneration != s.ID() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	snap.CurrentModel.Path = "mutated"
	if m.Snapshot().CurrentModel.Path != p {
		t.Fatalf("snapshot shares state with manager")
	}
	_ = m.StopGeneration()
	if st := m.Status(); st.CurrentGeneration != 0 || st.LastGeneration != uint64(s.ID()) {
		t.Fatalf("unexpected status after stop %+v", st)
	}
}

func TestCloseUnloads(t *testing.T) {
	e := &fakeEngine{}
	m := NewWithConfig(ManagerConfig{Engine: e})
	mustLoad(t, m, testModelConfig())
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e.open() != 0 || m.State() != StateIdle {
		t.Fatalf("close left model loaded")
	}
}
