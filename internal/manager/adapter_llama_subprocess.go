package manager

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"llamad/internal/registry"
)

const (
	defaultSpawnReadyTimeout = 60 * time.Second
	spawnStopGrace           = 2 * time.Second
	stderrTailBytes          = 4096
)

// SubprocessConfig tunes the spawning engine.
type SubprocessConfig struct {
	// Bin is the llama-server executable; empty searches PATH.
	Bin       string
	Host      string
	PortStart int
	PortEnd   int
	ExtraArgs []string
	// ReadyTimeout bounds the wait for the spawned server to become healthy.
	ReadyTimeout time.Duration
}

// llamaSubprocessEngine spawns one llama-server per load and streams from it.
type llamaSubprocessEngine struct {
	cfg        SubprocessConfig
	httpClient *http.Client
	log        zerolog.Logger
	publisher  EventPublisher
}

// NewLlamaSubprocessEngine constructs a subprocess-backed engine.
func NewLlamaSubprocessEngine(cfg SubprocessConfig) Engine {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultSpawnReadyTimeout
	}
	// Timeout=0: all calls use context-based timeouts.
	cli := &http.Client{Timeout: 0}
	return &llamaSubprocessEngine{cfg: cfg, httpClient: cli, log: zerolog.Nop(), publisher: noopPublisher{}}
}

func (a *llamaSubprocessEngine) Name() string { return "subprocess" }

func (a *llamaSubprocessEngine) setLogger(l zerolog.Logger) { a.log = l }

// setPublisher installs an EventPublisher for emitting spawn events.
func (a *llamaSubprocessEngine) setPublisher(p EventPublisher) {
	if p == nil {
		a.publisher = noopPublisher{}
		return
	}
	a.publisher = p
}

func (a *llamaSubprocessEngine) bin() string {
	if a.cfg.Bin != "" {
		return a.cfg.Bin
	}
	return discoverLlamaBin()
}

// discoverLlamaBin looks for llama-server on PATH.
func discoverLlamaBin() string {
	p, err := exec.LookPath("llama-server")
	if err != nil {
		return ""
	}
	return p
}

// Check verifies the llama-server binary exists.
func (a *llamaSubprocessEngine) Check(context.Context) error {
	bin := a.bin()
	if bin == "" {
		return ErrDependencyUnavailable("llama-server not found")
	}
	fi, err := os.Stat(bin)
	if err != nil {
		return ErrDependencyUnavailable(err.Error())
	}
	if fi.IsDir() {
		return ErrDependencyUnavailable("llama path is a directory: " + bin)
	}
	return nil
}

func (a *llamaSubprocessEngine) spawnArgs(cfg ModelConfig, host string, port int) []string {
	gl := cfg.GPULayers
	if gl < 0 {
		// -1 means offload everything.
		gl = 999
	}
	args := []string{
		"-m", cfg.Path,
		"-c", strconv.Itoa(cfg.ContextLength),
		"-ngl", strconv.Itoa(gl),
		"-b", strconv.Itoa(cfg.BatchSize),
		"--host", host,
		"--port", strconv.Itoa(port),
	}
	if cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Threads))
	}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, a.cfg.ExtraArgs...)
}

// Load starts llama-server for cfg.Path and waits until it is healthy.
func (a *llamaSubprocessEngine) Load(ctx context.Context, cfg ModelConfig) (Handle, error) {
	if err := registry.CheckModelFile(cfg.Path); err != nil {
		return nil, err
	}
	bin := a.bin()
	if bin == "" {
		return nil, ErrDependencyUnavailable("llama-server not found")
	}
	host := a.cfg.Host
	// Choose port (respect configured range if set)
	var port int
	var err error
	if a.cfg.PortStart > 0 && a.cfg.PortEnd >= a.cfg.PortStart {
		port, err = pickPortInRange(host, a.cfg.PortStart, a.cfg.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	cmd := exec.Command(bin, a.spawnArgs(cfg, host, port)...)
	// Capture stderr for diagnostics (kept in-memory; tail is included on failure)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	p := &spawnedProc{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	pid := cmd.Process.Pid
	a.log.Info().Str("event", "spawn_start").Str("model", cfg.Path).Int("pid", pid).Str("host", host).Int("port", port).Msg("llama-server started")
	a.publisher.Publish(LifecycleEvent{Name: "spawn_start", Model: cfg.Path, Fields: map[string]any{"pid": pid, "host": host, "port": port}})

	if err := a.waitReady(ctx, p, baseURL); err != nil {
		p.stop()
		tail := strings.TrimSpace(stderr.String())
		a.log.Warn().Err(err).Str("event", "spawn_exit").Str("model", cfg.Path).Int("pid", pid).Msg("llama-server failed to become ready")
		a.publisher.Publish(LifecycleEvent{Name: "spawn_exit", Model: cfg.Path, Fields: map[string]any{"pid": pid, "error": err.Error()}})
		if tail != "" {
			return nil, fmt.Errorf("%w; stderr tail: %s", err, tail)
		}
		return nil, err
	}
	a.log.Info().Str("event", "spawn_ready").Str("model", cfg.Path).Int("pid", pid).Str("url", baseURL).Msg("llama-server ready")
	a.publisher.Publish(LifecycleEvent{Name: "spawn_ready", Model: cfg.Path, Fields: map[string]any{"pid": pid, "url": baseURL}})

	return &llamaSubprocessHandle{
		llamaServerHandle: llamaServerHandle{
			client: completionClient{http: a.httpClient, baseURL: baseURL, log: a.log},
		},
		proc:      p,
		engine:    a,
		modelPath: cfg.Path,
	}, nil
}

// waitReady polls /v1/models until healthy, the process exits, ctx ends or
// the ready timeout passes.
func (a *llamaSubprocessEngine) waitReady(ctx context.Context, p *spawnedProc, baseURL string) error {
	deadline := time.NewTimer(a.cfg.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		hctx, cancel := context.WithTimeout(ctx, time.Second)
		err := checkHealth(hctx, a.httpClient, baseURL, "")
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-p.exited:
			if p.waitErr != nil {
				return fmt.Errorf("llama-server exited early: %v", p.waitErr)
			}
			return fmt.Errorf("llama-server exited before ready: %s", baseURL)
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("llama-server not ready in time: %s", baseURL)
		case <-tick.C:
		}
	}
}

type spawnedProc struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	once    sync.Once
}

// stop terminates the process: SIGTERM first, then kill after a grace period.
func (p *spawnedProc) stop() {
	p.once.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(spawnStopGrace):
			// force kill
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	})
}

// llamaSubprocessHandle streams through the spawned server and stops it on Close.
type llamaSubprocessHandle struct {
	llamaServerHandle
	proc      *spawnedProc
	engine    *llamaSubprocessEngine
	modelPath string
}

func (h *llamaSubprocessHandle) Close() error {
	h.proc.stop()
	h.engine.log.Info().Str("event", "spawn_stop").Str("model", h.modelPath).Int("pid", h.proc.cmd.Process.Pid).Msg("llama-server stopped")
	h.engine.publisher.Publish(LifecycleEvent{Name: "spawn_stop", Model: h.modelPath, Fields: map[string]any{}})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
