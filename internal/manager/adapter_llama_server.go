package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// llamaServerEngine talks to an already running llama.cpp server over its
// OpenAI-compatible HTTP API.
type llamaServerEngine struct {
	baseURL        string
	apiKey         string
	reqTimeout     time.Duration
	connectTimeout time.Duration
	httpClient     *http.Client
	log            zerolog.Logger
}

// NewLlamaServerEngine constructs a server-backed engine.
func NewLlamaServerEngine(baseURL, apiKey string, reqTimeout, connectTimeout time.Duration) Engine {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout=0: every request carries a context deadline instead.
	cli := &http.Client{Transport: tr, Timeout: 0}
	return &llamaServerEngine{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		reqTimeout:     reqTimeout,
		connectTimeout: connectTimeout,
		httpClient:     cli,
		log:            zerolog.Nop(),
	}
}

func (a *llamaServerEngine) Name() string { return "server" }

func (a *llamaServerEngine) setLogger(l zerolog.Logger) { a.log = l }

// Check verifies the server answers /v1/models.
func (a *llamaServerEngine) Check(ctx context.Context) error {
	return checkHealth(ctx, a.httpClient, a.baseURL, a.apiKey)
}

// Load confirms the server is reachable. The model path is forwarded as the
// model field of each request; the server owns the weights.
func (a *llamaServerEngine) Load(ctx context.Context, cfg ModelConfig) (Handle, error) {
	cctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()
	if err := checkHealth(cctx, a.httpClient, a.baseURL, a.apiKey); err != nil {
		return nil, fmt.Errorf("llama server unreachable: %w", err)
	}
	return &llamaServerHandle{
		client:     completionClient{http: a.httpClient, baseURL: a.baseURL, apiKey: a.apiKey, log: a.log},
		modelID:    strings.TrimSpace(cfg.Path),
		reqTimeout: a.reqTimeout,
	}, nil
}

// llamaServerHandle is one logical session on a llama-server. Close is a no-op.
type llamaServerHandle struct {
	client     completionClient
	modelID    string
	reqTimeout time.Duration
	// noCache disables prompt caching for the next request when the server
	// could not erase its slot.
	noCache atomic.Bool
}

func (h *llamaServerHandle) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	// Apply request timeout via context, if configured
	if h.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.reqTimeout)
		defer cancel()
	}
	cache := !h.noCache.Swap(false)
	return h.client.stream(ctx, newCompletionRequest(h.modelID, prompt, params, cache), onToken)
}

func (h *llamaServerHandle) Reset(ctx context.Context) error {
	if err := h.client.eraseSlot(ctx, 0); err != nil {
		h.client.log.Debug().Err(err).Str("event", "slot_erase").Msg("slot erase unsupported; next request skips the prompt cache")
		h.noCache.Store(true)
	}
	return nil
}

func (h *llamaServerHandle) Close() error { return nil }

// completionClient streams /v1/completions from a llama.cpp server.
type completionClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	log     zerolog.Logger
}

// openAICompletionRequest represents the payload for /v1/completions.
type openAICompletionRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float32  `json:"temperature"`
	TopP        float32  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        int      `json:"seed,omitempty"`
	Stream      bool     `json:"stream"`
	// llama.cpp extensions; servers that do not know them ignore them.
	RepeatPenalty float32 `json:"repeat_penalty,omitempty"`
	CachePrompt   bool    `json:"cache_prompt"`
}

func newCompletionRequest(model, prompt string, p InferParams, cache bool) openAICompletionRequest {
	return openAICompletionRequest{
		Model:         model,
		Prompt:        prompt,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		Stop:          p.Stop,
		Seed:          p.Seed,
		Stream:        true,
		RepeatPenalty: p.RepeatPenalty,
		CachePrompt:   cache,
	}
}

// openAIStreamChoice is a minimal subset of an OpenAI streaming chunk. The
// completions endpoint fills Text; chat-style servers fill Delta.Content.
type openAIStreamChoice struct {
	Text  string `json:"text"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type openAIStreamResponse struct {
	Object  string               `json:"object"`
	Choices []openAIStreamChoice `json:"choices"`
}

func (c completionClient) stream(ctx context.Context, payload openAICompletionRequest, onToken func(string) error) (FinalResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return FinalResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return FinalResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Translate context timeouts/cancels
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FinalResult{}, fmt.Errorf("llama server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	// Stream parse. Servers emit Server-Sent Events with lines beginning with "data: ".
	r := bufio.NewReader(resp.Body)
	var final FinalResult
	var content strings.Builder
	for {
		line, err := r.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var msg openAIStreamResponse
			if e := json.Unmarshal([]byte(data), &msg); e == nil && len(msg.Choices) > 0 {
				ch := msg.Choices[0]
				frag := ch.Text
				if frag == "" {
					frag = ch.Delta.Content
				}
				if frag != "" {
					content.WriteString(frag)
					if cbErr := onToken(frag); cbErr != nil {
						final.Content = content.String()
						return final, cbErr
					}
				}
				if ch.FinishReason != "" {
					final.FinishReason = ch.FinishReason
				}
			} else {
				c.log.Debug().Str("event", "unknown_stream_line").Str("line", l).Msg("skipping stream line")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Respect context errors
			if ctx.Err() != nil {
				return final, ctx.Err()
			}
			return final, err
		}
	}
	final.Content = content.String()
	return final, nil
}

// eraseSlot clears the KV cache of a server slot.
func (c completionClient) eraseSlot(ctx context.Context, slot int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/slots/%d?action=erase", c.baseURL, slot), nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("erase slot %d: %s", slot, resp.Status)
	}
	return nil
}

// checkHealth reports whether baseURL responds OK to /v1/models.
func checkHealth(ctx context.Context, cli *http.Client, baseURL, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check: %s", resp.Status)
	}
	return nil
}
