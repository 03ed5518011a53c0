package httpapi

import (
	"strings"

	"llamad/internal/manager"
	"llamad/pkg/types"
)

// loadConfig merges req over defaults. resolve maps a registry id to a path.
func loadConfig(req types.LoadRequest, defaults manager.ModelConfig, resolve func(id string) (string, bool)) (manager.ModelConfig, error) {
	cfg := defaults
	switch {
	case strings.TrimSpace(req.ModelPath) != "":
		cfg.Path = strings.TrimSpace(req.ModelPath)
	case strings.TrimSpace(req.Model) != "":
		p, ok := resolve(strings.TrimSpace(req.Model))
		if !ok {
			return cfg, &manager.LoadError{Path: req.Model, Cause: manager.LoadNotFound, Err: errUnknownModel}
		}
		cfg.Path = p
	}
	if cfg.Path == "" {
		return cfg, manager.ErrInvalidRequest("model or model_path is required")
	}
	if req.ContextLength > 0 {
		cfg.ContextLength = req.ContextLength
	}
	if req.GPULayers != nil {
		cfg.GPULayers = *req.GPULayers
	}
	if req.Threads > 0 {
		cfg.Threads = req.Threads
	}
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.TopK > 0 {
		cfg.TopK = req.TopK
	}
	if req.TopP > 0 {
		cfg.TopP = req.TopP
	}
	if req.RepeatPenalty > 0 {
		cfg.RepeatPenalty = req.RepeatPenalty
	}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = req.MaxTokens
	}
	if req.SystemPrompt != nil {
		s := *req.SystemPrompt
		cfg.SystemPrompt = &s
	}
	if req.ChatTemplate != "" {
		cfg.ChatTemplate = req.ChatTemplate
	}
	if req.Verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func generationRequest(req types.StreamRequest) manager.GenerationRequest {
	return manager.GenerationRequest{
		ID:           manager.GenerationID(req.GenerationID),
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		History:      req.History,
		MaxTokens:    req.MaxTokens,
	}
}

func streamEvent(ev manager.Event) types.StreamEvent {
	out := types.StreamEvent{Type: string(ev.Kind), GenerationID: uint64(ev.GenerationID)}
	switch ev.Kind {
	case manager.EventToken:
		out.Token, out.Index = ev.Text, ev.Index
	case manager.EventDone:
		out.FinishReason = string(ev.FinishReason)
	case manager.EventError:
		out.Message = ev.Err.Error()
		out.Cancelled = ev.Cancelled()
	}
	return out
}

func loadEvent(err error, loadID string) types.StreamEvent {
	ok := err == nil
	ev := types.StreamEvent{Type: "load", Success: &ok, LoadID: loadID}
	if err != nil {
		ev.Message = err.Error()
	}
	return ev
}
