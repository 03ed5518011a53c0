package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"llamad/internal/config"
	"llamad/internal/manager"
)

func newEngine(cfg config.Config) (manager.Engine, error) {
	switch cfg.Engine {
	case "llama":
		return manager.NewLlamaEngine(), nil
	case "server":
		return manager.NewLlamaServerEngine(cfg.ServerURL, "", 0, 5*time.Second), nil
	case "subprocess":
		return manager.NewLlamaSubprocessEngine(manager.SubprocessConfig{
			Bin:       cfg.LlamaBin,
			Host:      cfg.LlamaHost,
			PortStart: cfg.LlamaPortStart,
			PortEnd:   cfg.LlamaPortEnd,
			ExtraArgs: cfg.LlamaExtraArgs,
		}), nil
	case "echo":
		return manager.NewEchoEngine(time.Duration(cfg.EchoDelayMS) * time.Millisecond), nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
}

// newManager builds the session manager described by cfg.
func newManager(cfg config.Config, log zerolog.Logger) (*manager.Manager, error) {
	engine, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	busy, err := manager.ParseBusyPolicy(cfg.BusyPolicy)
	if err != nil {
		return nil, err
	}
	reset, err := manager.ParseResetPolicy(cfg.ResetPolicy)
	if err != nil {
		return nil, err
	}
	return manager.NewWithConfig(manager.ManagerConfig{
		Engine:       engine,
		BusyPolicy:   busy,
		ResetPolicy:  reset,
		EventBuffer:  cfg.EventBuffer,
		TokenTimeout: time.Duration(cfg.TokenTimeoutSeconds) * time.Second,
		StopTimeout:  time.Duration(cfg.StopTimeoutSeconds) * time.Second,
		Logger:       &log,
	}), nil
}

// modelConfig overlays the configured model settings on the stock defaults.
func modelConfig(m config.Model) manager.ModelConfig {
	c := manager.DefaultModelConfig()
	c.Path = m.Path
	if m.ContextLength > 0 {
		c.ContextLength = m.ContextLength
	}
	if m.GPULayers != nil {
		c.GPULayers = *m.GPULayers
	}
	if m.Threads > 0 {
		c.Threads = m.Threads
	}
	if m.BatchSize > 0 {
		c.BatchSize = m.BatchSize
	}
	if m.Temperature != nil {
		c.Temperature = *m.Temperature
	}
	if m.TopK > 0 {
		c.TopK = m.TopK
	}
	if m.TopP > 0 {
		c.TopP = m.TopP
	}
	if m.RepeatPenalty > 0 {
		c.RepeatPenalty = m.RepeatPenalty
	}
	if m.MaxTokens > 0 {
		c.MaxTokens = m.MaxTokens
	}
	if m.SystemPrompt != nil {
		s := *m.SystemPrompt
		c.SystemPrompt = &s
	}
	if m.ChatTemplate != "" {
		c.ChatTemplate = m.ChatTemplate
	}
	c.Stop = append([]string(nil), m.Stop...)
	c.Seed = m.Seed
	c.Verbose = m.Verbose
	return c
}
