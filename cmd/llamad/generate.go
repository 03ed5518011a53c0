package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"llamad/internal/manager"
)

var generateFlags struct {
	engine    string
	model     string
	system    string
	maxTokens int
}

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Load a model and stream one generation to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&generateFlags.engine, "engine", "", "Inference engine: llama, server, subprocess, echo")
	f.StringVar(&generateFlags.model, "model", "", "Model path (defaults to model.path from config)")
	f.StringVar(&generateFlags.system, "system", "", "System prompt override")
	f.IntVar(&generateFlags.maxTokens, "max-tokens", 0, "Token budget override")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("engine") {
		cfg.Engine = generateFlags.engine
	}
	if f.Changed("model") {
		cfg.Model.Path = generateFlags.model
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg, os.Stderr)
	mgr, err := newManager(cfg, log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.LoadModel(ctx, modelConfig(cfg.Model)); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	req := manager.GenerationRequest{
		Prompt:    strings.Join(args, " "),
		MaxTokens: generateFlags.maxTokens,
	}
	if f.Changed("system") {
		s := generateFlags.system
		req.SystemPrompt = &s
	}
	return generate(ctx, mgr, req, cmd.OutOrStdout())
}

// generate streams one generation into w. A cancelled ctx stops the
// generation and is not reported as an error.
func generate(ctx context.Context, mgr *manager.Manager, req manager.GenerationRequest, w io.Writer) error {
	st, err := mgr.StreamResponse(ctx, req)
	if err != nil {
		return err
	}
	final := st.Forward(ctx, manager.Callbacks{
		OnToken: func(text string, _ manager.GenerationID) { _, _ = io.WriteString(w, text) },
	})
	_, _ = io.WriteString(w, "\n")
	if final.Kind == manager.EventError {
		if final.Cancelled() && ctx.Err() != nil {
			return nil
		}
		return final.Err
	}
	return nil
}
