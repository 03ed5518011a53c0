package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"llamad/internal/httpapi"
)

var serveFlags struct {
	addr        string
	modelsDir   string
	engine      string
	model       string
	autoload    bool
	busyPolicy  string
	resetPolicy string
	serverURL   string
	llamaBin    string
	corsOrigins string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", "", "HTTP listen address")
	f.StringVar(&serveFlags.modelsDir, "models-dir", "", "Directory scanned for *.gguf models")
	f.StringVar(&serveFlags.engine, "engine", "", "Inference engine: llama, server, subprocess, echo")
	f.StringVar(&serveFlags.model, "model", "", "Default model path")
	f.BoolVar(&serveFlags.autoload, "autoload", false, "Load the default model at startup")
	f.StringVar(&serveFlags.busyPolicy, "busy-policy", "", "What a new generation does while one runs: reject or cancel")
	f.StringVar(&serveFlags.resetPolicy, "reset-policy", "", "What a reset does while a generation runs: reject or cancel")
	f.StringVar(&serveFlags.serverURL, "server-url", "", "llama-server base URL for the server engine")
	f.StringVar(&serveFlags.llamaBin, "llama-bin", "", "llama-server binary for the subprocess engine")
	f.StringVar(&serveFlags.corsOrigins, "cors-origins", "", "Comma-separated CORS origins; enables CORS")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr = serveFlags.addr
	}
	if f.Changed("models-dir") {
		cfg.ModelsDir = serveFlags.modelsDir
	}
	if f.Changed("engine") {
		cfg.Engine = serveFlags.engine
	}
	if f.Changed("model") {
		cfg.Model.Path = serveFlags.model
	}
	if f.Changed("autoload") {
		cfg.Autoload = serveFlags.autoload
	}
	if f.Changed("busy-policy") {
		cfg.BusyPolicy = serveFlags.busyPolicy
	}
	if f.Changed("reset-policy") {
		cfg.ResetPolicy = serveFlags.resetPolicy
	}
	if f.Changed("server-url") {
		cfg.ServerURL = serveFlags.serverURL
	}
	if f.Changed("llama-bin") {
		cfg.LlamaBin = serveFlags.llamaBin
	}
	if f.Changed("cors-origins") {
		cfg.CORSEnabled = true
		cfg.CORSAllowedOrigins = splitCSV(serveFlags.corsOrigins)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg, os.Stderr)
	mgr, err := newManager(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn().Err(err).Msg("unload on shutdown")
		}
	}()

	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetStreamTimeoutSeconds(cfg.StreamTimeoutSeconds)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)
	httpapi.SetModelDefaults(modelConfig(cfg.Model))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpapi.SetBaseContext(ctx)

	if cfg.Autoload {
		mc := modelConfig(cfg.Model)
		err := mgr.LoadModelAsync(ctx, mc, func(err error) {
			if err != nil {
				log.Error().Err(err).Str("model", mc.Path).Msg("autoload failed")
				return
			}
			log.Info().Str("model", mc.Path).Msg("autoload complete")
		})
		if err != nil {
			log.Error().Err(err).Str("model", mc.Path).Msg("autoload rejected")
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(httpapi.NewBackend(mgr, cfg.ModelsDir)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("engine", cfg.Engine).Str("models_dir", cfg.ModelsDir).Msg("llamad listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
