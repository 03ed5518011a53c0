package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir  string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	LogLevel   string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat  string `json:"log_format" yaml:"log_format" toml:"log_format"`
	Engine     string `json:"engine" yaml:"engine" toml:"engine"`
	Autoload   bool   `json:"autoload" yaml:"autoload" toml:"autoload"`
	BusyPolicy string `json:"busy_policy" yaml:"busy_policy" toml:"busy_policy"`
	// ResetPolicy decides what a reset does while a generation is running.
	ResetPolicy string `json:"reset_policy" yaml:"reset_policy" toml:"reset_policy"`

	EventBuffer         int `json:"event_buffer" yaml:"event_buffer" toml:"event_buffer"`
	TokenTimeoutSeconds int `json:"token_timeout_seconds" yaml:"token_timeout_seconds" toml:"token_timeout_seconds"`
	StopTimeoutSeconds  int `json:"stop_timeout_seconds" yaml:"stop_timeout_seconds" toml:"stop_timeout_seconds"`

	// llama-server engines
	LlamaBin       string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost      string   `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	LlamaPortStart int      `json:"llama_port_start" yaml:"llama_port_start" toml:"llama_port_start"`
	LlamaPortEnd   int      `json:"llama_port_end" yaml:"llama_port_end" toml:"llama_port_end"`
	LlamaExtraArgs []string `json:"llama_extra_args" yaml:"llama_extra_args" toml:"llama_extra_args"`
	ServerURL      string   `json:"server_url" yaml:"server_url" toml:"server_url"`
	EchoDelayMS    int      `json:"echo_delay_ms" yaml:"echo_delay_ms" toml:"echo_delay_ms"`

	// HTTP
	MaxBodyBytes         int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	StreamTimeoutSeconds int64    `json:"stream_timeout_seconds" yaml:"stream_timeout_seconds" toml:"stream_timeout_seconds"`
	CORSEnabled          bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins   []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods   []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders   []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`

	Model Model `json:"model" yaml:"model" toml:"model"`
}

// Model holds the default load parameters. Pointer fields distinguish an
// explicit zero (e.g. CPU only, greedy sampling) from "unspecified".
type Model struct {
	Path          string   `json:"path" yaml:"path" toml:"path"`
	ContextLength int      `json:"context_length" yaml:"context_length" toml:"context_length"`
	GPULayers     *int     `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Threads       int      `json:"threads" yaml:"threads" toml:"threads"`
	BatchSize     int      `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Temperature   *float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK          int      `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP          float64  `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepeatPenalty float64  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt  *string  `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	ChatTemplate  string   `json:"chat_template" yaml:"chat_template" toml:"chat_template"`
	Stop          []string `json:"stop" yaml:"stop" toml:"stop"`
	Seed          int      `json:"seed" yaml:"seed" toml:"seed"`
	Verbose       bool     `json:"verbose" yaml:"verbose" toml:"verbose"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
