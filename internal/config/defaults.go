package config

import (
	"fmt"
	"strings"
)

const (
	DefaultAddr        = ":8080"
	DefaultModelsDir   = "~/models/llm"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultEngine      = "llama"
	DefaultBusyPolicy  = "cancel"
	DefaultResetPolicy = "cancel"
	DefaultLlamaHost   = "127.0.0.1"
)

// Engines lists the accepted values of Config.Engine.
var Engines = []string{"llama", "server", "subprocess", "echo"}

// WithDefaults returns a copy of c with unspecified top-level fields filled in.
// Model defaults are owned by the manager and applied at load time.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Engine == "" {
		c.Engine = DefaultEngine
	}
	if c.BusyPolicy == "" {
		c.BusyPolicy = DefaultBusyPolicy
	}
	if c.ResetPolicy == "" {
		c.ResetPolicy = DefaultResetPolicy
	}
	if c.LlamaHost == "" {
		c.LlamaHost = DefaultLlamaHost
	}
	return c
}

// Validate reports enum and range errors. Call after WithDefaults.
func (c Config) Validate() error {
	if !contains(Engines, c.Engine) {
		return fmt.Errorf("unknown engine %q (want one of %s)", c.Engine, strings.Join(Engines, ", "))
	}
	for name, v := range map[string]string{"busy_policy": c.BusyPolicy, "reset_policy": c.ResetPolicy} {
		if v != "reject" && v != "cancel" {
			return fmt.Errorf("invalid %s %q (want reject or cancel)", name, v)
		}
	}
	if c.Engine == "server" && strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("engine server requires server_url")
	}
	if c.LlamaPortStart > 0 && c.LlamaPortEnd < c.LlamaPortStart {
		return fmt.Errorf("llama_port_end %d is below llama_port_start %d", c.LlamaPortEnd, c.LlamaPortStart)
	}
	if c.Autoload && strings.TrimSpace(c.Model.Path) == "" {
		return fmt.Errorf("autoload requires model.path")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log_format %q (want json or console)", c.LogFormat)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Defaults returns a Config with every top-level default applied.
func Defaults() Config { return Config{}.WithDefaults() }
