package httpapi

import (
	"sync"
	"time"

	"llamad/internal/manager"
)

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes configures the maximum request body size. Non-positive
// values restore the 1 MiB default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// streamTimeout bounds a /stream request. Zero means no limit beyond the
// server and connection timeouts.
var streamTimeout time.Duration

// SetStreamTimeoutSeconds sets the /stream timeout in seconds (0 disables).
func SetStreamTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	streamTimeout = time.Duration(sec) * time.Second
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

var (
	defaultsMu    sync.RWMutex
	modelDefaults = manager.DefaultModelConfig()
)

// SetModelDefaults sets the load parameters used for fields a /load request
// leaves unset.
func SetModelDefaults(cfg manager.ModelConfig) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	modelDefaults = cfg
}

func currentModelDefaults() manager.ModelConfig {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return modelDefaults
}
