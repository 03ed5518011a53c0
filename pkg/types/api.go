package types

// LoadRequest is the payload of POST /load. Zero values fall back to the
// daemon's configured model defaults.
type LoadRequest struct {
	// Registry identifier of the model (see GET /models). Either Model or ModelPath is required.
	// example: gemma-2-2b-it-q4_k_m.gguf
	Model string `json:"model,omitempty" example:"gemma-2-2b-it-q4_k_m.gguf"`
	// Path to a GGUF file. Takes precedence over Model.
	// example: /home/user/models/gemma-2-2b-it-q4_k_m.gguf
	ModelPath string `json:"model_path,omitempty" example:"/home/user/models/gemma-2-2b-it-q4_k_m.gguf"`
	// Context window in tokens.
	// example: 2048
	ContextLength int `json:"context_length,omitempty" example:"2048"`
	// Layers to offload to the GPU (-1 = all).
	// example: -1
	GPULayers *int `json:"gpu_layers,omitempty" example:"-1"`
	// CPU threads (0 = auto).
	// example: 4
	Threads int `json:"threads,omitempty" example:"4"`
	// Prompt evaluation batch size.
	// example: 512
	BatchSize int `json:"batch_size,omitempty" example:"512"`
	// Sampling temperature.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Top-K sampling.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Repeat penalty.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Maximum new tokens per generation.
	// example: 2048
	MaxTokens int `json:"max_tokens,omitempty" example:"2048"`
	// Default system prompt for generations on this model.
	// example: You are a helpful assistant.
	SystemPrompt *string `json:"system_prompt,omitempty" example:"You are a helpful assistant."`
	// Chat template name: chatml, llama3, gemma or plain.
	// example: gemma
	ChatTemplate string `json:"chat_template,omitempty" example:"gemma"`
	// Verbose engine logging.
	// example: false
	Verbose bool `json:"verbose,omitempty" example:"false"`
}

// LoadResponse is returned by a successful POST /load.
type LoadResponse struct {
	// example: true
	Success bool `json:"success" example:"true"`
	// Identifier of this load; changes on every successful load.
	// example: 8f14e45f-ceea-467a-9a36-dedd4bea2543
	LoadID string `json:"load_id,omitempty" example:"8f14e45f-ceea-467a-9a36-dedd4bea2543"`
	// True when the load continues in the background (?async=1).
	// example: false
	Pending bool `json:"pending,omitempty" example:"false"`
}

// StreamRequest is the payload of POST /stream and POST /generations.
type StreamRequest struct {
	// User input text.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Optional system prompt override. An explicit empty string disables the system prompt.
	// example: You are a poet.
	SystemPrompt *string `json:"system_prompt,omitempty" example:"You are a poet."`
	// Prior conversation turns, oldest first.
	History []Turn `json:"history,omitempty"`
	// Optional caller-chosen generation id; must be greater than any id already issued.
	// example: 7
	GenerationID uint64 `json:"generation_id,omitempty" example:"7"`
	// Per-generation cap on new tokens (0 = model default).
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
}

// GenerationResponse is returned by POST /generations.
type GenerationResponse struct {
	// example: true
	Success bool `json:"success" example:"true"`
	// example: 7
	GenerationID uint64 `json:"generation_id" example:"7"`
}

// StreamEvent is one NDJSON line of /stream or /events.
type StreamEvent struct {
	// token, done, error or load.
	// example: token
	Type string `json:"type" example:"token"`
	// Generated text for token events.
	// example: Hello
	Token string `json:"token,omitempty" example:"Hello"`
	// 1-based position of the token within its generation.
	// example: 1
	Index int `json:"index,omitempty" example:"1"`
	// example: 7
	GenerationID uint64 `json:"generation_id,omitempty" example:"7"`
	// Finish reason for done events: stop or length.
	// example: stop
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// Error message for error and failed load events.
	Message string `json:"message,omitempty"`
	// Set on error events caused by stop, unload or supersession.
	Cancelled bool `json:"cancelled,omitempty"`
	// Load outcome for load events.
	Success *bool `json:"success,omitempty"`
	// Load id for successful load events.
	LoadID string `json:"load_id,omitempty"`
}

// SuccessResponse is the body of simple command endpoints.
type SuccessResponse struct {
	// example: true
	Success bool `json:"success" example:"true"`
}

// AvailableResponse is returned by GET /available.
type AvailableResponse struct {
	// example: true
	Available bool `json:"available" example:"true"`
	// Engine backing the session.
	// example: llama
	Engine string `json:"engine" example:"llama"`
	// Reason the engine is unavailable, if any.
	Error string `json:"error,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Session state: idle, loading, ready, generating or cancelling.
	// example: ready
	State string `json:"state" example:"ready"`
	// Engine backing the session.
	// example: llama
	Engine string `json:"engine" example:"llama"`
	// Path of the loaded model, if any.
	// example: /home/user/models/gemma-2-2b-it-q4_k_m.gguf
	ModelPath string `json:"model_path,omitempty" example:"/home/user/models/gemma-2-2b-it-q4_k_m.gguf"`
	// Identifier of the current load.
	LoadID string `json:"load_id,omitempty"`
	// Context window of the loaded model.
	// example: 2048
	ContextLength int `json:"context_length,omitempty" example:"2048"`
	// Estimated memory held by the loaded model in MB.
	// example: 1630
	EstMemoryMB int `json:"est_memory_mb,omitempty" example:"1630"`
	// Generation currently in flight (0 = none).
	// example: 7
	CurrentGeneration uint64 `json:"current_generation,omitempty" example:"7"`
	// Last issued generation id.
	// example: 7
	LastGeneration uint64 `json:"last_generation" example:"7"`
	// Policy applied when a generation is requested while one is running.
	// example: cancel
	BusyPolicy string `json:"busy_policy" example:"cancel"`
	// Policy applied when a reset is requested while generating.
	// example: cancel
	ResetPolicy string `json:"reset_policy" example:"cancel"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Seconds since the loaded model became ready.
	// example: 120
	LoadedForSeconds int64 `json:"loaded_for_seconds,omitempty" example:"120"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total successful model loads.
	// example: 3
	LoadsTotal uint64 `json:"loads_total" example:"3"`
	// Total generations started.
	// example: 12
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
}
