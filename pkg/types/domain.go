package types

// Model represents a discoverable or loadable LLM model on disk.
type Model struct {
	// Stable identifier for the model.
	// example: gemma-2-2b-it-q4_k_m.gguf
	ID string `json:"id" example:"gemma-2-2b-it-q4_k_m.gguf"`
	// Human-friendly name.
	// example: gemma-2-2b-it-q4_k_m
	Name string `json:"name" example:"gemma-2-2b-it-q4_k_m"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/gemma-2-2b-it-q4_k_m.gguf
	Path string `json:"path" example:"/home/user/models/gemma-2-2b-it-q4_k_m.gguf"`
	// Size of the model file in bytes.
	// example: 1708582752
	SizeBytes int64 `json:"size_bytes,omitempty" example:"1708582752"`
}

// Turn is one prior message of a conversation.
type Turn struct {
	// Role of the speaker: system, user or assistant.
	// example: user
	Role string `json:"role" example:"user"`
	// Message text.
	// example: What is the capital of France?
	Content string `json:"content" example:"What is the capital of France?"`
}
