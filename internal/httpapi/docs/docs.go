// Package docs registers the Swagger document of the llamad API with swag.
// Regenerate with `swag init -g cmd/llamad/docs.go -o internal/httpapi/docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "llamad maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/available": {
            "get": {
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Engine availability",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.AvailableResponse"}}
                }
            }
        },
        "/events": {
            "get": {
                "description": "NDJSON events of /generations and async loads until the client disconnects.",
                "produces": ["application/x-ndjson"],
                "tags": ["generation"],
                "summary": "Session event stream",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StreamEvent"}}
                }
            }
        },
        "/generations": {
            "post": {
                "description": "Starts a generation and answers with its id. Events are published on /events.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["generation"],
                "summary": "Start a generation",
                "parameters": [
                    {"description": "Generation request", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.StreamRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.GenerationResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/load": {
            "post": {
                "description": "Loads a model by registry id or path, replacing the current one. With async=1 the call answers 202 and the outcome is published on /events.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Load a model",
                "parameters": [
                    {"type": "string", "description": "1 to load in the background", "name": "async", "in": "query"},
                    {"description": "Load parameters", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.LoadRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.LoadResponse"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.LoadResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models": {
            "get": {
                "description": "GGUF files found in the models directory.",
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List models",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}
                }
            }
        },
        "/readyz": {
            "get": {
                "description": "200 when a model is loaded and accepting generations, 503 otherwise.",
                "produces": ["text/plain"],
                "tags": ["health"],
                "summary": "Readiness probe",
                "responses": {
                    "200": {"description": "ready", "schema": {"type": "string"}},
                    "503": {"description": "session state", "schema": {"type": "string"}}
                }
            }
        },
        "/reset": {
            "post": {
                "description": "Clears the KV state of the loaded model without unloading it.",
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Reset the conversation context",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SuccessResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Session status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        },
        "/stop": {
            "post": {
                "description": "Waits until the worker has exited. No-op when nothing is generating.",
                "produces": ["application/json"],
                "tags": ["generation"],
                "summary": "Stop the running generation",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SuccessResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/stream": {
            "post": {
                "description": "Streams NDJSON events (token, then exactly one done or error). Disconnecting stops the generation.",
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "tags": ["generation"],
                "summary": "Stream one generation",
                "parameters": [
                    {"description": "Generation request", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.StreamRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StreamEvent"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/unload": {
            "post": {
                "description": "Cancels any generation and releases the model. No-op when idle.",
                "produces": ["application/json"],
                "tags": ["session"],
                "summary": "Unload the model",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SuccessResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.AvailableResponse": {
            "type": "object",
            "properties": {
                "available": {"type": "boolean", "example": true},
                "engine": {"type": "string", "example": "llama"},
                "error": {"type": "string"}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "error": {"type": "string", "example": "invalid JSON body"}
            }
        },
        "types.GenerationResponse": {
            "type": "object",
            "properties": {
                "generation_id": {"type": "integer", "example": 7},
                "success": {"type": "boolean", "example": true}
            }
        },
        "types.LoadRequest": {
            "type": "object",
            "properties": {
                "batch_size": {"type": "integer", "example": 512},
                "chat_template": {"type": "string", "example": "gemma"},
                "context_length": {"type": "integer", "example": 2048},
                "gpu_layers": {"type": "integer", "example": -1},
                "max_tokens": {"type": "integer", "example": 2048},
                "model": {"type": "string", "example": "gemma-2-2b-it-q4_k_m.gguf"},
                "model_path": {"type": "string", "example": "/home/user/models/gemma-2-2b-it-q4_k_m.gguf"},
                "repeat_penalty": {"type": "number", "example": 1.1},
                "system_prompt": {"type": "string", "example": "You are a helpful assistant."},
                "temperature": {"type": "number", "example": 0.7},
                "threads": {"type": "integer", "example": 4},
                "top_k": {"type": "integer", "example": 40},
                "top_p": {"type": "number", "example": 0.9},
                "verbose": {"type": "boolean", "example": false}
            }
        },
        "types.LoadResponse": {
            "type": "object",
            "properties": {
                "load_id": {"type": "string", "example": "8f14e45f-ceea-467a-9a36-dedd4bea2543"},
                "pending": {"type": "boolean", "example": false},
                "success": {"type": "boolean", "example": true}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "example": "gemma-2-2b-it-q4_k_m.gguf"},
                "name": {"type": "string", "example": "gemma-2-2b-it-q4_k_m"},
                "path": {"type": "string", "example": "/home/user/models/gemma-2-2b-it-q4_k_m.gguf"},
                "size_bytes": {"type": "integer", "example": 1708582752}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "busy_policy": {"type": "string", "example": "cancel"},
                "context_length": {"type": "integer", "example": 2048},
                "current_generation": {"type": "integer", "example": 7},
                "engine": {"type": "string", "example": "llama"},
                "est_memory_mb": {"type": "integer", "example": 1630},
                "generations_total": {"type": "integer", "example": 12},
                "last_error": {"type": "string"},
                "last_generation": {"type": "integer", "example": 7},
                "load_id": {"type": "string"},
                "loaded_for_seconds": {"type": "integer", "example": 120},
                "loads_total": {"type": "integer", "example": 3},
                "model_path": {"type": "string", "example": "/home/user/models/gemma-2-2b-it-q4_k_m.gguf"},
                "reset_policy": {"type": "string", "example": "cancel"},
                "server_time_unix": {"type": "integer", "example": 1700000000},
                "state": {"type": "string", "example": "ready"},
                "uptime_seconds": {"type": "integer", "example": 3600}
            }
        },
        "types.StreamEvent": {
            "type": "object",
            "properties": {
                "cancelled": {"type": "boolean"},
                "finish_reason": {"type": "string", "example": "stop"},
                "generation_id": {"type": "integer", "example": 7},
                "index": {"type": "integer", "example": 1},
                "load_id": {"type": "string"},
                "message": {"type": "string"},
                "success": {"type": "boolean"},
                "token": {"type": "string", "example": "Hello"},
                "type": {"type": "string", "example": "token"}
            }
        },
        "types.StreamRequest": {
            "type": "object",
            "properties": {
                "generation_id": {"type": "integer", "example": 7},
                "history": {"type": "array", "items": {"$ref": "#/definitions/types.Turn"}},
                "max_tokens": {"type": "integer", "example": 128},
                "prompt": {"type": "string", "example": "Write a haiku about the ocean."},
                "system_prompt": {"type": "string", "example": "You are a poet."}
            }
        },
        "types.SuccessResponse": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean", "example": true}
            }
        },
        "types.Turn": {
            "type": "object",
            "properties": {
                "content": {"type": "string", "example": "What is the capital of France?"},
                "role": {"type": "string", "example": "user"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "llamad API",
	Description:      "HTTP API for a single-model local LLM generation session.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
