// Package manager owns a single loaded model and runs cancellation-safe
// streaming generations over it. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: ModelConfig, ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: State, Snapshot and generation identifiers.
//   - errors.go: error types and helpers (IsStateError, IsLoadError, ...).
//   - handle.go: reference-counted lease over the engine handle.
//   - load.go / unload.go: model lifecycle.
//   - inference.go: StreamResponse and the generation worker.
//   - stream.go: Stream, the per-generation event handle.
//   - ops.go: StopGeneration and ResetContext.
//   - status_report.go, sanity.go, metrics.go: reporting.
//
// Engines:
//
//   - In-process llama (standard):
//     Uses the go-llama.cpp binding. Enabled with `-tags=llama`.
//     Files: adapter_llama.go, llama_cgo.go (linker rpath hints).
//     A no-CGO stub exists when the tag is not set: adapter_llama_stub.go.
//
//   - llama-server over HTTP: adapter_llama_server.go.
//   - llama-server spawned per load: adapter_llama_subprocess.go.
//   - echo engine for development without a model: engine_echo.go.
//
// State machine:
//
//	idle --load--> loading --ok--> ready --stream--> generating --done/error/stop--> ready
//	any --unload--> idle (in-flight generation is cancelled first)
//
// Every stream resolves with exactly one terminal event, and no token of a
// generation is delivered after its terminal event or after StopGeneration
// returns.
package manager
