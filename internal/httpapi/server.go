package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llamad/internal/manager"
	"llamad/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	ResolveModel(id string) (string, bool)
	Status() types.StatusResponse
	Ready() bool
	SanityCheck() manager.SanityReport

	LoadModel(ctx context.Context, cfg manager.ModelConfig) error
	LoadModelAsync(ctx context.Context, cfg manager.ModelConfig, done func(error)) error
	LoadID() string
	UnloadModel() error

	StreamResponse(ctx context.Context, req manager.GenerationRequest) (*manager.Stream, error)
	StopGeneration() error
	ResetContext(ctx context.Context) error
}

type api struct {
	svc    Service
	events *hub
}

// NewMux builds the router for svc.
func NewMux(svc Service) http.Handler {
	a := &api{svc: svc, events: newHub()}
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Compression for JSON endpoints; NDJSON streams are not in its type list.
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/available", a.available)
	r.Get("/models", a.models)
	r.Get("/status", a.status)
	r.Get("/events", a.eventStream)
	r.Post("/load", a.load)
	r.Post("/unload", a.unload)
	r.Post("/stream", a.stream)
	r.Post("/generations", a.generations)
	r.Post("/stop", a.stop)
	r.Post("/reset", a.reset)
	MountSwagger(r)
	return r
}

// readyz godoc
// @Summary      Readiness probe
// @Description  200 when a model is loaded and accepting generations, 503 otherwise.
// @Tags         health
// @Produce      plain
// @Success      200  {string}  string  "ready"
// @Failure      503  {string}  string  "session state"
// @Router       /readyz [get]
func (a *api) readyz(w http.ResponseWriter, r *http.Request) {
	if a.svc.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(a.svc.Status().State))
}

// available godoc
// @Summary      Engine availability
// @Tags         session
// @Produce      json
// @Success      200  {object}  types.AvailableResponse
// @Router       /available [get]
func (a *api) available(w http.ResponseWriter, r *http.Request) {
	rep := a.svc.SanityCheck()
	writeJSON(w, http.StatusOK, types.AvailableResponse{Available: rep.Available, Engine: rep.Engine, Error: rep.Error})
}

// models godoc
// @Summary      List models
// @Description  GGUF files found in the models directory.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func (a *api) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: a.svc.ListModels()})
}

// status godoc
// @Summary      Session status
// @Tags         session
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Status())
}

// decodeJSON enforces the content type and body limit. It writes the error
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies also land here; the limit is not disclosed.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// load godoc
// @Summary      Load a model
// @Description  Loads a model by registry id or path, replacing the current one. With async=1 the call answers 202 and the outcome is published on /events.
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        async  query     string             false  "1 to load in the background"
// @Param        body   body      types.LoadRequest  true   "Load parameters"
// @Success      200    {object}  types.LoadResponse
// @Success      202    {object}  types.LoadResponse
// @Failure      400    {object}  types.ErrorResponse
// @Failure      404    {object}  types.ErrorResponse
// @Failure      409    {object}  types.ErrorResponse
// @Failure      422    {object}  types.ErrorResponse
// @Failure      503    {object}  types.ErrorResponse
// @Router       /load [post]
func (a *api) load(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	lvl := requestLogLevel(r)
	cfg, err := loadConfig(req, currentModelDefaults(), a.svc.ResolveModel)
	if err != nil {
		status := writeError(w, err)
		reqLog(r, lvl).Int("status", status).Err(err).Msg("load rejected")
		return
	}
	start := time.Now()
	if v := r.URL.Query().Get("async"); v == "1" || v == "true" {
		err := a.svc.LoadModelAsync(serverBaseCtx, cfg, func(err error) {
			a.events.publish(loadEvent(err, a.svc.LoadID()))
		})
		if err != nil {
			status := writeError(w, err)
			countRejected("load", status)
			return
		}
		reqLog(r, lvl).Str("model", cfg.Path).Msg("load started")
		writeJSON(w, http.StatusAccepted, types.LoadResponse{Success: true, Pending: true})
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	err = a.svc.LoadModel(ctx, cfg)
	// Admission rejections never started a load.
	if !manager.IsStateError(err) && !manager.IsInvalidRequest(err) {
		a.events.publish(loadEvent(err, a.svc.LoadID()))
	}
	if err != nil {
		status := writeError(w, err)
		countRejected("load", status)
		reqLog(r, lvl).Int("status", status).Str("model", cfg.Path).Dur("dur", time.Since(start)).Err(err).Msg("load end")
		return
	}
	reqLog(r, lvl).Int("status", http.StatusOK).Str("model", cfg.Path).Dur("dur", time.Since(start)).Msg("load end")
	writeJSON(w, http.StatusOK, types.LoadResponse{Success: true, LoadID: a.svc.LoadID()})
}

// unload godoc
// @Summary      Unload the model
// @Description  Cancels any generation and releases the model. No-op when idle.
// @Tags         session
// @Produce      json
// @Success      200  {object}  types.SuccessResponse
// @Failure      500  {object}  types.ErrorResponse
// @Router       /unload [post]
func (a *api) unload(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.UnloadModel(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.SuccessResponse{Success: true})
}

// stop godoc
// @Summary      Stop the running generation
// @Description  Waits until the worker has exited. No-op when nothing is generating.
// @Tags         generation
// @Produce      json
// @Success      200  {object}  types.SuccessResponse
// @Failure      500  {object}  types.ErrorResponse
// @Router       /stop [post]
func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.StopGeneration(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.SuccessResponse{Success: true})
}

// reset godoc
// @Summary      Reset the conversation context
// @Description  Clears the KV state of the loaded model without unloading it.
// @Tags         session
// @Produce      json
// @Success      200  {object}  types.SuccessResponse
// @Failure      409  {object}  types.ErrorResponse
// @Router       /reset [post]
func (a *api) reset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if err := a.svc.ResetContext(ctx); err != nil {
		countRejected("reset", writeError(w, err))
		return
	}
	writeJSON(w, http.StatusOK, types.SuccessResponse{Success: true})
}

// stream godoc
// @Summary      Stream one generation
// @Description  Streams NDJSON events (token, then exactly one done or error). Disconnecting stops the generation.
// @Tags         generation
// @Accept       json
// @Produce      application/x-ndjson
// @Param        body  body      types.StreamRequest  true  "Generation request"
// @Success      200   {object}  types.StreamEvent
// @Failure      400   {object}  types.ErrorResponse
// @Failure      409   {object}  types.ErrorResponse
// @Router       /stream [post]
func (a *api) stream(w http.ResponseWriter, r *http.Request) {
	var req types.StreamRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	lvl := requestLogLevel(r)
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if streamTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, streamTimeout)
		defer tcancel()
	}
	start := time.Now()
	s, err := a.svc.StreamResponse(ctx, generationRequest(req))
	if err != nil {
		status := writeError(w, err)
		countRejected("stream", status)
		reqLog(r, lvl).Int("status", status).Err(err).Msg("stream rejected")
		return
	}
	a.events.setCurrent(uint64(s.ID()))
	reqLog(r, lvl).Uint64("generation_id", uint64(s.ID())).Msg("stream start")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	out := io.Writer(w)
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{reqID: middleware.GetReqID(r.Context())})
	}
	enc := json.NewEncoder(out)
	var final manager.Event
	for {
		ev, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Client gone or timeout: the generation is cancelled with ctx.
			s.Stop()
			final = s.Result()
			_ = enc.Encode(streamEvent(final))
			flush()
			break
		}
		_ = enc.Encode(streamEvent(ev))
		flush()
		if ev.Terminal() {
			final = ev
		}
	}
	reqLog(r, lvl).Uint64("generation_id", uint64(s.ID())).Str("outcome", string(final.Kind)).Dur("dur", time.Since(start)).Msg("stream end")
}

// generations godoc
// @Summary      Start a generation
// @Description  Starts a generation and answers with its id. Events are published on /events.
// @Tags         generation
// @Accept       json
// @Produce      json
// @Param        body  body      types.StreamRequest  true  "Generation request"
// @Success      202   {object}  types.GenerationResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      409   {object}  types.ErrorResponse
// @Router       /generations [post]
func (a *api) generations(w http.ResponseWriter, r *http.Request) {
	var req types.StreamRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := a.svc.StreamResponse(serverBaseCtx, generationRequest(req))
	if err != nil {
		countRejected("generations", writeError(w, err))
		return
	}
	a.events.setCurrent(uint64(s.ID()))
	go func() {
		for {
			ev, err := s.Recv(serverBaseCtx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.Stop()
				}
				return
			}
			a.events.publish(streamEvent(ev))
		}
	}()
	writeJSON(w, http.StatusAccepted, types.GenerationResponse{Success: true, GenerationID: uint64(s.ID())})
}

// eventStream godoc
// @Summary      Session event stream
// @Description  NDJSON events of /generations and async loads until the client disconnects.
// @Tags         generation
// @Produce      application/x-ndjson
// @Success      200  {object}  types.StreamEvent
// @Router       /events [get]
func (a *api) eventStream(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := a.events.subscribe()
	defer unsubscribe()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	flush()
	enc := json.NewEncoder(w)
	for {
		select {
		case ev := <-ch:
			if err := enc.Encode(ev); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		case <-serverBaseCtx.Done():
			return
		}
	}
}
