// Package httpapi is the loopback-only HTTP surface in front of the
// request orchestrator: routing, middleware, and the OpenAI-compatible
// wire format for streaming and non-streaming chat completions.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatsafe/internal/metrics"
	"chatsafe/internal/orchestrator"
	"chatsafe/internal/process"
	"chatsafe/internal/registry"
)

// Deps wires the process-wide singletons the HTTP surface consumes. None
// of it is owned here; NewRouter only reads from these.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Digest       *metrics.Digest
	Process      *process.Manager
	Version      string

	MaxBodyBytes int64
	CORSEnabled  bool
	CORSOrigins  []string

	Logger zerolog.Logger
}

// NewRouter builds the complete chi router for this gateway's external
// HTTP interface. Binding to loopback-only is the caller's
// responsibility (the listener address).
func NewRouter(d Deps) http.Handler {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(requestLogger(d.Logger))
	if d.Digest != nil {
		r.Use(d.Digest.HTTPMiddleware)
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if d.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "X-Log-Level"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	h := &handlers{deps: d}

	r.Post("/v1/chat/completions", h.chatCompletions)
	r.Get("/v1/models", h.listModels)
	r.Get("/models", h.listModels)
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.healthz)
	r.Get("/metrics", h.metricsJSON)
	r.Get("/version", h.version)
	MountSwagger(r)

	return r
}

type handlers struct {
	deps Deps
}

// requestID mints one opaque correlation id per request, echoes it in the
// X-Request-Id response header, and hands it to the orchestrator via the
// request context so frames, errors, and metrics all carry the same id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(orchestrator.WithRequestID(r.Context(), id)))
	})
}

// requestLogger logs one line per request at the per-request log level
// (off/error/info/debug), overridable via ?log= or X-Log-Level. No
// prompt or response content is ever a field here.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lvl := requestLogLevel(r)
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sr, r)
			if lvl < LevelInfo {
				return
			}
			ev := logger.Info()
			if lvl >= LevelDebug {
				ev = logger.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sr.status).
				Dur("duration", time.Since(start)).
				Str("request_id", sr.Header().Get("X-Request-Id")).
				Msg("http request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying ResponseWriter when it supports
// flushing, so wrapping it here does not break SSE streaming through the
// middleware chain.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
