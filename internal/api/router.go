package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// RouterConfig configures CORS for the webhook router. The session gateway
// and any operator tooling calling /orchestrate are the only expected
// callers, so the default origin list is empty (same-host only) unless
// explicitly configured.
type RouterConfig struct {
	CORSOrigins []string
	EnableCORS  bool
}

// NewRouter builds the chi router exposing every §6 webhook route plus a
// /healthz liveness check, grounded on the teacher's middleware stack
// (RequestID, Recoverer, structured request logging) generalized from the
// teacher's slog-based logger to this module's sanitizing Logger.
func NewRouter(h *Handlers, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if cfg.EnableCORS {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"POST", "GET", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/healthz", h.handleHealth)

	r.Post("/worker-complete", h.WorkerComplete)
	r.Post("/task-complete", h.TaskComplete)
	r.Post("/review-result", h.ReviewResult)
	r.Post("/fix-complete", h.FixComplete)
	r.Post("/resolver-complete", h.ResolverComplete)
	r.Post("/spec-complete", h.SpecComplete)
	r.Post("/orchestrate", h.Orchestrate)

	return r
}

func (h *Handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			h.logger.Info("webhook request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"requestId", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}
