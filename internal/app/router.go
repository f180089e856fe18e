package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/workline/workline/internal/observability"
	"github.com/workline/workline/internal/rbac"
	"github.com/workline/workline/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	Registry    rbac.Registry
	RBACHandler *rbac.Handler
	JobHandler  *jobs.Handler
	Metrics     *observability.Metrics
}

// NewRouter constructs the chi.Router with Workline defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	healthz := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	params.Registry.Handle(r, http.MethodGet, "/healthz", rbac.Operation{Name: "healthz", Public: true}, healthz)
	if params.Metrics != nil {
		params.Registry.Handle(r, http.MethodGet, "/metrics", rbac.Operation{Name: "metrics", Public: true}, params.Metrics.Handler())
	}

	if params.RBACHandler != nil {
		r.Route("/api/v1/rbac", params.RBACHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/api/v1/jobs", func(r chi.Router) {
			params.JobHandler.MountRoutes(r, params.Registry)
		})
	}

	return r
}
