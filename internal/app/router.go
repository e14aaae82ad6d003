package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	authzhttp "github.com/odyssey-erp/odyssey-iam/internal/authz/http"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

// OperatorRules guard the administration, cache and audit routes.
var OperatorRules = rbac.MustRules("authz:MANAGE")

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	Metrics      *observability.Metrics
	AuthzHandler *authzhttp.Handler
	JobHandler   *jobs.Handler
	RBAC         rbac.Middleware
}

// NewRouter constructs the chi.Router with Odyssey defaults.
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

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	apiKeyHash := ""
	if params.Config != nil {
		apiKeyHash = params.Config.APIKeyHash
	}
	security := SecurityMiddleware(apiKeyHash, params.Logger)

	if params.AuthzHandler != nil {
		r.Route("/v1/authz", func(r chi.Router) {
			r.Use(security)
			params.AuthzHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(security)
			if params.RBAC.Checker != nil {
				r.Use(params.RBAC.RequireAny(OperatorRules...))
			}
			params.JobHandler.MountRoutes(r)
		})
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
