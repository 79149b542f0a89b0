package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/solace-ledger/solace/internal/gateway"
	"github.com/solace-ledger/solace/internal/notify"
	"github.com/solace-ledger/solace/internal/observability"
	"github.com/solace-ledger/solace/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Gateway    *gateway.Handler
	Hub        *notify.Hub
	JobHandler *jobs.Handler
	Metrics    *observability.Metrics
	// Ready reports whether this instance can serve ledger reads.
	Ready func() bool
}

// NewRouter constructs the chi.Router with the ledger defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	mwCfg := MiddlewareConfig{Logger: params.Logger, Config: params.Config, Metrics: params.Metrics}
	for _, mw := range BaseStack(mwCfg) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Ready != nil && !params.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"starting"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.Hub != nil {
		r.Method(http.MethodGet, "/ws", params.Hub)
	}

	r.Group(func(r chi.Router) {
		for _, mw := range APIStack(mwCfg) {
			r.Use(mw)
		}
		r.Use(chimw.Logger)
		if params.Gateway != nil {
			params.Gateway.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})
	return r
}
