package routes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/barnlink/api/controllers"
	"github.com/angelmondragon/barnlink/api/middleware"
	"github.com/angelmondragon/barnlink/api/responses"
	"github.com/angelmondragon/barnlink/pkg/config"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

// NewOpsRouter mounts /health/live, /health/ready and /metrics. A nil gatherer
// serves the default Prometheus registry. Unknown paths and methods answer
// with the usual JSON error envelope.
func NewOpsRouter(cfg *config.Config, logg *logger.Logger, gatherer prometheus.Gatherer, checks ...controllers.Check) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID(logg), middleware.Recoverer(logg), middleware.Logging(logg))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		responses.WriteError(req.Context(), logg, w, pkgerrors.Newf(pkgerrors.CodeNotFound, "no route for %s", req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Allow", http.MethodGet)
		responses.WriteError(req.Context(), logg, w, pkgerrors.Newf(pkgerrors.CodeValidation, "method %s not allowed", req.Method))
	})

	r.Get("/health/live", controllers.HealthLive(cfg))
	r.Get("/health/ready", controllers.HealthReady(cfg, logg, checks...))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      promErrorLog{logg: logg},
		ErrorHandling: promhttp.ContinueOnError,
	}))

	return r
}

// promErrorLog routes promhttp's gather errors into the structured logger.
type promErrorLog struct{ logg *logger.Logger }

func (p promErrorLog) Println(v ...any) {
	if p.logg == nil {
		return
	}
	p.logg.Error(p.logg.WithField(context.Background(), "detail", fmt.Sprint(v...)), "metrics.gather", nil)
}
