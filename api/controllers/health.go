package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/barnlink/api/responses"
	"github.com/angelmondragon/barnlink/pkg/config"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

const (
	envHeader    = "X-Barnlink-Env"
	readyTimeout = 2 * time.Second
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency probed by the readiness endpoint.
type Check struct {
	Name   string
	Pinger Pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every check in order and reports the first failure as a
// dependency error.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		status := make(map[string]string, len(checks)+1)
		for _, check := range checks {
			if check.Pinger == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			err := check.Pinger.Ping(ctx)
			cancel()
			if err != nil {
				status[check.Name] = "down"
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, check.Name+" unavailable").WithDetails(status))
				return
			}
			status[check.Name] = "ok"
		}
		status["status"] = "ready"
		responses.WriteSuccess(w, status)
	}
}
