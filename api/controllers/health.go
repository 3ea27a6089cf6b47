package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/kmwilder/proofroom-backend/api/responses"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

const readinessTimeout = 5 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ProofRoom-Env", cfg.App.Env)
		responses.WriteSuccess(r.Context(), w, map[string]string{"status": "live"})
	}
}

// HealthReady checks each hard dependency and reports per-component status.
// Any failing component makes the endpoint return 503.
func HealthReady(cfg *config.Config, logg *logger.Logger, db, cache, storage pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		w.Header().Set("X-ProofRoom-Env", cfg.App.Env)

		components := map[string]string{}
		healthy := true
		for name, p := range map[string]pinger{
			"database": db,
			"redis":    cache,
			"storage":  storage,
		} {
			if p == nil {
				components[name] = "not configured"
				healthy = false
				continue
			}
			if err := p.Ping(ctx); err != nil {
				components[name] = err.Error()
				healthy = false
				if logg != nil {
					logg.Warn(ctx, "readiness check failed: "+name+": "+err.Error())
				}
				continue
			}
			components[name] = "ok"
		}

		status := http.StatusOK
		state := "ready"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		responses.WriteSuccessStatus(r.Context(), w, status, map[string]any{
			"status":     state,
			"components": components,
		})
	}
}
