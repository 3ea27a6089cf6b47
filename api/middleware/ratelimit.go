package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kmwilder/proofroom-backend/api/responses"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

type rateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// RateLimit applies a fixed-window per-IP limit across the gallery surface.
// A redis outage fails open: a burst of extra requests is cheaper than a
// dead gallery.
func RateLimit(cfg config.RateLimitConfig, limiter rateLimiter, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if limiter == nil || cfg.MaxRequests <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			scope := "api:" + ClientIP(r)
			allowed, _, err := limiter.FixedWindowAllow(ctx, scope, int64(cfg.MaxRequests), cfg.Window)
			if err != nil {
				if logg != nil {
					logg.Warn(ctx, "rate limit check failed: "+err.Error())
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				responses.WriteError(ctx, logg, w, apperrors.New(apperrors.CodeRateLimit, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the caller address, preferring the proxy-forwarded one.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
