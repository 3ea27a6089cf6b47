package controllers

import (
	"net/http"
	"strconv"

	"github.com/kmwilder/proofroom-backend/api/responses"
	"github.com/kmwilder/proofroom-backend/internal/security"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

const defaultSecurityEventLimit = 100

// SecurityEvents lists recent abuse and denial events for operators. Mounted
// behind owner auth; the buffer is in-memory and bounded.
func SecurityEvents(events *security.EventLog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		limit := defaultSecurityEventLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		responses.WriteSuccess(ctx, w, map[string]any{
			"events":  events.Recent(limit),
			"dropped": events.Dropped(),
		})
	}
}
