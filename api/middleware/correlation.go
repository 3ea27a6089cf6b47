package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/types"
)

const correlationIDHeader = "X-Correlation-Id"

// CorrelationID assigns every request a correlation id, honoring one the
// caller already carries. The id travels on the response header, the log
// context, and every response envelope.
func CorrelationID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(correlationIDHeader)
			if id == "" {
				id = uuid.NewString()
			}

			w.Header().Set(correlationIDHeader, id)

			ctx := types.ContextWithCorrelationID(r.Context(), id)
			if logg != nil {
				ctx = logg.WithCorrelationID(ctx, id)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
