package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/api/responses"
	"github.com/kmwilder/proofroom-backend/internal/entitlement"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

type QuotaReader interface {
	Snapshot(ctx context.Context, sessionID uuid.UUID, clientKey string) (entitlement.QuotaSnapshot, bool, error)
}

// QuotaStatus reports the visitor's current allowance. The snapshot may be a
// few seconds stale; the grant path never trusts it.
func QuotaStatus(ledger QuotaReader, sessions SessionReader, clientKeySecret string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		client, err := resolveGalleryClient(ctx, sessions, clientKeySecret, r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		snapshot, cached, err := ledger.Snapshot(ctx, client.sessionID, client.clientKey)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(ctx, w, map[string]any{
			"quota":  toQuotaDTO(snapshot),
			"cached": cached,
		})
	}
}
