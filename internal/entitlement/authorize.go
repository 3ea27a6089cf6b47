package entitlement

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

// AuthorizeInput describes one delivery attempt to be checked against the
// policy and historical counts.
type AuthorizeInput struct {
	SessionID uuid.UUID
	ClientKey string
	AssetID   string
	IsOwner   bool
}

// AuthorizeDownload decides whether one delivery may proceed and spends the
// matching entitlement when one exists. Unlike Reserve, the quota branch here
// works from completed download history, so abandoned reservations never
// block a client's free allowance.
func (l *Ledger) AuthorizeDownload(ctx context.Context, input AuthorizeInput) error {
	if input.IsOwner {
		return nil
	}

	err := l.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := l.repo.WithTx(tx)
		policy, err := repo.GetPolicy(ctx, input.SessionID)
		if err != nil {
			return err
		}
		now := l.clock()

		if policy.Mode == enums.PolicyModeFree {
			return nil
		}

		// A live entitlement (free grant or converted purchase) covers the
		// asset directly; spend one use of it.
		row, err := repo.FindConsumable(ctx, input.SessionID, input.ClientKey, input.AssetID, now)
		if err != nil {
			return err
		}
		if row != nil {
			return repo.DecrementRemaining(ctx, row.ID)
		}

		completed, err := repo.CountCompletedDownloads(ctx, input.SessionID, input.ClientKey)
		if err != nil {
			return err
		}
		if policy.MaxPerClient != nil && completed+1 > int64(*policy.MaxPerClient) {
			return apperrors.New(apperrors.CodeClientQuota, "client download limit reached").
				WithDetails(map[string]any{
					"completed":      completed,
					"max_per_client": *policy.MaxPerClient,
				})
		}

		if policy.Mode == enums.PolicyModeFreemium && policy.FreeCount != nil && completed < int64(*policy.FreeCount) {
			return nil
		}

		return apperrors.New(apperrors.CodePaymentRequired, "payment required for this download").
			WithDetails(map[string]any{
				"mode":            string(policy.Mode),
				"price_per_asset": policy.PricePerAsset.String(),
			})
	})
	if err != nil {
		return err
	}

	l.Invalidate(input.SessionID, input.ClientKey)
	return nil
}

// RecordDelivery appends a download history entry and invalidates the quota
// cache for the client.
func (l *Ledger) RecordDelivery(ctx context.Context, sessionID uuid.UUID, clientKey, assetID string, status enums.DownloadStatus) error {
	err := l.repo.RecordHistory(ctx, &models.DownloadHistory{
		SessionID: sessionID,
		ClientKey: clientKey,
		AssetID:   assetID,
		Status:    status,
	})
	if err != nil {
		return err
	}
	l.Invalidate(sessionID, clientKey)
	return nil
}
