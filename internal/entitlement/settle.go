package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	"github.com/kmwilder/proofroom-backend/pkg/enums"
)

// SettlePayment converts the client's cart reservations into live
// entitlements after a successful payment. Returns the number of assets
// unlocked; zero is not an error, a retried webhook lands here.
func (l *Ledger) SettlePayment(ctx context.Context, sessionID uuid.UUID, clientKey string, paidAt time.Time) (int64, error) {
	var converted int64
	err := l.tx.WithTx(ctx, func(tx *gorm.DB) error {
		n, err := l.repo.WithTx(tx).ConvertReservations(ctx, sessionID, clientKey, paidAt)
		if err != nil {
			return err
		}
		converted = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.Invalidate(sessionID, clientKey)
	if l.logger != nil {
		l.logger.Info(ctx, fmt.Sprintf("payment settled: %d reservations converted", converted))
	}
	return converted, nil
}

// FailPayment audits a failed payment attempt against every asset the client
// had reserved. The reservations stay in place so the client can retry.
func (l *Ledger) FailPayment(ctx context.Context, sessionID uuid.UUID, clientKey string) error {
	rows, err := l.repo.ListReservations(ctx, sessionID, clientKey)
	if err != nil {
		return err
	}
	for _, row := range rows {
		entry := &models.DownloadHistory{
			SessionID: sessionID,
			ClientKey: clientKey,
			AssetID:   row.AssetID,
			Status:    enums.DownloadStatusPaymentFailed,
		}
		if err := l.repo.RecordHistory(ctx, entry); err != nil {
			return err
		}
	}
	l.Invalidate(sessionID, clientKey)
	return nil
}
