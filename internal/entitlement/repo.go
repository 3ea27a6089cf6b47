package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

// Repository exposes persistence operations for policies, entitlements and
// download history.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs an entitlement repository bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// forUpdate adds a row lock on engines that support it. sqlite has no row
// locks; its single-writer model already serializes mutations there.
func forUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetPolicyForUpdate loads the session's download policy under a row lock so
// concurrent allocations for the session serialize on it.
func (r *Repository) GetPolicyForUpdate(ctx context.Context, sessionID uuid.UUID) (*models.DownloadPolicy, error) {
	var policy models.DownloadPolicy
	err := forUpdate(r.db.WithContext(ctx)).
		Where("session_id = ?", sessionID).
		First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodePolicyNotFound, "no download policy for session")
		}
		return nil, err
	}
	return &policy, nil
}

// GetPolicy loads the policy without locking, for read-only paths.
func (r *Repository) GetPolicy(ctx context.Context, sessionID uuid.UUID) (*models.DownloadPolicy, error) {
	var policy models.DownloadPolicy
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodePolicyNotFound, "no download policy for session")
		}
		return nil, err
	}
	return &policy, nil
}

// ListActiveForUpdate locks and returns all active entitlement rows for the
// (session, client) pair. The lock scope is the narrowest key that protects
// the quota math, so unrelated clients stay fully parallel.
func (r *Repository) ListActiveForUpdate(ctx context.Context, sessionID uuid.UUID, clientKey string) ([]models.DownloadEntitlement, error) {
	var rows []models.DownloadEntitlement
	err := forUpdate(r.db.WithContext(ctx)).
		Where("session_id = ? AND client_key = ? AND is_active = ?", sessionID, clientKey, true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CountActiveForSession returns active download-type rows across all clients
// of a session, for the global cap check.
func (r *Repository) CountActiveForSession(ctx context.Context, sessionID uuid.UUID, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.DownloadEntitlement{}).
		Where("session_id = ? AND type = ? AND is_active = ? AND remaining > 0", sessionID, enums.EntitlementTypeDownload, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Count(&count).Error
	return count, err
}

// CreateBatch inserts entitlement rows in one statement.
func (r *Repository) CreateBatch(ctx context.Context, rows []models.DownloadEntitlement) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		if rows[i].ID == uuid.Nil {
			rows[i].ID = uuid.New()
		}
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// FindConsumable returns the active download entitlement covering one asset,
// locked for update so two deliveries cannot spend the same remaining count.
func (r *Repository) FindConsumable(ctx context.Context, sessionID uuid.UUID, clientKey, assetID string, now time.Time) (*models.DownloadEntitlement, error) {
	var row models.DownloadEntitlement
	err := forUpdate(r.db.WithContext(ctx)).
		Where("session_id = ? AND client_key = ? AND asset_id = ?", sessionID, clientKey, assetID).
		Where("type = ? AND is_active = ? AND remaining > 0", enums.EntitlementTypeDownload, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// DecrementRemaining spends one use of an entitlement and deactivates it when
// exhausted.
func (r *Repository) DecrementRemaining(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.DownloadEntitlement{}).
		Where("id = ? AND remaining > 0", id).
		Updates(map[string]any{
			"remaining": gorm.Expr("remaining - 1"),
			"is_active": gorm.Expr("remaining - 1 > 0"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeConflict, "entitlement already consumed")
	}
	return nil
}

// listAll returns every entitlement row for the (session, client) pair
// without locking. Read-only status paths only.
func (r *Repository) listAll(ctx context.Context, sessionID uuid.UUID, clientKey string) ([]models.DownloadEntitlement, error) {
	var rows []models.DownloadEntitlement
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND client_key = ?", sessionID, clientKey).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListReservations returns the live cart reservation rows for a client.
func (r *Repository) ListReservations(ctx context.Context, sessionID uuid.UUID, clientKey string) ([]models.DownloadEntitlement, error) {
	var rows []models.DownloadEntitlement
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND client_key = ? AND type = ?", sessionID, clientKey, enums.EntitlementTypeCartReservation).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteReservations removes all cart reservation rows for a client.
func (r *Repository) DeleteReservations(ctx context.Context, sessionID uuid.UUID, clientKey string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("session_id = ? AND client_key = ? AND type = ?", sessionID, clientKey, enums.EntitlementTypeCartReservation).
		Delete(&models.DownloadEntitlement{})
	return result.RowsAffected, result.Error
}

// ConvertReservations promotes a client's cart reservations into active paid
// download entitlements. Returns the number of converted rows.
func (r *Repository) ConvertReservations(ctx context.Context, sessionID uuid.UUID, clientKey string, paidAt time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.DownloadEntitlement{}).
		Where("session_id = ? AND client_key = ? AND type = ?", sessionID, clientKey, enums.EntitlementTypeCartReservation).
		Updates(map[string]any{
			"type":       enums.EntitlementTypeDownload,
			"is_active":  true,
			"remaining":  1,
			"paid_at":    paidAt,
			"expires_at": nil,
		})
	return result.RowsAffected, result.Error
}

// DeactivateExpired flips expired rows inactive. Used by the sweep job.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.DownloadEntitlement{}).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, now).
		Update("is_active", false)
	return result.RowsAffected, result.Error
}

// RecordHistory appends one download history entry.
func (r *Repository) RecordHistory(ctx context.Context, entry *models.DownloadHistory) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// CountCompletedDownloads returns historical completed deliveries for the
// client, used by the delivery pipeline's quota branch.
func (r *Repository) CountCompletedDownloads(ctx context.Context, sessionID uuid.UUID, clientKey string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.DownloadHistory{}).
		Where("session_id = ? AND client_key = ? AND status = ?", sessionID, clientKey, enums.DownloadStatusCompleted).
		Count(&count).Error
	return count, err
}

// HasPaidEntitlement reports whether the client holds a non-expired paid
// entitlement for the asset.
func (r *Repository) HasPaidEntitlement(ctx context.Context, sessionID uuid.UUID, clientKey, assetID string, now time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.DownloadEntitlement{}).
		Where("session_id = ? AND client_key = ? AND asset_id = ?", sessionID, clientKey, assetID).
		Where("type = ? AND is_active = ? AND remaining > 0 AND paid_at IS NOT NULL", enums.EntitlementTypeDownload, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Count(&count).Error
	return count > 0, err
}
