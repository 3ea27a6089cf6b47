package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/pkg/enums"
)

// DownloadEntitlement is one granted or reserved download right.
//
// Invariant: at most one active, non-expired download-type row with
// remaining > 0 exists per (session_id, client_key, asset_id).
// Cart reservations are inactive until payment converts them.
type DownloadEntitlement struct {
	ID        uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID uuid.UUID             `gorm:"column:session_id;type:uuid;not null;index:idx_entitlements_session_client"`
	ClientKey string                `gorm:"column:client_key;not null;index:idx_entitlements_session_client"`
	AssetID   string                `gorm:"column:asset_id;not null"`
	Remaining int                   `gorm:"column:remaining;not null;default:0"`
	Type      enums.EntitlementType `gorm:"column:type;type:entitlement_type;not null"`
	IsActive  bool                  `gorm:"column:is_active;not null"`
	PaidAt    *time.Time            `gorm:"column:paid_at"`
	ExpiresAt *time.Time            `gorm:"column:expires_at"`
	IPAddress *string               `gorm:"column:ip_address"`
	CreatedAt time.Time             `gorm:"column:created_at;autoCreateTime"`
}

// TableName overrides the default pluralization.
func (DownloadEntitlement) TableName() string {
	return "download_entitlements"
}

// Expired reports whether the row's expiry has passed at the given instant.
func (e DownloadEntitlement) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Consumable reports whether the row can satisfy a download right now.
func (e DownloadEntitlement) Consumable(now time.Time) bool {
	return e.IsActive && e.Remaining > 0 && e.Type == enums.EntitlementTypeDownload && !e.Expired(now)
}
