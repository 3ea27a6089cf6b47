package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/pkg/enums"
)

// DownloadHistory is an append-only audit row written once per delivery.
type DownloadHistory struct {
	ID        uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID uuid.UUID            `gorm:"column:session_id;type:uuid;not null;index:idx_history_session_client"`
	ClientKey string               `gorm:"column:client_key;not null;index:idx_history_session_client"`
	AssetID   string               `gorm:"column:asset_id;not null"`
	Status    enums.DownloadStatus `gorm:"column:status;type:download_status;not null"`
	CreatedAt time.Time            `gorm:"column:created_at;autoCreateTime"`
}

// TableName overrides the default pluralization.
func (DownloadHistory) TableName() string {
	return "download_history"
}
