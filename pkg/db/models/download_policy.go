package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kmwilder/proofroom-backend/pkg/enums"
)

// DownloadPolicy is the per-session pricing policy for downloads.
// One row per session; mutated only by the gallery owner surface.
type DownloadPolicy struct {
	ID            uuid.UUID        `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID     uuid.UUID        `gorm:"column:session_id;type:uuid;not null;unique"`
	Mode          enums.PolicyMode `gorm:"column:mode;type:policy_mode;not null;default:'free'"`
	FreeCount     *int             `gorm:"column:free_count"`
	MaxPerClient  *int             `gorm:"column:max_per_client"`
	MaxGlobal     *int             `gorm:"column:max_global"`
	PricePerAsset decimal.Decimal  `gorm:"column:price_per_asset;type:numeric(10,2);not null;default:0"`
	WatermarkJSON json.RawMessage  `gorm:"column:watermark_json;type:jsonb"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides the default pluralization.
func (DownloadPolicy) TableName() string {
	return "download_policies"
}
