package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is a shared client gallery owned by a photographer account.
type Session struct {
	ID               uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID          uuid.UUID  `gorm:"column:owner_id;type:uuid;not null"`
	Title            string     `gorm:"column:title;not null"`
	GalleryToken     string     `gorm:"column:gallery_token"`
	GalleryExpiresAt *time.Time `gorm:"column:gallery_expires_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`

	Files []SessionFile `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}
