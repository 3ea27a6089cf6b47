package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionFile maps a gallery photo to its storage backend key.
type SessionFile struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID   uuid.UUID `gorm:"column:session_id;type:uuid;not null;index"`
	Filename    string    `gorm:"column:filename;not null"`
	StorageKey  string    `gorm:"column:storage_key"`
	ContentType string    `gorm:"column:content_type"`
	SizeBytes   int64     `gorm:"column:size_bytes;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}
