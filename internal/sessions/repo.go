package sessions

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

// Repository exposes persistence operations for sessions and their files.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a session repository bound to the provided DB.
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

// GetByID loads a session by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "session not found")
		}
		return nil, err
	}
	return &session, nil
}

// FindFile resolves an asset reference to a session file. The reference can
// be an exact filename or a file id.
func (r *Repository) FindFile(ctx context.Context, sessionID uuid.UUID, assetRef string) (*models.SessionFile, error) {
	var file models.SessionFile
	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if fileID, err := uuid.Parse(assetRef); err == nil {
		query = query.Where("id = ? OR filename = ?", fileID, assetRef)
	} else {
		query = query.Where("filename = ?", assetRef)
	}
	if err := query.First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodePhotoNotFound, "photo not found in session")
		}
		return nil, err
	}
	return &file, nil
}

// CreateFile registers a new gallery photo record.
func (r *Repository) CreateFile(ctx context.Context, file *models.SessionFile) error {
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(file).Error
}

// ListFiles returns all files belonging to a session.
func (r *Repository) ListFiles(ctx context.Context, sessionID uuid.UUID) ([]models.SessionFile, error) {
	var rows []models.SessionFile
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
