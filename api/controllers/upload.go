package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/api/middleware"
	"github.com/kmwilder/proofroom-backend/api/responses"
	"github.com/kmwilder/proofroom-backend/internal/uploads"
	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

type PhotoUploader interface {
	UploadPhoto(ctx context.Context, input uploads.Input) (*models.SessionFile, error)
}

// SessionFileReader resolves gallery photos for the owner surfaces.
type SessionFileReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	FindFile(ctx context.Context, sessionID uuid.UUID, assetRef string) (*models.SessionFile, error)
}

type URLSigner interface {
	SignURL(key string, now time.Time) (string, error)
}

type uploadedFileDTO struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	StorageKey  string `json:"storage_key"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
}

// UploadPhoto streams a photographer's photo into the gallery. The body is a
// multipart form with a single "photo" file field; it is streamed part by
// part, never buffered whole.
func UploadPhoto(svc PhotoUploader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		claims := middleware.OwnerClaims(ctx)
		if claims == nil {
			responses.WriteError(ctx, logg, w, apperrors.New(apperrors.CodeMissingCredentials, "owner token required"))
			return
		}

		sessionID, err := sessionIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		reader, err := r.MultipartReader()
		if err != nil {
			responses.WriteError(ctx, logg, w, apperrors.Wrap(apperrors.CodeValidation, err, "multipart body required"))
			return
		}

		part, err := reader.NextPart()
		for err == nil && part.FormName() != "photo" {
			part, err = reader.NextPart()
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, apperrors.New(apperrors.CodeValidation, `multipart field "photo" is required`))
			return
		}

		file, err := svc.UploadPhoto(ctx, uploads.Input{
			SessionID:   sessionID,
			OwnerID:     claims.OwnerID,
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(ctx, w, http.StatusCreated, uploadedFileDTO{
			ID:          file.ID.String(),
			Filename:    file.Filename,
			StorageKey:  file.StorageKey,
			ContentType: file.ContentType,
			SizeBytes:   file.SizeBytes,
		})
	}
}

// PhotoLink issues a time-limited signed URL for direct access to a photo's
// object, for owner-side previews and print fulfillment handoff.
func PhotoLink(sessions SessionFileReader, signer URLSigner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		claims := middleware.OwnerClaims(ctx)
		if claims == nil {
			responses.WriteError(ctx, logg, w, apperrors.New(apperrors.CodeMissingCredentials, "owner token required"))
			return
		}

		sessionID, err := sessionIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		assetRef := chi.URLParam(r, "assetRef")
		if assetRef == "" {
			responses.WriteError(ctx, logg, w, apperrors.New(apperrors.CodeValidation, "asset reference is required"))
			return
		}

		session, err := sessions.GetByID(ctx, sessionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if session.OwnerID != claims.OwnerID {
			responses.WriteError(ctx, logg, w, apperrors.New(apperrors.CodeUnauthorized, "session belongs to another owner"))
			return
		}

		file, err := sessions.FindFile(ctx, sessionID, assetRef)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if file.StorageKey == "" {
			responses.WriteError(ctx, logg, w, apperrors.New(apperrors.CodeFileNotFound, "photo has no stored object"))
			return
		}

		url, err := signer.SignURL(file.StorageKey, time.Now())
		if err != nil {
			responses.WriteError(ctx, logg, w, apperrors.Wrap(apperrors.CodeSystem, err, "signing url"))
			return
		}
		responses.WriteSuccess(ctx, w, map[string]string{"url": url})
	}
}
