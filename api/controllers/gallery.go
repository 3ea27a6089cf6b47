package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/pkg/auth"
	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

const galleryTokenHeader = "X-Gallery-Token"

type SessionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// galleryClient is a resolved gallery visitor for one session.
type galleryClient struct {
	sessionID uuid.UUID
	clientKey string
}

func sessionIDParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "sessionId")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.New(apperrors.CodeValidation, "session id must be a uuid")
	}
	return id, nil
}

// resolveGalleryClient authenticates a gallery visitor against the session's
// share token and derives their stable quota identity.
func resolveGalleryClient(ctx context.Context, sessions SessionReader, clientKeySecret string, r *http.Request) (*galleryClient, error) {
	sessionID, err := sessionIDParam(r)
	if err != nil {
		return nil, err
	}

	token := r.Header.Get(galleryTokenHeader)
	if token == "" {
		token = r.URL.Query().Get("gallery_token")
	}
	if token == "" {
		return nil, apperrors.New(apperrors.CodeMissingCredentials, "gallery token is required")
	}

	session, err := sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.GalleryToken == "" || token != session.GalleryToken {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "gallery token rejected")
	}
	if session.GalleryExpiresAt != nil && time.Now().After(*session.GalleryExpiresAt) {
		return nil, apperrors.New(apperrors.CodeExpiredAccess, "gallery access window has closed")
	}

	clientKey, err := auth.DeriveClientKey(clientKeySecret, session.ID.String(), token)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSystem, err, "deriving client key")
	}
	return &galleryClient{sessionID: session.ID, clientKey: clientKey}, nil
}
