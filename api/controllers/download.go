package controllers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kmwilder/proofroom-backend/api/middleware"
	"github.com/kmwilder/proofroom-backend/api/responses"
	"github.com/kmwilder/proofroom-backend/internal/download"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/types"
)

type DownloadPipeline interface {
	Run(ctx context.Context, req download.Request) (*download.Result, error)
}

// DownloadPhoto streams one gallery asset to the caller. Authentication,
// entitlement spend, and resource tracking all happen inside the pipeline;
// this handler only shapes the HTTP response.
func DownloadPhoto(pipeline DownloadPipeline, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

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

		galleryToken := r.Header.Get(galleryTokenHeader)
		if galleryToken == "" {
			galleryToken = r.URL.Query().Get("gallery_token")
		}

		result, err := pipeline.Run(ctx, download.Request{
			SessionID:     sessionID,
			AssetRef:      assetRef,
			BearerToken:   middleware.BearerToken(r),
			GalleryToken:  galleryToken,
			SourceIP:      middleware.ClientIP(r),
			UserAgent:     r.UserAgent(),
			CorrelationID: types.CorrelationIDFromContext(ctx),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		defer func() {
			if closeErr := result.Stream.Close(); closeErr != nil && logg != nil {
				logg.Warn(ctx, "closing download stream: "+closeErr.Error())
			}
		}()

		w.Header().Set("Content-Type", result.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("X-Download-Id", result.DownloadID.String())
		if result.FromBackup {
			w.Header().Set("X-Served-From-Backup", "true")
		}
		if result.SizeBytes > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(result.SizeBytes, 10))
		}

		if _, err := io.Copy(w, result.Stream); err != nil && logg != nil {
			// Headers are gone at this point; all we can do is log the abort.
			logg.Warn(ctx, "download stream interrupted: "+err.Error())
		}
	}
}
