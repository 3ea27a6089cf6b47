package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/lifecycle"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/storage/object"
)

// partSize is the multipart chunk size. S3-compatible stores require at
// least 5 MiB for every part but the last.
const partSize = 8 << 20

type sessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	CreateFile(ctx context.Context, file *models.SessionFile) error
}

type multipartStore interface {
	BeginMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, size int64, body io.Reader) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []object.CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

type resourceManager interface {
	Begin(ctx context.Context, name string) (*lifecycle.Operation, error)
}

// Input describes one owner photo upload.
type Input struct {
	SessionID   uuid.UUID
	OwnerID     uuid.UUID
	Filename    string
	ContentType string
	Body        io.Reader
}

// Service streams owner photo uploads into the object store as multipart
// uploads and registers the resulting gallery file.
type Service struct {
	sessions sessionStore
	store    multipartStore
	rm       resourceManager
	logger   *logger.Logger
}

type ServiceParams struct {
	Sessions  sessionStore
	Store     multipartStore
	Resources resourceManager
	Logger    *logger.Logger
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Sessions == nil {
		return nil, errors.New("uploads service requires a session store")
	}
	if p.Store == nil {
		return nil, errors.New("uploads service requires a multipart store")
	}
	if p.Resources == nil {
		return nil, errors.New("uploads service requires a resource manager")
	}
	return &Service{sessions: p.Sessions, store: p.Store, rm: p.Resources, logger: p.Logger}, nil
}

// UploadPhoto streams one photo into the store. The multipart session is
// registered with the resource manager, so a request that dies mid-upload
// gets its in-flight parts aborted by cleanup instead of orphaned.
func (s *Service) UploadPhoto(ctx context.Context, input Input) (*models.SessionFile, error) {
	filename := strings.TrimSpace(input.Filename)
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		return nil, apperrors.New(apperrors.CodeValidation, "filename must be a bare file name")
	}
	if input.Body == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "upload body is required")
	}

	session, err := s.sessions.GetByID(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != input.OwnerID {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "session belongs to another owner")
	}

	if s.logger != nil {
		ctx = s.logger.WithFields(ctx, map[string]any{
			"session_id": session.ID.String(),
			"filename":   filename,
		})
	}

	key := session.ID.String() + "/" + filename

	op, err := s.rm.Begin(ctx, "upload:"+filename)
	if err != nil {
		return nil, err
	}

	file, err := s.upload(ctx, op, key, filename, input)
	if closeErr := op.Close(); closeErr != nil && s.logger != nil {
		s.logger.Warn(ctx, "upload cleanup: "+closeErr.Error())
	}
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info(ctx, fmt.Sprintf("photo uploaded (%d bytes)", file.SizeBytes))
	}
	return file, nil
}

func (s *Service) upload(ctx context.Context, op *lifecycle.Operation, key, filename string, input Input) (*models.SessionFile, error) {
	uploadID, err := s.store.BeginMultipartUpload(ctx, key, input.ContentType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "starting upload")
	}

	completed := false
	if _, err := op.Track(lifecycle.KindMultipart, func() error {
		if completed {
			return nil
		}
		return s.store.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID)
	}); err != nil {
		_ = s.store.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID)
		return nil, err
	}

	if _, err := op.TrackSized(lifecycle.KindMemory, partSize, nil); err != nil {
		return nil, err
	}
	buf := make([]byte, partSize)

	var (
		parts []object.CompletedPart
		total int64
	)
	for partNumber := 1; ; partNumber++ {
		n, readErr := io.ReadFull(input.Body, buf)
		if n > 0 {
			etag, upErr := s.store.UploadPart(ctx, key, uploadID, partNumber, int64(n), bytes.NewReader(buf[:n]))
			if upErr != nil {
				return nil, apperrors.Wrap(apperrors.CodeDependency, upErr, fmt.Sprintf("uploading part %d", partNumber))
			}
			parts = append(parts, object.CompletedPart{PartNumber: partNumber, ETag: etag})
			total += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, readErr, "reading upload body")
		}
	}

	if total == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "upload body is empty")
	}

	if err := s.store.CompleteMultipartUpload(ctx, key, uploadID, parts); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "completing upload")
	}
	completed = true

	file := &models.SessionFile{
		SessionID:   input.SessionID,
		Filename:    filename,
		StorageKey:  key,
		ContentType: input.ContentType,
		SizeBytes:   total,
	}
	if err := s.sessions.CreateFile(ctx, file); err != nil {
		return nil, err
	}
	return file, nil
}
