package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/internal/entitlement"
	"github.com/kmwilder/proofroom-backend/pkg/auth"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/lifecycle"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/metrics"
	"github.com/kmwilder/proofroom-backend/pkg/resilience"
	"github.com/kmwilder/proofroom-backend/pkg/storage/object"
)

// Pipeline stage names, used for metrics and log fields.
const (
	StageAuthenticate = "authenticate"
	StagePolicy       = "policy"
	StageEntitlement  = "entitlement"
	StageLookup       = "lookup"
	StageDelivery     = "delivery"
)

// ownerClientKey is the history marker for owner-initiated downloads, which
// bypass quota accounting but are still audited.
const ownerClientKey = "owner"

type sessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	FindFile(ctx context.Context, sessionID uuid.UUID, assetRef string) (*models.SessionFile, error)
}

type policyReader interface {
	GetPolicy(ctx context.Context, sessionID uuid.UUID) (*models.DownloadPolicy, error)
}

type entitlements interface {
	AuthorizeDownload(ctx context.Context, input entitlement.AuthorizeInput) error
	RecordDelivery(ctx context.Context, sessionID uuid.UUID, clientKey, assetID string, status enums.DownloadStatus) error
}

type objectStore interface {
	GetStream(ctx context.Context, key string) (io.ReadCloser, object.ObjectInfo, error)
	GetBackup(key string) (io.ReadCloser, object.ObjectInfo, error)
}

type guard interface {
	ExecuteWithFallback(ctx context.Context, service enums.ServiceName, op resilience.Operation, fallback resilience.Operation) error
}

// watermarker post-processes a gallery client's stream using the session
// policy's watermark settings. Implementations take ownership of the input
// stream on success.
type watermarker interface {
	Apply(ctx context.Context, settings json.RawMessage, stream io.ReadCloser, info object.ObjectInfo) (io.ReadCloser, object.ObjectInfo, error)
}

// Request carries one download attempt through the pipeline.
type Request struct {
	SessionID     uuid.UUID
	AssetRef      string
	BearerToken   string
	GalleryToken  string
	SourceIP      string
	UserAgent     string
	CorrelationID string
}

// Result is a ready-to-serve download. Closing the stream releases every
// resource the pipeline acquired for it.
type Result struct {
	DownloadID  uuid.UUID
	Filename    string
	ContentType string
	SizeBytes   int64
	FromBackup  bool
	Stream      io.ReadCloser
}

// identity is the resolved caller for one request.
type identity struct {
	isOwner   bool
	clientKey string
}

func (id identity) historyKey() string {
	if id.isOwner {
		return ownerClientKey
	}
	return id.clientKey
}

// Pipeline drives a download through its five stages: authenticate, resolve
// policy, check entitlement, locate the file, deliver the stream. Each stage
// either advances the request or fails it with a coded error; no stage is
// retried at this level.
type Pipeline struct {
	sessions  sessionStore
	policies  policyReader
	ledger    entitlements
	store     objectStore
	guard     guard
	watermark watermarker
	resources *lifecycle.Manager
	logger    *logger.Logger
	metrics   *metrics.DownloadMetrics
	jwt       config.JWTConfig
	gallery   config.GalleryConfig
	clock     func() time.Time
}

// PipelineParams collects the pipeline dependencies. Watermark is optional;
// without one, streams are delivered unmodified.
type PipelineParams struct {
	Sessions  sessionStore
	Policies  policyReader
	Ledger    entitlements
	Store     objectStore
	Guard     guard
	Watermark watermarker
	Resources *lifecycle.Manager
	Logger    *logger.Logger
	Metrics   *metrics.DownloadMetrics
	JWT       config.JWTConfig
	Gallery   config.GalleryConfig
}

// NewPipeline validates dependencies and builds the pipeline.
func NewPipeline(p PipelineParams) (*Pipeline, error) {
	if p.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if p.Policies == nil {
		return nil, fmt.Errorf("policy reader required")
	}
	if p.Ledger == nil {
		return nil, fmt.Errorf("entitlement ledger required")
	}
	if p.Store == nil {
		return nil, fmt.Errorf("object store required")
	}
	if p.Guard == nil {
		return nil, fmt.Errorf("resilience guard required")
	}
	if p.Resources == nil {
		return nil, fmt.Errorf("resource manager required")
	}
	return &Pipeline{
		sessions:  p.Sessions,
		policies:  p.Policies,
		ledger:    p.Ledger,
		store:     p.Store,
		guard:     p.Guard,
		watermark: p.Watermark,
		resources: p.Resources,
		logger:    p.Logger,
		metrics:   p.Metrics,
		jwt:       p.JWT,
		gallery:   p.Gallery,
		clock:     time.Now,
	}, nil
}

// Run executes the pipeline for one request. The caller owns Result.Stream
// and must close it.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	downloadID := uuid.New()
	ctx = p.withFields(ctx, map[string]any{
		"download_id": downloadID.String(),
		"session_id":  req.SessionID.String(),
		"asset_ref":   req.AssetRef,
	})

	session, caller, err := p.runAuthenticate(ctx, req)
	if err != nil {
		p.metrics.IncDownload("denied")
		return nil, err
	}
	ctx = p.withFields(ctx, map[string]any{"client_key": caller.historyKey()})

	policy, err := p.runPolicy(ctx, req.SessionID)
	if err != nil {
		p.metrics.IncDownload("denied")
		return nil, err
	}

	if err := p.runEntitlement(ctx, req, caller); err != nil {
		p.metrics.IncDownload("denied")
		return nil, err
	}

	file, err := p.runLookup(ctx, req)
	if err != nil {
		p.metrics.IncDownload("denied")
		return nil, err
	}

	result, err := p.runDelivery(ctx, req, session, caller, policy, file, downloadID)
	if err != nil {
		p.metrics.IncDownload("failed")
		return nil, err
	}
	p.metrics.IncDownload("completed")
	return result, nil
}

// runAuthenticate resolves the caller from either an owner bearer token or
// the session's gallery token. A gallery client gets its quota identity
// derived here; the raw token never travels further down the pipeline.
func (p *Pipeline) runAuthenticate(ctx context.Context, req Request) (*models.Session, identity, error) {
	defer p.observe(StageAuthenticate, p.clock())

	if req.BearerToken == "" && req.GalleryToken == "" {
		return nil, identity{}, apperrors.New(apperrors.CodeMissingCredentials, "owner token or gallery token is required")
	}

	session, err := p.sessions.GetByID(ctx, req.SessionID)
	if err != nil {
		return nil, identity{}, err
	}

	if req.BearerToken != "" {
		claims, err := auth.ParseAccessToken(p.jwt, req.BearerToken)
		if err != nil {
			return nil, identity{}, apperrors.Wrap(apperrors.CodeInvalidToken, err, "owner token rejected")
		}
		if claims.OwnerID != session.OwnerID {
			return nil, identity{}, apperrors.New(apperrors.CodeUnauthorized, "token does not grant access to this session")
		}
		return session, identity{isOwner: true}, nil
	}

	if session.GalleryToken == "" || req.GalleryToken != session.GalleryToken {
		return nil, identity{}, apperrors.New(apperrors.CodeUnauthorized, "gallery token rejected")
	}
	if session.GalleryExpiresAt != nil && p.clock().After(*session.GalleryExpiresAt) {
		return nil, identity{}, apperrors.New(apperrors.CodeExpiredAccess, "gallery access window has closed")
	}

	clientKey, err := auth.DeriveClientKey(p.gallery.ClientKeySecret, session.ID.String(), req.GalleryToken)
	if err != nil {
		return nil, identity{}, apperrors.Wrap(apperrors.CodeSystem, err, "deriving client key")
	}
	return session, identity{clientKey: clientKey}, nil
}

func (p *Pipeline) runPolicy(ctx context.Context, sessionID uuid.UUID) (*models.DownloadPolicy, error) {
	defer p.observe(StagePolicy, p.clock())
	return p.policies.GetPolicy(ctx, sessionID)
}

func (p *Pipeline) runEntitlement(ctx context.Context, req Request, caller identity) error {
	defer p.observe(StageEntitlement, p.clock())
	return p.ledger.AuthorizeDownload(ctx, entitlement.AuthorizeInput{
		SessionID: req.SessionID,
		ClientKey: caller.clientKey,
		AssetID:   req.AssetRef,
		IsOwner:   caller.isOwner,
	})
}

func (p *Pipeline) runLookup(ctx context.Context, req Request) (*models.SessionFile, error) {
	defer p.observe(StageLookup, p.clock())
	file, err := p.sessions.FindFile(ctx, req.SessionID, req.AssetRef)
	if err != nil {
		return nil, err
	}
	if file.StorageKey == "" {
		return nil, apperrors.New(apperrors.CodeFileNotFound, "photo has no stored object")
	}
	return file, nil
}

// runDelivery opens the object stream behind the storage breaker, falling
// back to the local backup copy when the store is unhealthy. The history row
// is written before the stream is handed out; a client that aborts mid-body
// has still consumed the download.
func (p *Pipeline) runDelivery(ctx context.Context, req Request, session *models.Session, caller identity, policy *models.DownloadPolicy, file *models.SessionFile, downloadID uuid.UUID) (*Result, error) {
	defer p.observe(StageDelivery, p.clock())

	op, err := p.resources.Begin(ctx, "download:"+downloadID.String())
	if err != nil {
		return nil, err
	}

	// Each guard attempt publishes into the shared slot itself: a timed-out
	// attempt whose goroutine finishes late sees its canceled context, closes
	// the stream it opened and publishes nothing, so it can neither race a
	// retry nor leak the connection.
	fetch := &fetchResult{}
	err = p.guard.ExecuteWithFallback(ctx, enums.ServiceStorage,
		func(ctx context.Context) error {
			stream, info, fetchErr := p.store.GetStream(ctx, file.StorageKey)
			if fetchErr != nil {
				return fetchErr
			}
			if !fetch.publish(ctx, stream, info, false) {
				_ = stream.Close()
				return ctx.Err()
			}
			return nil
		},
		func(ctx context.Context) error {
			stream, info, fetchErr := p.store.GetBackup(file.StorageKey)
			if fetchErr != nil {
				return fetchErr
			}
			if !fetch.publish(ctx, stream, info, true) {
				_ = stream.Close()
				return ctx.Err()
			}
			if p.logger != nil {
				p.logger.Warn(ctx, "serving download from local backup")
			}
			return nil
		},
	)
	if err != nil {
		_ = op.Close()
		p.recordHistory(ctx, req, caller, enums.DownloadStatusFailed)
		return nil, err
	}

	stream, info, fromBackup, ok := fetch.take()
	if !ok {
		_ = op.Close()
		p.recordHistory(ctx, req, caller, enums.DownloadStatusFailed)
		return nil, apperrors.New(apperrors.CodeSystem, "download stream unavailable")
	}

	// Owners always receive the original; gallery clients get the policy's
	// watermark treatment when one is configured.
	if p.watermark != nil && !caller.isOwner && len(policy.WatermarkJSON) > 0 {
		marked, markedInfo, wmErr := p.watermark.Apply(ctx, policy.WatermarkJSON, stream, info)
		if wmErr != nil {
			_ = stream.Close()
			_ = op.Close()
			p.recordHistory(ctx, req, caller, enums.DownloadStatusFailed)
			return nil, apperrors.Wrap(apperrors.CodeSystem, wmErr, "applying watermark")
		}
		stream, info = marked, markedInfo
	}

	if _, err := op.Track(lifecycle.KindStream, stream.Close); err != nil {
		_ = stream.Close()
		_ = op.Close()
		return nil, err
	}

	p.recordHistory(ctx, req, caller, enums.DownloadStatusCompleted)
	if p.logger != nil {
		p.logger.Info(ctx, "download delivered")
	}

	result := &Result{
		DownloadID:  downloadID,
		Filename:    file.Filename,
		ContentType: contentType(file, info),
		SizeBytes:   sizeBytes(file, info),
		FromBackup:  fromBackup,
		Stream:      &trackedStream{reader: stream, op: op},
	}
	return result, nil
}

// recordHistory never fails the delivery: the audit write is best-effort
// once the entitlement has already been spent.
func (p *Pipeline) recordHistory(ctx context.Context, req Request, caller identity, status enums.DownloadStatus) {
	if err := p.ledger.RecordDelivery(ctx, req.SessionID, caller.historyKey(), req.AssetRef, status); err != nil && p.logger != nil {
		p.logger.Error(ctx, "failed to record download history", err)
	}
}

func (p *Pipeline) observe(stage string, start time.Time) {
	p.metrics.ObserveStage(stage, p.clock().Sub(start))
}

func (p *Pipeline) withFields(ctx context.Context, fields map[string]any) context.Context {
	if p.logger == nil {
		return ctx
	}
	return p.logger.WithFields(ctx, fields)
}

func contentType(file *models.SessionFile, info object.ObjectInfo) string {
	if info.ContentType != "" {
		return info.ContentType
	}
	if file.ContentType != "" {
		return file.ContentType
	}
	return "application/octet-stream"
}

func sizeBytes(file *models.SessionFile, info object.ObjectInfo) int64 {
	if info.SizeBytes > 0 {
		return info.SizeBytes
	}
	return file.SizeBytes
}

// fetchResult is the single winner slot for the guarded fetch. Attempts
// publish under the lock and only while their context is still live, so an
// abandoned attempt can tell it lost and clean up after itself.
type fetchResult struct {
	mu         sync.Mutex
	stream     io.ReadCloser
	info       object.ObjectInfo
	fromBackup bool
	done       bool
}

// publish records the attempt's stream unless the attempt was abandoned or a
// previous attempt already won. It reports whether ownership transferred.
func (f *fetchResult) publish(ctx context.Context, stream io.ReadCloser, info object.ObjectInfo, fromBackup bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil || f.done {
		return false
	}
	f.stream = stream
	f.info = info
	f.fromBackup = fromBackup
	f.done = true
	return true
}

// take hands the winning stream to the caller. The slot stays done so a
// straggling attempt can never publish after delivery started.
func (f *fetchResult) take() (io.ReadCloser, object.ObjectInfo, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done || f.stream == nil {
		return nil, object.ObjectInfo{}, false, false
	}
	stream := f.stream
	f.stream = nil
	return stream, f.info, f.fromBackup, true
}

// trackedStream ties the response body to its lifecycle operation so the
// tracked resources are released exactly when the caller finishes reading.
type trackedStream struct {
	reader io.ReadCloser
	op     *lifecycle.Operation
}

func (t *trackedStream) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *trackedStream) Close() error {
	return t.op.Close()
}
