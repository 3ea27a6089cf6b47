package download

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/internal/entitlement"
	"github.com/kmwilder/proofroom-backend/pkg/auth"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/lifecycle"
	"github.com/kmwilder/proofroom-backend/pkg/resilience"
	"github.com/kmwilder/proofroom-backend/pkg/storage/object"
)

type fakeSessions struct {
	session *models.Session
	file    *models.SessionFile
}

func (f *fakeSessions) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	if f.session == nil || f.session.ID != id {
		return nil, apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	return f.session, nil
}

func (f *fakeSessions) FindFile(ctx context.Context, sessionID uuid.UUID, assetRef string) (*models.SessionFile, error) {
	if f.file == nil || f.file.Filename != assetRef {
		return nil, apperrors.New(apperrors.CodePhotoNotFound, "photo not found in session")
	}
	return f.file, nil
}

type fakePolicies struct {
	policy *models.DownloadPolicy
	err    error
}

func (f *fakePolicies) GetPolicy(ctx context.Context, sessionID uuid.UUID) (*models.DownloadPolicy, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.policy, nil
}

type fakeEntitlements struct {
	authorizeErr error
	lastInput    entitlement.AuthorizeInput
	history      []enums.DownloadStatus
	historyKeys  []string
}

func (f *fakeEntitlements) AuthorizeDownload(ctx context.Context, input entitlement.AuthorizeInput) error {
	f.lastInput = input
	return f.authorizeErr
}

func (f *fakeEntitlements) RecordDelivery(ctx context.Context, sessionID uuid.UUID, clientKey, assetID string, status enums.DownloadStatus) error {
	f.history = append(f.history, status)
	f.historyKeys = append(f.historyKeys, clientKey)
	return nil
}

type fakeStore struct {
	content    string
	streamErr  error
	backup     string
	backupErr  error
	streamHits int
	backupHits int
}

func (f *fakeStore) GetStream(ctx context.Context, key string) (io.ReadCloser, object.ObjectInfo, error) {
	f.streamHits++
	if f.streamErr != nil {
		return nil, object.ObjectInfo{}, f.streamErr
	}
	return io.NopCloser(strings.NewReader(f.content)), object.ObjectInfo{
		Key:         key,
		ContentType: "image/jpeg",
		SizeBytes:   int64(len(f.content)),
	}, nil
}

func (f *fakeStore) GetBackup(key string) (io.ReadCloser, object.ObjectInfo, error) {
	f.backupHits++
	if f.backupErr != nil {
		return nil, object.ObjectInfo{}, f.backupErr
	}
	return io.NopCloser(strings.NewReader(f.backup)), object.ObjectInfo{Key: key, SizeBytes: int64(len(f.backup))}, nil
}

// fakeWatermarker prefixes the body so tests can see the treatment applied.
type fakeWatermarker struct {
	applied  int
	settings json.RawMessage
	err      error
}

func (f *fakeWatermarker) Apply(ctx context.Context, settings json.RawMessage, stream io.ReadCloser, info object.ObjectInfo) (io.ReadCloser, object.ObjectInfo, error) {
	if f.err != nil {
		return nil, object.ObjectInfo{}, f.err
	}
	f.applied++
	f.settings = settings
	marked := struct {
		io.Reader
		io.Closer
	}{io.MultiReader(strings.NewReader("wm:"), stream), stream}
	info.SizeBytes += 3
	return marked, info, nil
}

// passthroughGuard runs the call directly and serves the fallback on failure,
// mirroring the executor's contract without retries or breaker state.
type passthroughGuard struct{}

func (passthroughGuard) ExecuteWithFallback(ctx context.Context, service enums.ServiceName, op resilience.Operation, fallback resilience.Operation) error {
	err := op(ctx)
	if err != nil && fallback != nil {
		return fallback(ctx)
	}
	return err
}

type fixture struct {
	pipeline  *Pipeline
	sessions  *fakeSessions
	policies  *fakePolicies
	ledger    *fakeEntitlements
	store     *fakeStore
	watermark *fakeWatermarker
	resources *lifecycle.Manager
	session   *models.Session
	jwtCfg    config.JWTConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	session := &models.Session{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		Title:        "spring-wedding",
		GalleryToken: "gt_spring_2026",
	}
	sessions := &fakeSessions{
		session: session,
		file: &models.SessionFile{
			ID:         uuid.New(),
			SessionID:  session.ID,
			Filename:   "ceremony-001.jpg",
			StorageKey: "galleries/spring/ceremony-001.jpg",
			SizeBytes:  2048,
		},
	}
	ledger := &fakeEntitlements{}
	store := &fakeStore{content: "jpeg-bytes", backup: "backup-bytes"}
	policies := &fakePolicies{policy: &models.DownloadPolicy{SessionID: session.ID, Mode: enums.PolicyModeFree}}
	watermark := &fakeWatermarker{}
	resources := lifecycle.NewManager(config.ResourceConfig{MaxOperations: 10, MaxStreams: 10}, nil, nil)
	jwtCfg := config.JWTConfig{Secret: "test-secret", Issuer: "proofroom", ExpirationMinutes: 30}

	pipeline, err := NewPipeline(PipelineParams{
		Sessions:  sessions,
		Policies:  policies,
		Ledger:    ledger,
		Store:     store,
		Guard:     passthroughGuard{},
		Watermark: watermark,
		Resources: resources,
		JWT:       jwtCfg,
		Gallery:   config.GalleryConfig{ClientKeySecret: "ck-secret"},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return &fixture{
		pipeline:  pipeline,
		sessions:  sessions,
		policies:  policies,
		ledger:    ledger,
		store:     store,
		watermark: watermark,
		resources: resources,
		session:   session,
		jwtCfg:    jwtCfg,
	}
}

func (f *fixture) galleryRequest() Request {
	return Request{
		SessionID:    f.session.ID,
		AssetRef:     "ceremony-001.jpg",
		GalleryToken: f.session.GalleryToken,
	}
}

func assertCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	appErr := apperrors.As(err)
	if appErr == nil || appErr.Code() != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestRunRejectsMissingCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Run(context.Background(), Request{
		SessionID: f.session.ID,
		AssetRef:  "ceremony-001.jpg",
	})
	assertCode(t, err, apperrors.CodeMissingCredentials)
}

func TestRunRejectsWrongGalleryToken(t *testing.T) {
	f := newFixture(t)
	req := f.galleryRequest()
	req.GalleryToken = "gt_someone_else"
	_, err := f.pipeline.Run(context.Background(), req)
	assertCode(t, err, apperrors.CodeUnauthorized)
}

func TestRunRejectsExpiredGallery(t *testing.T) {
	f := newFixture(t)
	expired := time.Now().Add(-time.Hour)
	f.session.GalleryExpiresAt = &expired
	_, err := f.pipeline.Run(context.Background(), f.galleryRequest())
	assertCode(t, err, apperrors.CodeExpiredAccess)
}

func TestRunRejectsMalformedOwnerToken(t *testing.T) {
	f := newFixture(t)
	req := f.galleryRequest()
	req.GalleryToken = ""
	req.BearerToken = "not-a-jwt"
	_, err := f.pipeline.Run(context.Background(), req)
	assertCode(t, err, apperrors.CodeInvalidToken)
}

func TestRunRejectsForeignOwnerToken(t *testing.T) {
	f := newFixture(t)
	token, err := auth.MintAccessToken(f.jwtCfg, time.Now(), auth.AccessTokenPayload{OwnerID: uuid.New()})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req := f.galleryRequest()
	req.GalleryToken = ""
	req.BearerToken = token
	_, err = f.pipeline.Run(context.Background(), req)
	assertCode(t, err, apperrors.CodeUnauthorized)
}

func TestRunOwnerBypassesQuota(t *testing.T) {
	f := newFixture(t)
	token, err := auth.MintAccessToken(f.jwtCfg, time.Now(), auth.AccessTokenPayload{OwnerID: f.session.OwnerID})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req := f.galleryRequest()
	req.GalleryToken = ""
	req.BearerToken = token

	result, err := f.pipeline.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = result.Stream.Close() }()

	if !f.ledger.lastInput.IsOwner {
		t.Fatal("expected owner flag on entitlement check")
	}
	if len(f.ledger.historyKeys) != 1 || f.ledger.historyKeys[0] != "owner" {
		t.Fatalf("expected owner history key, got %v", f.ledger.historyKeys)
	}
}

func TestRunDeliversToGalleryClient(t *testing.T) {
	f := newFixture(t)
	result, err := f.pipeline.Run(context.Background(), f.galleryRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !strings.HasPrefix(f.ledger.lastInput.ClientKey, "ck_") {
		t.Fatalf("expected derived client key, got %q", f.ledger.lastInput.ClientKey)
	}
	if result.Filename != "ceremony-001.jpg" || result.ContentType != "image/jpeg" {
		t.Fatalf("unexpected result metadata: %+v", result)
	}
	body, err := io.ReadAll(result.Stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(body) != "jpeg-bytes" {
		t.Fatalf("unexpected body %q", body)
	}

	if f.resources.ActiveOperations() != 1 {
		t.Fatalf("expected 1 active operation while stream open, got %d", f.resources.ActiveOperations())
	}
	if err := result.Stream.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if f.resources.ActiveOperations() != 0 {
		t.Fatalf("expected resources released after close, got %d operations", f.resources.ActiveOperations())
	}
	if len(f.ledger.history) != 1 || f.ledger.history[0] != enums.DownloadStatusCompleted {
		t.Fatalf("expected completed history entry, got %v", f.ledger.history)
	}
}

func TestRunPropagatesEntitlementDenial(t *testing.T) {
	f := newFixture(t)
	f.ledger.authorizeErr = apperrors.New(apperrors.CodePaymentRequired, "payment required for this download")
	_, err := f.pipeline.Run(context.Background(), f.galleryRequest())
	assertCode(t, err, apperrors.CodePaymentRequired)
	if len(f.ledger.history) != 0 {
		t.Fatalf("denied request must not write history, got %v", f.ledger.history)
	}
}

func TestRunRejectsFileWithoutObject(t *testing.T) {
	f := newFixture(t)
	f.sessions.file.StorageKey = ""
	_, err := f.pipeline.Run(context.Background(), f.galleryRequest())
	assertCode(t, err, apperrors.CodeFileNotFound)
}

func TestRunFallsBackToLocalBackup(t *testing.T) {
	f := newFixture(t)
	f.store.streamErr = errors.New("connection refused")

	result, err := f.pipeline.Run(context.Background(), f.galleryRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = result.Stream.Close() }()

	if !result.FromBackup {
		t.Fatal("expected backup delivery")
	}
	body, _ := io.ReadAll(result.Stream)
	if string(body) != "backup-bytes" {
		t.Fatalf("unexpected backup body %q", body)
	}
	if f.store.backupHits != 1 {
		t.Fatalf("expected one backup read, got %d", f.store.backupHits)
	}
}

func TestRunAppliesWatermarkForGalleryClient(t *testing.T) {
	f := newFixture(t)
	f.policies.policy.WatermarkJSON = json.RawMessage(`{"text":"PROOF","opacity":0.4}`)

	result, err := f.pipeline.Run(context.Background(), f.galleryRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = result.Stream.Close() }()

	if f.watermark.applied != 1 {
		t.Fatalf("expected watermark applied once, got %d", f.watermark.applied)
	}
	if !strings.Contains(string(f.watermark.settings), "PROOF") {
		t.Fatalf("expected policy settings forwarded, got %s", f.watermark.settings)
	}
	body, err := io.ReadAll(result.Stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(body) != "wm:jpeg-bytes" {
		t.Fatalf("expected watermarked body, got %q", body)
	}
}

func TestRunSkipsWatermarkForOwner(t *testing.T) {
	f := newFixture(t)
	f.policies.policy.WatermarkJSON = json.RawMessage(`{"text":"PROOF"}`)

	token, err := auth.MintAccessToken(f.jwtCfg, time.Now(), auth.AccessTokenPayload{OwnerID: f.session.OwnerID})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req := f.galleryRequest()
	req.GalleryToken = ""
	req.BearerToken = token

	result, err := f.pipeline.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = result.Stream.Close() }()

	if f.watermark.applied != 0 {
		t.Fatal("owner download must receive the original")
	}
	body, _ := io.ReadAll(result.Stream)
	if string(body) != "jpeg-bytes" {
		t.Fatalf("expected original body, got %q", body)
	}
}

func TestRunFailsDeliveryOnWatermarkError(t *testing.T) {
	f := newFixture(t)
	f.policies.policy.WatermarkJSON = json.RawMessage(`{"text":"PROOF"}`)
	f.watermark.err = errors.New("decode failed")

	_, err := f.pipeline.Run(context.Background(), f.galleryRequest())
	assertCode(t, err, apperrors.CodeSystem)
	if len(f.ledger.history) != 1 || f.ledger.history[0] != enums.DownloadStatusFailed {
		t.Fatalf("expected failed history entry, got %v", f.ledger.history)
	}
	if f.resources.ActiveOperations() != 0 {
		t.Fatalf("expected no leaked operations, got %d", f.resources.ActiveOperations())
	}
}

// hungStore opens streams only after a delay and ignores cancellation, the
// way a stalled HTTP dependency does.
type hungStore struct {
	delay  time.Duration
	opened atomic.Int32
	closed atomic.Int32
	backup string
}

func (s *hungStore) GetStream(ctx context.Context, key string) (io.ReadCloser, object.ObjectInfo, error) {
	time.Sleep(s.delay)
	s.opened.Add(1)
	return &closeCounter{Reader: strings.NewReader("slow-bytes"), closed: &s.closed}, object.ObjectInfo{
		Key:         key,
		ContentType: "image/jpeg",
		SizeBytes:   10,
	}, nil
}

func (s *hungStore) GetBackup(key string) (io.ReadCloser, object.ObjectInfo, error) {
	return io.NopCloser(strings.NewReader(s.backup)), object.ObjectInfo{Key: key, SizeBytes: int64(len(s.backup))}, nil
}

type closeCounter struct {
	io.Reader
	closed *atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func TestRunClosesStreamsAbandonedByTimeout(t *testing.T) {
	f := newFixture(t)
	slow := &hungStore{delay: 120 * time.Millisecond, backup: "backup-bytes"}
	exec := resilience.NewExecutor(config.ResilienceConfig{
		FailureThreshold: 10,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 2,
		MaxRetries:       1,
		BaseDelay:        time.Millisecond,
		MaxDelay:         time.Millisecond,
		CallTimeout:      25 * time.Millisecond,
	}, nil, nil)

	pipeline, err := NewPipeline(PipelineParams{
		Sessions:  f.sessions,
		Policies:  f.policies,
		Ledger:    f.ledger,
		Store:     slow,
		Guard:     exec,
		Resources: f.resources,
		JWT:       f.jwtCfg,
		Gallery:   config.GalleryConfig{ClientKeySecret: "ck-secret"},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	result, err := pipeline.Run(context.Background(), f.galleryRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.FromBackup {
		t.Fatal("expected backup delivery after primary timeouts")
	}
	body, _ := io.ReadAll(result.Stream)
	if string(body) != "backup-bytes" {
		t.Fatalf("unexpected body %q", body)
	}
	if err := result.Stream.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	// Both timed-out attempts eventually finish opening their streams; each
	// must close what it opened instead of leaking it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slow.opened.Load() == 2 && slow.closed.Load() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := slow.opened.Load(); got != 2 {
		t.Fatalf("expected 2 abandoned attempts to finish, got %d", got)
	}
	if got := slow.closed.Load(); got != 2 {
		t.Fatalf("abandoned streams leaked: opened=2 closed=%d", got)
	}
	if f.resources.ActiveOperations() != 0 {
		t.Fatalf("expected no active operations after close, got %d", f.resources.ActiveOperations())
	}
}

func TestRunRecordsFailureWhenStorageDown(t *testing.T) {
	f := newFixture(t)
	f.store.streamErr = errors.New("connection refused")
	f.store.backupErr = apperrors.New(apperrors.CodeDependency, "no local backup configured")

	_, err := f.pipeline.Run(context.Background(), f.galleryRequest())
	if err == nil {
		t.Fatal("expected delivery failure")
	}
	if len(f.ledger.history) != 1 || f.ledger.history[0] != enums.DownloadStatusFailed {
		t.Fatalf("expected failed history entry, got %v", f.ledger.history)
	}
	if f.resources.ActiveOperations() != 0 {
		t.Fatalf("expected no leaked operations, got %d", f.resources.ActiveOperations())
	}
}
