package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kmwilder/proofroom-backend/internal/cart"
	"github.com/kmwilder/proofroom-backend/internal/entitlement"
	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/types"
)

const testClientKeySecret = "controller-test-secret"

type fakeSessionReader struct {
	session *models.Session
	err     error
}

func (f *fakeSessionReader) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.session == nil || f.session.ID != id {
		return nil, apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	return f.session, nil
}

type fakeCartService struct {
	addResult    *entitlement.ReserveResult
	addErr       error
	lastAdd      *cart.AddInput
	status       *cart.Status
	clearRemoved int64
	clearErr     error
}

func (f *fakeCartService) AddToCart(_ context.Context, input cart.AddInput) (*entitlement.ReserveResult, error) {
	f.lastAdd = &input
	if f.addErr != nil {
		return nil, f.addErr
	}
	return f.addResult, nil
}

func (f *fakeCartService) ClearCart(_ context.Context, _ uuid.UUID, _ string) (int64, error) {
	return f.clearRemoved, f.clearErr
}

func (f *fakeCartService) GetCartStatus(_ context.Context, _ uuid.UUID, _ string) (*cart.Status, error) {
	return f.status, nil
}

func galleryRequest(method, target string, body io.Reader, sessionID, assetRef string) *http.Request {
	req := httptest.NewRequest(method, target, body)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sessionId", sessionID)
	if assetRef != "" {
		rctx.URLParams.Add("assetRef", assetRef)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func openSession() *models.Session {
	return &models.Session{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		Title:        "spring minis",
		GalleryToken: "share-token-1",
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope types.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Code
}

func TestCartAddReservesAssets(t *testing.T) {
	session := openSession()
	sessions := &fakeSessionReader{session: session}
	svc := &fakeCartService{
		addResult: &entitlement.ReserveResult{
			Granted:         []string{"asset-1"},
			Reserved:        []string{"asset-2"},
			PaymentRequired: true,
			PaymentAmount:   decimal.RequireFromString("12.50"),
			Quota:           entitlement.QuotaSnapshot{Mode: "per_client", FreeRemaining: 0, ComputedAt: time.Now()},
		},
	}

	req := galleryRequest(http.MethodPost, "/api/v1/galleries/"+session.ID.String()+"/cart/items",
		strings.NewReader(`{"asset_ids":["asset-1","asset-2"]}`), session.ID.String(), "")
	req.Header.Set("X-Gallery-Token", session.GalleryToken)
	rec := httptest.NewRecorder()

	CartAdd(svc, sessions, testClientKeySecret, nil)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data reserveResultDTO `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Data.Granted) != 1 || body.Data.Granted[0] != "asset-1" {
		t.Fatalf("unexpected granted: %v", body.Data.Granted)
	}
	if body.Data.PaymentAmount != "12.50" {
		t.Fatalf("expected payment amount 12.50, got %q", body.Data.PaymentAmount)
	}
	if svc.lastAdd == nil {
		t.Fatal("service was not invoked")
	}
	if svc.lastAdd.SessionID != session.ID {
		t.Fatalf("session id mismatch: %s", svc.lastAdd.SessionID)
	}
	if !strings.HasPrefix(svc.lastAdd.ClientKey, "ck_") {
		t.Fatalf("expected derived client key, got %q", svc.lastAdd.ClientKey)
	}
}

func TestCartAddRequiresGalleryToken(t *testing.T) {
	session := openSession()
	svc := &fakeCartService{}

	req := galleryRequest(http.MethodPost, "/cart/items",
		strings.NewReader(`{"asset_ids":["asset-1"]}`), session.ID.String(), "")
	rec := httptest.NewRecorder()

	CartAdd(svc, &fakeSessionReader{session: session}, testClientKeySecret, nil)(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apperrors.CodeMissingCredentials) {
		t.Fatalf("expected MISSING_CREDENTIALS, got %s", code)
	}
	if svc.lastAdd != nil {
		t.Fatal("service must not run without credentials")
	}
}

func TestCartAddRejectsWrongToken(t *testing.T) {
	session := openSession()
	req := galleryRequest(http.MethodPost, "/cart/items",
		strings.NewReader(`{"asset_ids":["asset-1"]}`), session.ID.String(), "")
	req.Header.Set("X-Gallery-Token", "guessed-token")
	rec := httptest.NewRecorder()

	CartAdd(&fakeCartService{}, &fakeSessionReader{session: session}, testClientKeySecret, nil)(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apperrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %s", code)
	}
}

func TestCartAddRejectsExpiredGallery(t *testing.T) {
	session := openSession()
	past := time.Now().Add(-time.Hour)
	session.GalleryExpiresAt = &past

	req := galleryRequest(http.MethodPost, "/cart/items",
		strings.NewReader(`{"asset_ids":["asset-1"]}`), session.ID.String(), "")
	req.Header.Set("X-Gallery-Token", session.GalleryToken)
	rec := httptest.NewRecorder()

	CartAdd(&fakeCartService{}, &fakeSessionReader{session: session}, testClientKeySecret, nil)(rec, req)

	if code := errorCode(t, rec); code != string(apperrors.CodeExpiredAccess) {
		t.Fatalf("expected EXPIRED_ACCESS, got %s", code)
	}
}

func TestCartAddValidatesBody(t *testing.T) {
	session := openSession()
	svc := &fakeCartService{}

	req := galleryRequest(http.MethodPost, "/cart/items",
		strings.NewReader(`{"asset_ids":[]}`), session.ID.String(), "")
	req.Header.Set("X-Gallery-Token", session.GalleryToken)
	rec := httptest.NewRecorder()

	CartAdd(svc, &fakeSessionReader{session: session}, testClientKeySecret, nil)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if svc.lastAdd != nil {
		t.Fatal("service must not run on invalid body")
	}
}

func TestCartAddRejectsMalformedSessionID(t *testing.T) {
	req := galleryRequest(http.MethodPost, "/cart/items",
		strings.NewReader(`{"asset_ids":["asset-1"]}`), "not-a-uuid", "")
	req.Header.Set("X-Gallery-Token", "anything")
	rec := httptest.NewRecorder()

	CartAdd(&fakeCartService{}, &fakeSessionReader{}, testClientKeySecret, nil)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apperrors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestCartStatusReturnsReservations(t *testing.T) {
	session := openSession()
	svc := &fakeCartService{
		status: &cart.Status{
			Quota:        entitlement.QuotaSnapshot{Mode: "per_client", FreeUsed: 2, FreeRemaining: 3},
			Reservations: []cart.ReservationView{{AssetID: "asset-9", CreatedAt: time.Now()}},
		},
	}

	req := galleryRequest(http.MethodGet, "/cart/?gallery_token="+session.GalleryToken, nil, session.ID.String(), "")
	rec := httptest.NewRecorder()

	CartStatus(svc, &fakeSessionReader{session: session}, testClientKeySecret, nil)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data cartStatusDTO `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Data.Quota.FreeRemaining != 3 {
		t.Fatalf("expected 3 free remaining, got %d", body.Data.Quota.FreeRemaining)
	}
	if len(body.Data.Reservations) != 1 || body.Data.Reservations[0].AssetID != "asset-9" {
		t.Fatalf("unexpected reservations: %v", body.Data.Reservations)
	}
}

func TestCartClearReportsRemovedCount(t *testing.T) {
	session := openSession()
	svc := &fakeCartService{clearRemoved: 4}

	req := galleryRequest(http.MethodDelete, "/cart/", nil, session.ID.String(), "")
	req.Header.Set("X-Gallery-Token", session.GalleryToken)
	rec := httptest.NewRecorder()

	CartClear(svc, &fakeSessionReader{session: session}, testClientKeySecret, nil)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data map[string]int64 `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Data["removed"] != 4 {
		t.Fatalf("expected 4 removed, got %d", body.Data["removed"])
	}
}
