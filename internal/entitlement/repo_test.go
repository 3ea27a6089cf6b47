package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

func setupEntitlementTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Each test gets its own private in-memory database; a shared cache would
	// leak rows between tests and break the sweep assertions.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	policies := `
CREATE TABLE IF NOT EXISTS download_policies (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL UNIQUE,
  mode TEXT NOT NULL DEFAULT 'free',
  free_count INTEGER,
  max_per_client INTEGER,
  max_global INTEGER,
  price_per_asset TEXT NOT NULL DEFAULT '0',
  watermark_json TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	entitlements := `
CREATE TABLE IF NOT EXISTS download_entitlements (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  client_key TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  remaining INTEGER NOT NULL DEFAULT 0,
  type TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  paid_at DATETIME,
  expires_at DATETIME,
  ip_address TEXT,
  created_at DATETIME
);`
	history := `
CREATE TABLE IF NOT EXISTS download_history (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  client_key TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at DATETIME
);`
	for _, stmt := range []string{policies, entitlements, history} {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

func seedReservation(t *testing.T, repo *Repository, sessionID uuid.UUID, clientKey, assetID string, expiresAt *time.Time) {
	t.Helper()
	require.NoError(t, repo.CreateBatch(context.Background(), []models.DownloadEntitlement{{
		SessionID: sessionID,
		ClientKey: clientKey,
		AssetID:   assetID,
		Type:      enums.EntitlementTypeCartReservation,
		IsActive:  false,
		ExpiresAt: expiresAt,
	}}))
}

func TestCreateBatchPersistsInactiveReservations(t *testing.T) {
	repo := NewRepository(setupEntitlementTestDB(t))
	ctx := context.Background()
	sessionID := uuid.New()
	clientKey := "ck_0123456789abcdef0123456789abcdef"

	seedReservation(t, repo, sessionID, clientKey, "asset-1", nil)

	// The zero value must reach the database; a column default of true would
	// silently activate the reservation before payment.
	var isActive bool
	require.NoError(t, repo.db.Raw(
		"SELECT is_active FROM download_entitlements WHERE session_id = ? AND asset_id = ?",
		sessionID, "asset-1",
	).Scan(&isActive).Error)
	assert.False(t, isActive)

	active, err := repo.ListActiveForUpdate(ctx, sessionID, clientKey)
	require.NoError(t, err)
	assert.Empty(t, active)

	rows, err := repo.ListReservations(ctx, sessionID, clientKey)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGetPolicyForUpdate(t *testing.T) {
	repo := NewRepository(setupEntitlementTestDB(t))
	ctx := context.Background()
	sessionID := uuid.New()

	freeCount := 5
	require.NoError(t, repo.db.Create(&models.DownloadPolicy{
		ID:        uuid.New(),
		SessionID: sessionID,
		Mode:      enums.PolicyModeFreemium,
		FreeCount: &freeCount,
	}).Error)

	policy, err := repo.GetPolicyForUpdate(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, enums.PolicyModeFreemium, policy.Mode)
	require.NotNil(t, policy.FreeCount)
	assert.Equal(t, 5, *policy.FreeCount)

	_, err = repo.GetPolicyForUpdate(ctx, uuid.New())
	typed := apperrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, apperrors.CodePolicyNotFound, typed.Code())
}

func TestFindConsumableSkipsExpiredRows(t *testing.T) {
	repo := NewRepository(setupEntitlementTestDB(t))
	ctx := context.Background()
	now := time.Now()
	sessionID := uuid.New()
	clientKey := "ck_0123456789abcdef0123456789abcdef"

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, repo.CreateBatch(ctx, []models.DownloadEntitlement{
		{SessionID: sessionID, ClientKey: clientKey, AssetID: "asset-expired", Type: enums.EntitlementTypeDownload, IsActive: true, Remaining: 1, ExpiresAt: &past},
		{SessionID: sessionID, ClientKey: clientKey, AssetID: "asset-live", Type: enums.EntitlementTypeDownload, IsActive: true, Remaining: 1, ExpiresAt: &future},
	}))

	row, err := repo.FindConsumable(ctx, sessionID, clientKey, "asset-expired", now)
	require.NoError(t, err)
	assert.Nil(t, row)

	row, err = repo.FindConsumable(ctx, sessionID, clientKey, "asset-live", now)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "asset-live", row.AssetID)
}

func TestDecrementRemainingDeactivatesExhaustedRows(t *testing.T) {
	repo := NewRepository(setupEntitlementTestDB(t))
	ctx := context.Background()
	sessionID := uuid.New()
	clientKey := "ck_0123456789abcdef0123456789abcdef"

	id := uuid.New()
	require.NoError(t, repo.CreateBatch(ctx, []models.DownloadEntitlement{{
		ID:        id,
		SessionID: sessionID,
		ClientKey: clientKey,
		AssetID:   "asset-1",
		Type:      enums.EntitlementTypeDownload,
		IsActive:  true,
		Remaining: 2,
	}}))

	require.NoError(t, repo.DecrementRemaining(ctx, id))
	var row models.DownloadEntitlement
	require.NoError(t, repo.db.First(&row, "id = ?", id).Error)
	assert.Equal(t, 1, row.Remaining)
	assert.True(t, row.IsActive)

	require.NoError(t, repo.DecrementRemaining(ctx, id))
	require.NoError(t, repo.db.First(&row, "id = ?", id).Error)
	assert.Equal(t, 0, row.Remaining)
	assert.False(t, row.IsActive)

	err := repo.DecrementRemaining(ctx, id)
	typed := apperrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, apperrors.CodeConflict, typed.Code())
}

func TestConvertReservationsPromotesCartRows(t *testing.T) {
	repo := NewRepository(setupEntitlementTestDB(t))
	ctx := context.Background()
	sessionID := uuid.New()
	clientKey := "ck_0123456789abcdef0123456789abcdef"
	paidAt := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	ttl := time.Now().Add(30 * time.Minute)
	seedReservation(t, repo, sessionID, clientKey, "asset-1", &ttl)
	seedReservation(t, repo, sessionID, clientKey, "asset-2", &ttl)
	seedReservation(t, repo, sessionID, "ck_other", "asset-3", &ttl)

	converted, err := repo.ConvertReservations(ctx, sessionID, clientKey, paidAt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), converted)

	remaining, err := repo.ListReservations(ctx, sessionID, clientKey)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	paid, err := repo.HasPaidEntitlement(ctx, sessionID, clientKey, "asset-1", time.Now())
	require.NoError(t, err)
	assert.True(t, paid)

	// the other client's reservation is untouched
	other, err := repo.ListReservations(ctx, sessionID, "ck_other")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestDeleteReservationsLeavesDownloadRows(t *testing.T) {
	repo := NewRepository(setupEntitlementTestDB(t))
	ctx := context.Background()
	sessionID := uuid.New()
	clientKey := "ck_0123456789abcdef0123456789abcdef"

	seedReservation(t, repo, sessionID, clientKey, "asset-1", nil)
	seedReservation(t, repo, sessionID, clientKey, "asset-2", nil)
	require.NoError(t, repo.CreateBatch(ctx, []models.DownloadEntitlement{{
		SessionID: sessionID,
		ClientKey: clientKey,
		AssetID:   "asset-3",
		Type:      enums.EntitlementTypeDownload,
		IsActive:  true,
		Remaining: 1,
	}}))

	removed, err := repo.DeleteReservations(ctx, sessionID, clientKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	row, err := repo.FindConsumable(ctx, sessionID, clientKey, "asset-3", time.Now())
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestDeactivateExpired(t *testing.T) {
	repo := NewRepository(setupEntitlementTestDB(t))
	ctx := context.Background()
	sessionID := uuid.New()
	now := time.Now()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, repo.CreateBatch(ctx, []models.DownloadEntitlement{
		{SessionID: sessionID, ClientKey: "ck_a", AssetID: "asset-1", Type: enums.EntitlementTypeDownload, IsActive: true, Remaining: 1, ExpiresAt: &past},
		{SessionID: sessionID, ClientKey: "ck_b", AssetID: "asset-2", Type: enums.EntitlementTypeDownload, IsActive: true, Remaining: 1, ExpiresAt: &future},
		{SessionID: sessionID, ClientKey: "ck_c", AssetID: "asset-3", Type: enums.EntitlementTypeDownload, IsActive: true, Remaining: 1},
	}))

	swept, err := repo.DeactivateExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	active, err := repo.CountActiveForSession(ctx, sessionID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
}

func TestDownloadHistoryCounts(t *testing.T) {
	repo := NewRepository(setupEntitlementTestDB(t))
	ctx := context.Background()
	sessionID := uuid.New()
	clientKey := "ck_0123456789abcdef0123456789abcdef"

	for _, status := range []enums.DownloadStatus{
		enums.DownloadStatusCompleted,
		enums.DownloadStatusCompleted,
		enums.DownloadStatusFailed,
	} {
		require.NoError(t, repo.RecordHistory(ctx, &models.DownloadHistory{
			SessionID: sessionID,
			ClientKey: clientKey,
			AssetID:   "asset-1",
			Status:    status,
		}))
	}

	count, err := repo.CountCompletedDownloads(ctx, sessionID, clientKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
