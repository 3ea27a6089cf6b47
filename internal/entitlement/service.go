package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/kmwilder/proofroom-backend/internal/security"
	"github.com/kmwilder/proofroom-backend/pkg/auth"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type abuseChecker interface {
	Check(ctx context.Context, meta security.RequestMeta) error
}

// ReserveInput is one allocation request against a session's policy.
type ReserveInput struct {
	SessionID uuid.UUID
	ClientKey string
	AssetIDs  []string
	SourceIP  string
	UserAgent string
}

// ReserveResult reports the outcome of an allocation.
type ReserveResult struct {
	Granted         []string
	Reserved        []string
	PaymentRequired bool
	PaymentAmount   decimal.Decimal
	Quota           QuotaSnapshot
}

// Ledger is the atomic bookkeeping engine for download entitlements. All
// grant decisions run inside one transaction with row locks scoped to the
// policy row and the client's own entitlement rows.
type Ledger struct {
	repo     *Repository
	tx       txRunner
	cache    *QuotaCache
	detector abuseChecker
	events   *security.EventLog
	logger   *logger.Logger
	metrics  *metrics.DownloadMetrics
	cfg      config.QuotaConfig
	clock    func() time.Time
}

// NewLedger builds the ledger service.
func NewLedger(repo *Repository, tx txRunner, cache *QuotaCache, detector abuseChecker, events *security.EventLog, logg *logger.Logger, m *metrics.DownloadMetrics, cfg config.QuotaConfig) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("entitlement repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &Ledger{
		repo:     repo,
		tx:       tx,
		cache:    cache,
		detector: detector,
		events:   events,
		logger:   logg,
		metrics:  m,
		cfg:      cfg,
		clock:    time.Now,
	}, nil
}

// Reserve decides how many of the requested assets are free and how many
// need payment, and persists the decision atomically. Partial grants never
// survive a failed step.
func (l *Ledger) Reserve(ctx context.Context, input ReserveInput) (*ReserveResult, error) {
	if len(input.AssetIDs) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "at least one asset id is required")
	}
	if !auth.ValidClientKey(input.ClientKey) {
		if l.events != nil {
			l.events.Record(security.Event{
				Kind:      security.EventInvalidKey,
				SessionID: input.SessionID.String(),
				ClientKey: input.ClientKey,
				SourceIP:  input.SourceIP,
				Detail:    "malformed client key on reserve",
			})
		}
		return nil, apperrors.New(apperrors.CodeValidation, "invalid client key")
	}
	if hasDuplicates(input.AssetIDs) {
		return nil, apperrors.New(apperrors.CodeValidation, "duplicate asset ids in request")
	}

	if l.detector != nil {
		if err := l.detector.Check(ctx, security.RequestMeta{
			SessionID: input.SessionID.String(),
			ClientKey: input.ClientKey,
			SourceIP:  input.SourceIP,
			UserAgent: input.UserAgent,
		}); err != nil {
			return nil, err
		}
	}

	var result *ReserveResult
	err := l.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		result, txErr = l.reserveLocked(ctx, l.repo.WithTx(tx), input)
		return txErr
	})
	if err != nil {
		l.noteDenial(ctx, input, err)
		return nil, err
	}

	key := QuotaKey{SessionID: input.SessionID, ClientKey: input.ClientKey}
	l.cache.Invalidate(key)

	logCtx := l.withAuditFields(ctx, input)
	if l.logger != nil {
		l.logger.Info(logCtx, fmt.Sprintf("reserved entitlements: granted=%d reserved=%d", len(result.Granted), len(result.Reserved)))
	}
	return result, nil
}

func (l *Ledger) reserveLocked(ctx context.Context, repo *Repository, input ReserveInput) (*ReserveResult, error) {
	policy, err := repo.GetPolicyForUpdate(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	now := l.clock()

	if policy.Mode == enums.PolicyModeFree {
		// Free sessions grant outright, no rows required.
		return &ReserveResult{
			Granted:       append([]string(nil), input.AssetIDs...),
			PaymentAmount: decimal.Zero,
			Quota:         QuotaSnapshot{Mode: string(policy.Mode), ComputedAt: now},
		}, nil
	}

	rows, err := repo.ListActiveForUpdate(ctx, input.SessionID, input.ClientKey)
	if err != nil {
		return nil, err
	}

	activeTotal := 0
	freeUsed := 0
	downloadable := make(map[string]bool)
	for _, row := range rows {
		if row.Consumable(now) {
			activeTotal++
			downloadable[row.AssetID] = true
			if row.PaidAt == nil {
				freeUsed++
			}
		}
	}

	// Cart reservations are inactive rows, so the active listing above never
	// sees them. Read them explicitly for the duplicate check.
	reservations, err := repo.ListReservations(ctx, input.SessionID, input.ClientKey)
	if err != nil {
		return nil, err
	}
	reserved := make(map[string]bool, len(reservations))
	for _, row := range reservations {
		reserved[row.AssetID] = true
	}

	requested := len(input.AssetIDs)
	if policy.MaxPerClient != nil && activeTotal+requested > *policy.MaxPerClient {
		return nil, apperrors.New(apperrors.CodeClientQuota, "client download limit reached").
			WithDetails(map[string]any{
				"active":         activeTotal,
				"requested":      requested,
				"max_per_client": *policy.MaxPerClient,
			})
	}
	if policy.MaxGlobal != nil {
		globalActive, err := repo.CountActiveForSession(ctx, input.SessionID, now)
		if err != nil {
			return nil, err
		}
		if globalActive+int64(requested) > int64(*policy.MaxGlobal) {
			return nil, apperrors.New(apperrors.CodeGlobalQuota, "session download limit reached").
				WithDetails(map[string]any{
					"active":     globalActive,
					"requested":  requested,
					"max_global": *policy.MaxGlobal,
				})
		}
	}

	for _, assetID := range input.AssetIDs {
		if reserved[assetID] || downloadable[assetID] {
			return nil, apperrors.New(apperrors.CodeConflict, fmt.Sprintf("asset %s is already in the cart or downloadable", assetID))
		}
	}

	grant := 0
	if policy.Mode == enums.PolicyModeFreemium {
		freeCount := 0
		if policy.FreeCount != nil {
			freeCount = *policy.FreeCount
		}
		remainingFree := freeCount - freeUsed
		if remainingFree < 0 {
			remainingFree = 0
		}
		grant = remainingFree
		if grant > requested {
			grant = requested
		}
	}

	var inserts []models.DownloadEntitlement
	granted := make([]string, 0, grant)
	needPayment := make([]string, 0, requested-grant)
	expiry := now.Add(l.entitlementExpiry())
	var sourceIP *string
	if input.SourceIP != "" {
		ip := input.SourceIP
		sourceIP = &ip
	}

	for i, assetID := range input.AssetIDs {
		if i < grant {
			granted = append(granted, assetID)
			inserts = append(inserts, models.DownloadEntitlement{
				SessionID: input.SessionID,
				ClientKey: input.ClientKey,
				AssetID:   assetID,
				Remaining: 1,
				Type:      enums.EntitlementTypeDownload,
				IsActive:  true,
				ExpiresAt: &expiry,
				IPAddress: sourceIP,
			})
			continue
		}
		needPayment = append(needPayment, assetID)
		inserts = append(inserts, models.DownloadEntitlement{
			SessionID: input.SessionID,
			ClientKey: input.ClientKey,
			AssetID:   assetID,
			Remaining: 0,
			Type:      enums.EntitlementTypeCartReservation,
			IsActive:  false,
			IPAddress: sourceIP,
		})
	}

	if err := repo.CreateBatch(ctx, inserts); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSystem, err, "persisting entitlements")
	}

	amount := policy.PricePerAsset.Mul(decimal.NewFromInt(int64(len(needPayment))))
	return &ReserveResult{
		Granted:         granted,
		Reserved:        needPayment,
		PaymentRequired: len(needPayment) > 0,
		PaymentAmount:   amount,
		Quota: QuotaSnapshot{
			Mode:             string(policy.Mode),
			FreeUsed:         freeUsed + len(granted),
			FreeRemaining:    freeRemaining(policy, freeUsed+len(granted)),
			ActiveDownloads:  activeTotal + len(granted),
			CartReservations: len(reserved) + len(needPayment),
			ComputedAt:       now,
		},
	}, nil
}

// Snapshot returns the client's quota position, cache-first. The boolean
// reports whether the value was freshly computed.
func (l *Ledger) Snapshot(ctx context.Context, sessionID uuid.UUID, clientKey string) (QuotaSnapshot, bool, error) {
	key := QuotaKey{SessionID: sessionID, ClientKey: clientKey}
	if snapshot, ok := l.cache.Get(key); ok {
		return snapshot, false, nil
	}

	policy, err := l.repo.GetPolicy(ctx, sessionID)
	if err != nil {
		return QuotaSnapshot{}, false, err
	}
	now := l.clock()

	rows, err := l.repo.listAll(ctx, sessionID, clientKey)
	if err != nil {
		return QuotaSnapshot{}, false, err
	}

	snapshot := QuotaSnapshot{Mode: string(policy.Mode), ComputedAt: now}
	for _, row := range rows {
		switch {
		case row.Consumable(now):
			snapshot.ActiveDownloads++
			if row.PaidAt == nil {
				snapshot.FreeUsed++
			}
		case row.Type == enums.EntitlementTypeCartReservation:
			snapshot.CartReservations++
		}
	}
	snapshot.FreeRemaining = freeRemaining(policy, snapshot.FreeUsed)

	l.cache.Put(key, snapshot)
	return snapshot, true, nil
}

// Invalidate drops the cached snapshot for a client.
func (l *Ledger) Invalidate(sessionID uuid.UUID, clientKey string) {
	l.cache.Invalidate(QuotaKey{SessionID: sessionID, ClientKey: clientKey})
}

func (l *Ledger) withAuditFields(ctx context.Context, input ReserveInput) context.Context {
	if l.logger == nil {
		return ctx
	}
	return l.logger.WithFields(ctx, map[string]any{
		"session_id": input.SessionID.String(),
		"client_key": input.ClientKey,
		"source_ip":  input.SourceIP,
		"assets":     len(input.AssetIDs),
	})
}

func (l *Ledger) noteDenial(ctx context.Context, input ReserveInput, err error) {
	appErr := apperrors.As(err)
	if appErr == nil {
		return
	}
	switch appErr.Code() {
	case apperrors.CodeClientQuota, apperrors.CodeGlobalQuota:
		l.metrics.IncDenial(string(appErr.Code()))
		if l.events != nil {
			l.events.Record(security.Event{
				Kind:      security.EventQuotaRejection,
				SessionID: input.SessionID.String(),
				ClientKey: input.ClientKey,
				SourceIP:  input.SourceIP,
				Detail:    appErr.Message(),
			})
		}
		if l.logger != nil {
			l.logger.Warn(l.withAuditFields(ctx, input), "reservation denied: "+appErr.Message())
		}
	case apperrors.CodeRateLimit, apperrors.CodeSuspicious:
		l.metrics.IncDenial(string(appErr.Code()))
	}
}

func (l *Ledger) entitlementExpiry() time.Duration {
	if l.cfg.EntitlementExpiry <= 0 {
		return 30 * time.Minute
	}
	return l.cfg.EntitlementExpiry
}

func freeRemaining(policy *models.DownloadPolicy, freeUsed int) int {
	if policy.Mode != enums.PolicyModeFreemium || policy.FreeCount == nil {
		return 0
	}
	remaining := *policy.FreeCount - freeUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func hasDuplicates(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}
