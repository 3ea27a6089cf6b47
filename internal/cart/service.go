package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/internal/entitlement"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	"github.com/kmwilder/proofroom-backend/pkg/db/models"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

// ledger is the slice of the entitlement ledger the cart manager drives.
type ledger interface {
	Reserve(ctx context.Context, input entitlement.ReserveInput) (*entitlement.ReserveResult, error)
	Snapshot(ctx context.Context, sessionID uuid.UUID, clientKey string) (entitlement.QuotaSnapshot, bool, error)
	Invalidate(sessionID uuid.UUID, clientKey string)
}

type reservationReader interface {
	ListReservations(ctx context.Context, sessionID uuid.UUID, clientKey string) ([]models.DownloadEntitlement, error)
	DeleteReservations(ctx context.Context, sessionID uuid.UUID, clientKey string) (int64, error)
}

// AddInput is one cart mutation request.
type AddInput struct {
	SessionID uuid.UUID
	ClientKey string
	AssetIDs  []string
	SourceIP  string
	UserAgent string
}

// ReservationView is one live cart line.
type ReservationView struct {
	AssetID   string    `json:"asset_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Status is the read-only cart view.
type Status struct {
	Quota        entitlement.QuotaSnapshot `json:"quota"`
	Reservations []ReservationView         `json:"reservations"`
	Warning      string                    `json:"warning,omitempty"`
}

// Service serializes per-(session, client) cart mutations on top of the
// ledger. The lease lock is held only around database work, never across a
// call to an external service.
type Service struct {
	ledger ledger
	repo   reservationReader
	locks  lockStore
	logger *logger.Logger
	cfg    config.CartConfig
}

// NewService builds a cart service.
func NewService(ledger ledger, repo reservationReader, locks lockStore, logg *logger.Logger, cfg config.CartConfig) (*Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("entitlement ledger required")
	}
	if repo == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock store required")
	}
	return &Service{
		ledger: ledger,
		repo:   repo,
		locks:  locks,
		logger: logg,
		cfg:    cfg,
	}, nil
}

// AddToCart reserves the requested assets under the client's cart lock.
// Failures leave no partial cart state.
func (s *Service) AddToCart(ctx context.Context, input AddInput) (*entitlement.ReserveResult, error) {
	if len(input.AssetIDs) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "at least one asset id is required")
	}
	if max := s.maxBatchSize(); len(input.AssetIDs) > max {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("at most %d assets per request", max))
	}

	lock, err := acquireCartLock(ctx, s.locks, input.SessionID.String(), input.ClientKey, s.lockTTL(), s.lockWait())
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, lock)

	existing, err := s.repo.ListReservations(ctx, input.SessionID, input.ClientKey)
	if err != nil {
		return nil, err
	}
	if max := s.maxBatchSize(); len(existing)+len(input.AssetIDs) > max {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("cart cannot exceed %d assets", max)).
			WithDetails(map[string]any{"in_cart": len(existing), "adding": len(input.AssetIDs)})
	}

	return s.ledger.Reserve(ctx, entitlement.ReserveInput{
		SessionID: input.SessionID,
		ClientKey: input.ClientKey,
		AssetIDs:  input.AssetIDs,
		SourceIP:  input.SourceIP,
		UserAgent: input.UserAgent,
	})
}

// ClearCart deletes all of the client's reservations under the cart lock.
func (s *Service) ClearCart(ctx context.Context, sessionID uuid.UUID, clientKey string) (int64, error) {
	lock, err := acquireCartLock(ctx, s.locks, sessionID.String(), clientKey, s.lockTTL(), s.lockWait())
	if err != nil {
		return 0, err
	}
	defer s.releaseLock(ctx, lock)

	removed, err := s.repo.DeleteReservations(ctx, sessionID, clientKey)
	if err != nil {
		return 0, err
	}
	s.ledger.Invalidate(sessionID, clientKey)
	return removed, nil
}

// GetCartStatus reports the client's quota position and live cart lines.
// A count mismatch between the two reads is reported as a warning, not an
// error: it usually means expired rows the sweeper has not reaped yet.
func (s *Service) GetCartStatus(ctx context.Context, sessionID uuid.UUID, clientKey string) (*Status, error) {
	snapshot, _, err := s.ledger.Snapshot(ctx, sessionID, clientKey)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.ListReservations(ctx, sessionID, clientKey)
	if err != nil {
		return nil, err
	}

	status := &Status{Quota: snapshot}
	for _, row := range rows {
		status.Reservations = append(status.Reservations, ReservationView{
			AssetID:   row.AssetID,
			CreatedAt: row.CreatedAt,
		})
	}
	if len(rows) != snapshot.CartReservations {
		status.Warning = fmt.Sprintf("cart holds %d rows but quota snapshot expected %d", len(rows), snapshot.CartReservations)
		if s.logger != nil {
			s.logger.Warn(ctx, status.Warning)
		}
	}
	return status, nil
}

func (s *Service) releaseLock(ctx context.Context, lock *lease) {
	if err := lock.release(ctx); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "failed to release cart lock: "+err.Error())
	}
}

func (s *Service) maxBatchSize() int {
	if s.cfg.MaxBatchSize <= 0 {
		return 50
	}
	return s.cfg.MaxBatchSize
}

func (s *Service) lockTTL() time.Duration {
	if s.cfg.LockTTL <= 0 {
		return 30 * time.Second
	}
	return s.cfg.LockTTL
}

func (s *Service) lockWait() time.Duration {
	if s.cfg.LockWait <= 0 {
		return 5 * time.Second
	}
	return s.cfg.LockWait
}
