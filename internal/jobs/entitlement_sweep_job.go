package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

type expiredDeactivator interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// EntitlementSweepJobParams configure the expired entitlement sweeper.
type EntitlementSweepJobParams struct {
	Logger *logger.Logger
	Repo   expiredDeactivator
}

// NewEntitlementSweepJob builds the job that deactivates expired free
// entitlements so they stop counting toward quota.
func NewEntitlementSweepJob(params EntitlementSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("entitlement repository required")
	}
	return &entitlementSweepJob{
		logg: params.Logger,
		repo: params.Repo,
		now:  time.Now,
	}, nil
}

type entitlementSweepJob struct {
	logg *logger.Logger
	repo expiredDeactivator
	now  func() time.Time
}

func (j *entitlementSweepJob) Name() string {
	return "entitlement-sweep"
}

func (j *entitlementSweepJob) Run(ctx context.Context) error {
	swept, err := j.repo.DeactivateExpired(ctx, j.now())
	if err != nil {
		return fmt.Errorf("deactivate expired entitlements: %w", err)
	}
	if swept > 0 {
		j.logg.Info(j.logg.WithField(ctx, "swept", swept), "deactivated expired entitlements")
	}
	return nil
}
