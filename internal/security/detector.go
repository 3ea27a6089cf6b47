package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kmwilder/proofroom-backend/pkg/config"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

// RequestMeta carries the request attributes the detector scores.
type RequestMeta struct {
	SessionID string
	ClientKey string
	SourceIP  string
	UserAgent string
}

// limiterStore is the slice of the redis client the detector needs.
type limiterStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
	AddDistinct(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
	CounterKey(name string) string
}

// suspiciousAgentFragments flags automation tooling. An empty user agent is
// scored separately.
var suspiciousAgentFragments = []string{
	"curl", "wget", "python-requests", "scrapy", "httpclient", "go-http-client", "bot", "spider",
}

// Detector applies the per-IP rate limit and a heuristic abuse score before
// any quota work happens. Scores at or above the soft threshold are logged;
// at or above the hard threshold the request is blocked outright.
type Detector struct {
	cfg       config.AbuseConfig
	rateLimit config.RateLimitConfig
	store     limiterStore
	events    *EventLog
	logger    *logger.Logger
}

// NewDetector builds a detector writing rejections to the event log.
func NewDetector(cfg config.AbuseConfig, rateLimit config.RateLimitConfig, store limiterStore, events *EventLog, logg *logger.Logger) *Detector {
	return &Detector{
		cfg:       cfg,
		rateLimit: rateLimit,
		store:     store,
		events:    events,
		logger:    logg,
	}
}

// Check enforces the rate limit and abuse heuristics for one request.
// A nil return means the request may proceed.
func (d *Detector) Check(ctx context.Context, meta RequestMeta) error {
	if d == nil || d.store == nil {
		return nil
	}

	allowed, count, err := d.store.FixedWindowAllow(ctx,
		"reserve:"+meta.SourceIP, int64(d.rateLimit.MaxRequests), d.rateLimit.Window)
	if err != nil {
		// Redis being down must not take allocation down with it.
		if d.logger != nil {
			d.logger.Warn(ctx, "rate limit check unavailable: "+err.Error())
		}
	} else if !allowed {
		d.record(EventRateLimited, meta, fmt.Sprintf("request %d over window limit %d", count, d.rateLimit.MaxRequests))
		return apperrors.New(apperrors.CodeRateLimit, "too many requests, slow down")
	}

	score := d.score(ctx, meta)
	switch {
	case d.cfg.HardBlockScore > 0 && score >= d.cfg.HardBlockScore:
		d.record(EventHardBlocked, meta, fmt.Sprintf("abuse score %d at hard threshold %d", score, d.cfg.HardBlockScore))
		return apperrors.New(apperrors.CodeSuspicious, "request blocked")
	case d.cfg.SoftFlagScore > 0 && score >= d.cfg.SoftFlagScore:
		d.record(EventSuspicious, meta, fmt.Sprintf("abuse score %d at soft threshold %d", score, d.cfg.SoftFlagScore))
	}
	return nil
}

func (d *Detector) score(ctx context.Context, meta RequestMeta) int {
	score := 0

	agent := strings.ToLower(strings.TrimSpace(meta.UserAgent))
	if agent == "" {
		score += 2
	} else {
		for _, fragment := range suspiciousAgentFragments {
			if strings.Contains(agent, fragment) {
				score += 3
				break
			}
		}
	}

	if meta.SourceIP != "" && meta.ClientKey != "" && d.cfg.MaxClientKeysPerIPHour > 0 {
		key := d.store.CounterKey("ip_client_keys:" + meta.SourceIP)
		distinct, err := d.store.AddDistinct(ctx, key, meta.ClientKey, time.Hour)
		if err == nil && distinct > int64(d.cfg.MaxClientKeysPerIPHour) {
			score += 4
		}
	}

	if meta.SourceIP != "" && d.cfg.BurstMaxRequests > 0 {
		_, count, err := d.store.FixedWindowAllow(ctx,
			"burst:"+meta.SourceIP, int64(d.cfg.BurstMaxRequests), d.cfg.BurstWindow)
		if err == nil && count > int64(d.cfg.BurstMaxRequests) {
			score += 3
		}
	}

	return score
}

func (d *Detector) record(kind EventKind, meta RequestMeta, detail string) {
	if d.events == nil {
		return
	}
	d.events.Record(Event{
		Kind:      kind,
		SessionID: meta.SessionID,
		ClientKey: meta.ClientKey,
		SourceIP:  meta.SourceIP,
		Detail:    detail,
	})
}
