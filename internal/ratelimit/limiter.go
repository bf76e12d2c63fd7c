// Package ratelimit implements sliding-window admission control per
// identifier on top of the remote store's sorted sets.
//
// A request is admitted iff the count of recorded timestamps within the
// trailing window is strictly below the limit; the count-and-record step is
// a single atomic store operation. On store failure the policy is fail-open:
// rate limiting is advisory and must never block the pipeline.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipecoord/pipecoord/internal/metrics"
	"github.com/pipecoord/pipecoord/internal/store"
	"github.com/pipecoord/pipecoord/pkg/types"
)

// Limiter performs sliding-window checks.
type Limiter struct {
	remote    store.RemoteStore
	collector *metrics.Collector
	logger    *zap.Logger
	keyPrefix string
}

// NewLimiter creates the rate limiter component.
func NewLimiter(keyPrefix string, remote store.RemoteStore, collector *metrics.Collector, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		remote:    remote,
		collector: collector,
		logger:    logger,
		keyPrefix: keyPrefix,
	}
}

func (l *Limiter) rateKey(identifier string) string {
	return l.keyPrefix + ":rate:" + identifier
}

// Check records an event for the identifier if admission is allowed and
// reports the decision. Invalid parameters deny with a zero-window info;
// store failures fail open with Degraded set, never as a hard error.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int, window time.Duration) (bool, types.RateInfo) {
	l.collector.RecordOp(metrics.ComponentRateLimit)

	now := time.Now()
	info := types.RateInfo{
		Limit:   limit,
		ResetAt: now.Add(window),
	}

	if identifier == "" || limit <= 0 || window <= 0 {
		l.collector.RecordError(metrics.ComponentRateLimit)
		return false, info
	}

	count, allowed, err := l.remote.SlidingWindowCount(
		ctx, l.rateKey(identifier), limit, window, now, uuid.NewString())
	if err != nil {
		// Fail open: the pipeline must not stall behind a limiter outage.
		l.collector.RecordDegraded(metrics.ComponentRateLimit)
		l.logger.Warn("rate check failed open",
			zap.String("identifier", identifier), zap.Error(err))
		info.Degraded = true
		return true, info
	}

	info.Count = int(count)
	if allowed {
		l.collector.RecordHit(metrics.ComponentRateLimit, "allowed")
	} else {
		l.collector.RecordMiss(metrics.ComponentRateLimit)
	}
	return allowed, info
}
