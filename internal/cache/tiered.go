package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pipecoord/pipecoord/internal/circuit"
	"github.com/pipecoord/pipecoord/internal/metrics"
	"github.com/pipecoord/pipecoord/internal/store"
	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
	"github.com/pipecoord/pipecoord/pkg/types"
)

// TieredCache composes the in-process L1 map with the remote L2 tier behind
// the read/write circuit breakers.
type TieredCache struct {
	l1         *L1Cache
	remote     store.RemoteStore
	breakers   *circuit.Manager
	collector  *metrics.Collector
	logger     *zap.Logger
	keyPrefix  string
	defaultTTL time.Duration
}

// TieredConfig holds the cache tier settings.
type TieredConfig struct {
	KeyPrefix   string
	L1MaxItems  int
	L1Freshness time.Duration
	DefaultTTL  time.Duration
}

// NewTieredCache creates the two-tier cache.
func NewTieredCache(cfg TieredConfig, remote store.RemoteStore, breakers *circuit.Manager, collector *metrics.Collector, logger *zap.Logger) *TieredCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	return &TieredCache{
		l1:         NewL1Cache(cfg.L1MaxItems, cfg.L1Freshness),
		remote:     remote,
		breakers:   breakers,
		collector:  collector,
		logger:     logger,
		keyPrefix:  cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
	}
}

func (c *TieredCache) cacheKey(key string) string {
	return c.keyPrefix + ":cache:" + key
}

// Get checks L1 first and falls back to L2 through the read breaker. Store
// failures and open circuits degrade to a miss; Get never returns an error
// to the caller.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, types.CacheTier) {
	c.collector.RecordOp(metrics.ComponentCache)

	if value, ok := c.l1.Get(key); ok {
		c.collector.RecordHit(metrics.ComponentCache, types.TierL1.String())
		return value, types.TierL1
	}

	var value []byte
	err := c.breakers.GetBreaker(circuit.ClassRead).Execute(ctx, func(ctx context.Context) error {
		data, err := c.remote.Get(ctx, c.cacheKey(key))
		if err != nil {
			return err
		}
		value = data
		return nil
	})
	if err != nil {
		if coorderr.IsNotFound(err) {
			c.collector.RecordMiss(metrics.ComponentCache)
			return nil, types.TierMiss
		}
		// Open circuit or remote failure: a miss is the safe degradation.
		c.collector.RecordMiss(metrics.ComponentCache)
		c.collector.RecordDegraded(metrics.ComponentCache)
		c.logger.Warn("cache read degraded to miss",
			zap.String("key", key), zap.Error(err))
		return nil, types.TierMiss
	}

	c.l1.Set(key, value)
	c.collector.RecordHit(metrics.ComponentCache, types.TierL2.String())
	return value, types.TierL2
}

// Set writes L1 immediately and L2 through the write breaker with the given
// TTL. An open circuit on the L2 write still succeeds from the caller's point
// of view; other remote failures propagate.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.collector.RecordOp(metrics.ComponentCache)

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.l1.Set(key, value)

	err := c.breakers.GetBreaker(circuit.ClassWrite).Execute(ctx, func(ctx context.Context) error {
		return c.remote.Set(ctx, c.cacheKey(key), value, ttl)
	})
	if err != nil {
		if coorderr.IsCircuitOpen(err) {
			c.collector.RecordDegraded(metrics.ComponentCache)
			c.logger.Warn("cache write degraded to L1 only",
				zap.String("key", key), zap.Error(err))
			return nil
		}
		c.collector.RecordError(metrics.ComponentCache)
		return err
	}
	return nil
}

// Delete removes the key from both tiers. L2 failures propagate.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	c.collector.RecordOp(metrics.ComponentCache)

	c.l1.Delete(key)

	err := c.breakers.GetBreaker(circuit.ClassWrite).Execute(ctx, func(ctx context.Context) error {
		_, err := c.remote.Del(ctx, c.cacheKey(key))
		return err
	})
	if err != nil && !coorderr.IsCircuitOpen(err) {
		c.collector.RecordError(metrics.ComponentCache)
		return err
	}
	return nil
}

// L1Stats exposes the in-process tier's counters.
func (c *TieredCache) L1Stats() types.CacheStats {
	return c.l1.Stats()
}
