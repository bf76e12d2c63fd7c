// Package coordinator exposes the coordination layer's single entry point.
//
// A Coordinator is constructed once at process startup and shared by all
// pipeline workers; every method is safe for concurrent use. There are no
// module-level singletons: lifecycle is the explicit New/Close pair.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pipecoord/pipecoord/internal/cache"
	"github.com/pipecoord/pipecoord/internal/circuit"
	"github.com/pipecoord/pipecoord/internal/codec"
	"github.com/pipecoord/pipecoord/internal/config"
	"github.com/pipecoord/pipecoord/internal/metrics"
	"github.com/pipecoord/pipecoord/internal/queue"
	"github.com/pipecoord/pipecoord/internal/ratelimit"
	"github.com/pipecoord/pipecoord/internal/store"
	"github.com/pipecoord/pipecoord/internal/stream"
	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
	"github.com/pipecoord/pipecoord/pkg/types"
)

// Coordinator composes the tiered cache, priority queue, stream bus, rate
// limiter and stats collector over one shared remote store.
type Coordinator struct {
	cfg       *config.Configuration
	remote    store.RemoteStore
	breakers  *circuit.Manager
	collector *metrics.Collector
	cache     *cache.TieredCache
	queue     *queue.PriorityQueue
	bus       *stream.Bus
	limiter   *ratelimit.Limiter
	codec     *codec.Adapter
	logger    *zap.Logger
	ownsStore bool
}

// New creates a coordinator from configuration. An empty redis address
// selects the in-memory store, which is suitable for tests and
// single-process deployments.
func New(cfg *config.Configuration, logger *zap.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, coorderr.NewError(coorderr.ErrCodeInvalidArgument, err.Error()).
			WithComponent("coordinator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var remote store.RemoteStore
	if cfg.Redis.Addr == "" {
		remote = store.NewMemoryStore()
		logger.Info("using in-memory store")
	} else {
		redisStore, err := store.NewRedisStore(store.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  time.Duration(cfg.Redis.DialTimeoutSeconds) * time.Second,
			ReadTimeout:  time.Duration(cfg.Redis.ReadTimeoutSeconds) * time.Second,
			WriteTimeout: time.Duration(cfg.Redis.WriteTimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		remote = redisStore
	}

	c, err := NewWithStore(cfg, remote, logger)
	if err != nil {
		_ = remote.Close()
		return nil, err
	}
	c.ownsStore = true
	return c, nil
}

// NewWithStore creates a coordinator over a caller-supplied store. The
// caller keeps ownership of the store's lifecycle.
func NewWithStore(cfg *config.Configuration, remote store.RemoteStore, logger *zap.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, coorderr.NewError(coorderr.ErrCodeInvalidArgument, err.Error()).
			WithComponent("coordinator")
	}
	if remote == nil {
		return nil, coorderr.NewError(coorderr.ErrCodeInvalidArgument, "remote store is required").
			WithComponent("coordinator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return nil, err
	}

	breakers := circuit.NewManager(circuit.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout(),
	}, logger)
	collector.SetBreakerSource(breakers)

	c := &Coordinator{
		cfg:       cfg,
		remote:    remote,
		breakers:  breakers,
		collector: collector,
		codec:     codec.NewAdapter(),
		logger:    logger,
	}

	c.cache = cache.NewTieredCache(cache.TieredConfig{
		KeyPrefix:   cfg.KeyPrefix,
		L1MaxItems:  cfg.Cache.L1MaxItems,
		L1Freshness: cfg.Cache.L1Freshness(),
		DefaultTTL:  cfg.Cache.DefaultTTL(),
	}, remote, breakers, collector, logger)

	c.queue = queue.NewPriorityQueue(cfg.KeyPrefix, remote, breakers, collector, logger)

	c.bus = stream.NewBus(cfg.KeyPrefix, remote, breakers, collector, logger)
	c.bus.FromBeginning = cfg.Stream.FromBeginning

	c.limiter = ratelimit.NewLimiter(cfg.KeyPrefix, remote, collector, logger)

	if cfg.Metrics.Enabled {
		if err := collector.Start(context.Background()); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Close stops the metrics endpoint and, when the coordinator created the
// store, releases its connections.
func (c *Coordinator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.collector.Stop(ctx); err != nil {
		c.logger.Warn("metrics shutdown failed", zap.Error(err))
	}
	if c.ownsStore {
		return c.remote.Close()
	}
	return nil
}

// CacheGet returns the cached bytes for key. Store outages and open circuits
// degrade to a miss; found is false in both cases.
func (c *Coordinator) CacheGet(ctx context.Context, key string) ([]byte, bool) {
	value, tier := c.cache.Get(ctx, key)
	return value, tier != types.TierMiss
}

// CacheSet writes key to both tiers with the given TTL in seconds
// (0 selects the configured default).
func (c *Coordinator) CacheSet(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return c.cache.Set(ctx, key, value, time.Duration(ttlSeconds)*time.Second)
}

// CacheGetValue is CacheGet plus decoding through the serialization adapter.
func (c *Coordinator) CacheGetValue(ctx context.Context, key string) (interface{}, bool, error) {
	data, found := c.CacheGet(ctx, key)
	if !found {
		return nil, false, nil
	}
	value, err := c.codec.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// CacheSetValue encodes an arbitrary value through the serialization adapter
// and writes it to both tiers.
func (c *Coordinator) CacheSetValue(ctx context.Context, key string, value interface{}, ttlSeconds int) error {
	encoded, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	return c.CacheSet(ctx, key, encoded.Bytes, ttlSeconds)
}

// Enqueue adds a task to the named queue. delaySeconds > 0 defers its
// visibility.
func (c *Coordinator) Enqueue(ctx context.Context, queueName string, payload []byte, priority float64, delaySeconds int) (string, error) {
	return c.queue.Enqueue(ctx, queueName, payload, priority, time.Duration(delaySeconds)*time.Second)
}

// PromoteDue moves due delayed tasks into the ready partition. Callers drive
// this from their own scheduling loop.
func (c *Coordinator) PromoteDue(ctx context.Context, queueName string) (int, error) {
	return c.queue.PromoteDue(ctx, queueName)
}

// DequeueBatch removes and returns up to max highest-priority ready tasks.
// On a mid-batch store failure the tasks already removed are returned
// alongside the error; undelivered tasks stay queued.
func (c *Coordinator) DequeueBatch(ctx context.Context, queueName string, max int) ([]types.Task, error) {
	return c.queue.DequeueBatch(ctx, queueName, max)
}

// Publish appends fields to the topic, trimming it approximately to maxLen.
func (c *Coordinator) Publish(ctx context.Context, topic string, fields map[string]string, maxLen int) (string, error) {
	return c.bus.Publish(ctx, topic, fields, int64(maxLen))
}

// EnsureGroup idempotently creates a consumer group on the topic.
func (c *Coordinator) EnsureGroup(ctx context.Context, topic, group string) error {
	return c.bus.EnsureGroup(ctx, topic, group)
}

// ReadGroup returns up to count messages for the consumer, waiting at most
// blockMillis for new data (0 = non-blocking).
func (c *Coordinator) ReadGroup(ctx context.Context, topic, group, consumer string, count, blockMillis int) ([]types.Message, error) {
	return c.bus.ReadGroup(ctx, topic, group, consumer, count, time.Duration(blockMillis)*time.Millisecond)
}

// Ack retires a message for the group; false means it was already acked or
// unknown.
func (c *Coordinator) Ack(ctx context.Context, topic, group, messageID string) (bool, error) {
	return c.bus.Ack(ctx, topic, group, messageID)
}

// RateCheck performs a sliding-window admission check. It fails open on
// store outages, flagging the degradation in the returned info.
func (c *Coordinator) RateCheck(ctx context.Context, identifier string, limit, windowSeconds int) (bool, types.RateInfo) {
	return c.limiter.Check(ctx, identifier, limit, time.Duration(windowSeconds)*time.Second)
}

// Stats returns a point-in-time snapshot of the layer's counters and breaker
// states.
func (c *Coordinator) Stats() types.StatsSnapshot {
	return c.collector.Snapshot()
}

// L1Stats exposes the in-process cache tier's counters.
func (c *Coordinator) L1Stats() types.CacheStats {
	return c.cache.L1Stats()
}
