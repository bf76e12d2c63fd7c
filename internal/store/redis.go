package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
)

// slidingWindowScript drops window-expired members, counts the remainder and
// conditionally records the new member, all in one atomic server-side step.
// KEYS[1] = window key; ARGV = now-millis, window-millis, limit, member.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return {count + 1, 1}
end
return {count, 0}
`)

// RedisStore implements RemoteStore on top of go-redis.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

var _ RemoteStore = (*RedisStore)(nil)

// RedisConfig holds the connection settings for the remote store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// NewRedisStore creates a RemoteStore backed by a Redis-compatible server and
// verifies connectivity before returning.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, coorderr.NewError(coorderr.ErrCodeInvalidArgument,
			"remote store address is required").WithComponent("store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, mapRedisErr("ping", err)
	}

	logger.Info("connected to remote store", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))

	return &RedisStore{client: client, logger: logger}, nil
}

// mapRedisErr converts a go-redis error into the layer's taxonomy.
func mapRedisErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return coorderr.NewError(coorderr.ErrCodeNotFound, "key not found").
			WithComponent("store").WithOperation(op)
	case strings.HasPrefix(err.Error(), "NOGROUP"):
		// The server is healthy; the group just does not exist. Keep this
		// aligned with the in-memory store so it never counts against the
		// breaker.
		return coorderr.NewError(coorderr.ErrCodeNotFound, "consumer group not found").
			WithComponent("store").WithOperation(op)
	case errors.Is(err, context.DeadlineExceeded):
		return coorderr.NewError(coorderr.ErrCodeOperationTimeout, "remote store call timed out").
			WithComponent("store").WithOperation(op).WithCause(err)
	case errors.Is(err, context.Canceled):
		return coorderr.NewError(coorderr.ErrCodeOperationTimeout, "remote store call canceled").
			WithComponent("store").WithOperation(op).WithCause(err)
	default:
		return coorderr.NewError(coorderr.ErrCodeRemoteUnavailable,
			fmt.Sprintf("remote store %s failed", op)).
			WithComponent("store").WithOperation(op).WithCause(err)
	}
}

// Get retrieves the value at key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, mapRedisErr("get", err)
	}
	return data, nil
}

// Set stores value at key with the given TTL (0 means no expiry).
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return mapRedisErr("set", s.client.Set(ctx, key, value, ttl).Err())
}

// Expire sets the TTL on an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return mapRedisErr("expire", s.client.Expire(ctx, key, ttl).Err())
}

// Del removes the given keys and returns how many existed.
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, mapRedisErr("del", err)
	}
	return n, nil
}

// Incr atomically increments the counter at key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, mapRedisErr("incr", err)
	}
	return n, nil
}

// HSet writes the given hash fields.
func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return mapRedisErr("hset", s.client.HSet(ctx, key, args...).Err())
}

// HGetAll returns all hash fields at key. A missing key yields NOT_FOUND.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, mapRedisErr("hgetall", err)
	}
	if len(fields) == 0 {
		return nil, coorderr.NewError(coorderr.ErrCodeNotFound, "hash not found").
			WithComponent("store").WithOperation("hgetall")
	}
	return fields, nil
}

// ZAdd adds the scored members to the sorted set at key.
func (s *RedisStore) ZAdd(ctx context.Context, key string, members ...ScoredMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return mapRedisErr("zadd", s.client.ZAdd(ctx, key, zs...).Err())
}

// ZRem removes members from the sorted set at key.
func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(ctx, key, args...).Result()
	if err != nil {
		return 0, mapRedisErr("zrem", err)
	}
	return n, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, mapRedisErr("zcard", err)
	}
	return n, nil
}

// ZPopMax atomically removes and returns up to count highest-scored members.
func (s *RedisStore) ZPopMax(ctx context.Context, key string, count int) ([]ScoredMember, error) {
	zs, err := s.client.ZPopMax(ctx, key, int64(count)).Result()
	if err != nil {
		return nil, mapRedisErr("zpopmax", err)
	}
	members := make([]ScoredMember, len(zs))
	for i, z := range zs {
		members[i] = ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return members, nil
}

// ZRangeByScore returns up to limit members with min <= score <= max, lowest
// score first. limit <= 0 means no limit.
func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ScoredMember, error) {
	by := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, by).Result()
	if err != nil {
		return nil, mapRedisErr("zrangebyscore", err)
	}
	members := make([]ScoredMember, len(zs))
	for i, z := range zs {
		members[i] = ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return members, nil
}

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// XAdd appends fields to the stream, trimming it approximately to maxLen.
func (s *RedisStore) XAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", mapRedisErr("xadd", err)
	}
	return id, nil
}

// XGroupCreate creates a consumer group on the stream, creating the stream if
// needed. An already-existing group is not an error.
func (s *RedisStore) XGroupCreate(ctx context.Context, stream, group string, fromBeginning bool) error {
	start := "$"
	if fromBeginning {
		start = "0"
	}
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return mapRedisErr("xgroupcreate", err)
}

// XReadGroup reads entries for the consumer. With pending=true it re-reads
// this consumer's delivered-but-unacked entries; otherwise it reads new
// entries, blocking up to block when the stream is empty.
func (s *RedisStore) XReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration, pending bool) ([]StreamEntry, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Count:    int64(count),
	}
	if pending {
		args.Streams = []string{stream, "0"}
		args.Block = -1
	} else {
		args.Streams = []string{stream, ">"}
		if block > 0 {
			args.Block = block
		} else {
			args.Block = -1
		}
	}

	res, err := s.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Bounded wait elapsed with no data.
			return nil, nil
		}
		return nil, mapRedisErr("xreadgroup", err)
	}

	var entries []StreamEntry
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				fields[k] = fmt.Sprint(v)
			}
			entries = append(entries, StreamEntry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

// XAck acknowledges the given entry ids for the group.
func (s *RedisStore) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	n, err := s.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, mapRedisErr("xack", err)
	}
	return n, nil
}

// SlidingWindowCount runs the scripted check-and-record against the server.
func (s *RedisStore) SlidingWindowCount(ctx context.Context, key string, limit int, window time.Duration, now time.Time, member string) (int64, bool, error) {
	res, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Slice()
	if err != nil {
		return 0, false, mapRedisErr("slidingwindow", err)
	}
	if len(res) != 2 {
		return 0, false, coorderr.NewError(coorderr.ErrCodeInternalError,
			"unexpected script reply").WithComponent("store").WithOperation("slidingwindow")
	}
	count, _ := res[0].(int64)
	admitted, _ := res[1].(int64)
	return count, admitted == 1, nil
}

// Ping tests connectivity to the server.
func (s *RedisStore) Ping(ctx context.Context) error {
	return mapRedisErr("ping", s.client.Ping(ctx).Err())
}

// Close releases the client's connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
