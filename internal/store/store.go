// Package store defines the remote key-value/stream store contract the
// coordination layer is built on, together with a go-redis implementation for
// production and an in-memory implementation for tests and single-process use.
//
// The interface is deliberately narrow: string get/set/expire, hash ops,
// sorted-set ops, an append-only stream primitive with consumer groups, and
// one scripted sliding-window operation. Any store exposing these primitives
// can back the layer.
package store

import (
	"context"
	"time"
)

// ScoredMember is a sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// StreamEntry is a single stream record as returned by the store.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// RemoteStore is the contract the coordination layer requires from the
// remote tier. All calls perform at least one network round-trip in the
// production implementation and honor the supplied context's deadline.
type RemoteStore interface {
	// String operations
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)

	// Hash operations
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Sorted-set operations
	ZAdd(ctx context.Context, key string, members ...ScoredMember) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZPopMax(ctx context.Context, key string, count int) ([]ScoredMember, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ScoredMember, error)

	// Stream operations. XReadGroup with pending=true re-reads entries
	// already delivered to this consumer but not yet acknowledged;
	// pending=false delivers new entries, waiting up to block when nothing
	// is available (block <= 0 means non-blocking).
	XAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
	XGroupCreate(ctx context.Context, stream, group string, fromBeginning bool) error
	XReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration, pending bool) ([]StreamEntry, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)

	// SlidingWindowCount atomically drops window-expired members from the
	// sorted set at key, counts the remainder, and records one more member
	// if the count is below limit. It returns the count after the call and
	// whether the new member was admitted.
	SlidingWindowCount(ctx context.Context, key string, limit int, window time.Duration, now time.Time, member string) (int64, bool, error)

	// Ping tests connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close() error
}
