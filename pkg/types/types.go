package types

import (
	"time"
)

// Task represents a unit of deferred work held by a priority queue.
type Task struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Payload   []byte    `json:"payload"`
	Priority  float64   `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	// VisibleAt is zero for immediately visible tasks. A future value means
	// the task sits in the delayed partition until promoted.
	VisibleAt time.Time `json:"visible_at,omitempty"`
}

// Message represents a single entry in an append-only stream topic.
type Message struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Fields     map[string]string `json:"fields"`
	ProducedAt time.Time         `json:"produced_at"`
}

// RateInfo describes the outcome of a sliding-window admission check.
type RateInfo struct {
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
	// Degraded is set when the remote store could not be consulted and the
	// check failed open.
	Degraded bool `json:"degraded,omitempty"`
}

// CacheTier identifies which tier served a cache read.
type CacheTier int

const (
	// TierMiss - neither tier held a fresh value
	TierMiss CacheTier = iota
	// TierL1 - served from the in-process map
	TierL1
	// TierL2 - served from the remote store
	TierL2
)

// String returns string representation of the tier.
func (t CacheTier) String() string {
	switch t {
	case TierL1:
		return "L1"
	case TierL2:
		return "L2"
	case TierMiss:
		return "MISS"
	default:
		return "UNKNOWN"
	}
}

// ComponentStats holds the monotonically increasing counters for one component.
type ComponentStats struct {
	Ops      uint64 `json:"ops"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Errors   uint64 `json:"errors"`
	Degraded uint64 `json:"degraded"`
}

// StatsSnapshot is a point-in-time aggregation of the layer's counters and
// circuit breaker states.
type StatsSnapshot struct {
	Components map[string]ComponentStats `json:"components"`
	Breakers   map[string]string         `json:"breakers"`
	TakenAt    time.Time                 `json:"taken_at"`
}

// CacheStats represents cache performance statistics for the L1 tier.
type CacheStats struct {
	Items     int     `json:"items"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}
