package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
)

// MemoryStore is a mutex-guarded in-process RemoteStore. It backs the test
// suites and doubles as a single-process mode when no shared store is
// deployed. Semantics mirror the production implementation closely enough
// for every operation the layer performs, including consumer-group pending
// redelivery.
type MemoryStore struct {
	mu       sync.Mutex
	strings  map[string]memoryValue
	counters map[string]int64
	hashes   map[string]map[string]string
	hashTTL  map[string]time.Time
	zsets    map[string]map[string]float64
	streams  map[string]*memoryStream

	// Calls counts store invocations by operation name, letting tests
	// verify round-trip expectations such as L1 freshness.
	calls map[string]int
}

var _ RemoteStore = (*MemoryStore)(nil)

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && v.expiresAt.Before(now)
}

type memoryStream struct {
	entries []StreamEntry
	baseIdx int64 // absolute index of entries[0], advanced by trimming
	lastSeq int64
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	nextDeliver  int64 // absolute index of the next new entry
	pendingOrder []string
	pending      map[string]pendingEntry
}

type pendingEntry struct {
	consumer string
	entry    StreamEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings:  make(map[string]memoryValue),
		counters: make(map[string]int64),
		hashes:   make(map[string]map[string]string),
		hashTTL:  make(map[string]time.Time),
		zsets:    make(map[string]map[string]float64),
		streams:  make(map[string]*memoryStream),
		calls:    make(map[string]int),
	}
}

func (s *MemoryStore) record(op string) {
	s.calls[op]++
}

// CallCount returns how many times the named operation was invoked.
func (s *MemoryStore) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Get retrieves the value at key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("get")

	v, ok := s.strings[key]
	if !ok || v.expired(time.Now()) {
		delete(s.strings, key)
		return nil, notFoundErr("get")
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

// Set stores value at key with the given TTL (0 means no expiry).
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("set")

	data := make([]byte, len(value))
	copy(data, value)
	v := memoryValue{data: data}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	s.strings[key] = v
	return nil
}

// Expire sets the TTL on an existing key.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("expire")

	if v, ok := s.strings[key]; ok {
		v.expiresAt = time.Now().Add(ttl)
		s.strings[key] = v
		return nil
	}
	if _, ok := s.hashes[key]; ok {
		s.hashTTL[key] = time.Now().Add(ttl)
		return nil
	}
	return notFoundErr("expire")
}

// Del removes the given keys and returns how many existed.
func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("del")

	var n int64
	for _, key := range keys {
		if _, ok := s.strings[key]; ok {
			delete(s.strings, key)
			n++
			continue
		}
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			delete(s.hashTTL, key)
			n++
			continue
		}
		if _, ok := s.zsets[key]; ok {
			delete(s.zsets, key)
			n++
		}
	}
	return n, nil
}

// Incr atomically increments the counter at key.
func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("incr")

	s.counters[key]++
	return s.counters[key], nil
}

// HSet writes the given hash fields.
func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("hset")

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// HGetAll returns all hash fields at key.
func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("hgetall")

	if exp, ok := s.hashTTL[key]; ok && exp.Before(time.Now()) {
		delete(s.hashes, key)
		delete(s.hashTTL, key)
		return nil, notFoundErr("hgetall")
	}
	h, ok := s.hashes[key]
	if !ok || len(h) == 0 {
		return nil, notFoundErr("hgetall")
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

// ZAdd adds the scored members to the sorted set at key.
func (s *MemoryStore) ZAdd(ctx context.Context, key string, members ...ScoredMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("zadd")

	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64, len(members))
		s.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
	return nil
}

// ZRem removes members from the sorted set at key.
func (s *MemoryStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("zrem")

	z := s.zsets[key]
	var n int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			n++
		}
	}
	return n, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("zcard")

	return int64(len(s.zsets[key])), nil
}

// ZPopMax atomically removes and returns up to count highest-scored members.
func (s *MemoryStore) ZPopMax(ctx context.Context, key string, count int) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("zpopmax")

	sorted := sortedMembers(s.zsets[key])
	if count > len(sorted) {
		count = len(sorted)
	}
	popped := make([]ScoredMember, 0, count)
	// Highest score last in ascending order; pop from the tail.
	for i := 0; i < count; i++ {
		m := sorted[len(sorted)-1-i]
		popped = append(popped, m)
		delete(s.zsets[key], m.Member)
	}
	return popped, nil
}

// ZRangeByScore returns up to limit members with min <= score <= max, lowest
// score first.
func (s *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("zrangebyscore")

	var out []ScoredMember
	for _, m := range sortedMembers(s.zsets[key]) {
		if m.Score < min || m.Score > max {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// sortedMembers returns members ordered by score ascending, ties broken by
// member lexicographically, matching sorted-set ordering.
func sortedMembers(z map[string]float64) []ScoredMember {
	members := make([]ScoredMember, 0, len(z))
	for m, score := range z {
		members = append(members, ScoredMember{Member: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

// XAdd appends fields to the stream, trimming it to maxLen.
func (s *MemoryStore) XAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("xadd")

	st, ok := s.streams[stream]
	if !ok {
		st = &memoryStream{groups: make(map[string]*memoryGroup)}
		s.streams[stream] = st
	}

	st.lastSeq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), st.lastSeq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	st.entries = append(st.entries, StreamEntry{ID: id, Fields: copied})

	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		trim := int64(len(st.entries)) - maxLen
		st.entries = st.entries[trim:]
		st.baseIdx += trim
	}
	return id, nil
}

// XGroupCreate creates a consumer group on the stream. Idempotent.
func (s *MemoryStore) XGroupCreate(ctx context.Context, stream, group string, fromBeginning bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("xgroupcreate")

	st, ok := s.streams[stream]
	if !ok {
		st = &memoryStream{groups: make(map[string]*memoryGroup)}
		s.streams[stream] = st
	}
	if _, exists := st.groups[group]; exists {
		return nil
	}
	g := &memoryGroup{pending: make(map[string]pendingEntry)}
	if fromBeginning {
		g.nextDeliver = st.baseIdx
	} else {
		g.nextDeliver = st.baseIdx + int64(len(st.entries))
	}
	st.groups[group] = g
	return nil
}

// XReadGroup reads entries for the consumer, see RemoteStore for semantics.
func (s *MemoryStore) XReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration, pending bool) ([]StreamEntry, error) {
	deadline := time.Now().Add(block)
	for {
		entries, err := s.readGroupOnce(stream, group, consumer, count, pending)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if pending || block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, mapRedisErr("xreadgroup", ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *MemoryStore) readGroupOnce(stream, group, consumer string, count int, pending bool) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("xreadgroup")

	st, ok := s.streams[stream]
	if !ok {
		return nil, notFoundErr("xreadgroup")
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, notFoundErr("xreadgroup")
	}

	var out []StreamEntry
	if pending {
		for _, id := range g.pendingOrder {
			pe, ok := g.pending[id]
			if !ok || pe.consumer != consumer {
				continue
			}
			out = append(out, pe.entry)
			if count > 0 && len(out) >= count {
				break
			}
		}
		return out, nil
	}

	end := st.baseIdx + int64(len(st.entries))
	if g.nextDeliver < st.baseIdx {
		g.nextDeliver = st.baseIdx
	}
	for g.nextDeliver < end {
		entry := st.entries[g.nextDeliver-st.baseIdx]
		g.pending[entry.ID] = pendingEntry{consumer: consumer, entry: entry}
		g.pendingOrder = append(g.pendingOrder, entry.ID)
		out = append(out, entry)
		g.nextDeliver++
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

// XAck acknowledges the given entry ids for the group.
func (s *MemoryStore) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("xack")

	st, ok := s.streams[stream]
	if !ok {
		return 0, nil
	}
	g, ok := st.groups[group]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

// SlidingWindowCount performs the check-and-record under the store lock,
// giving the same atomicity the scripted production path has.
func (s *MemoryStore) SlidingWindowCount(ctx context.Context, key string, limit int, window time.Duration, now time.Time, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("slidingwindow")

	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	cutoff := float64(now.Add(-window).UnixMilli())
	for m, score := range z {
		if score <= cutoff {
			delete(z, m)
		}
	}
	count := int64(len(z))
	if count < int64(limit) {
		z[member] = float64(now.UnixMilli())
		return count + 1, true, nil
	}
	return count, false, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func notFoundErr(op string) error {
	return coorderr.NewError(coorderr.ErrCodeNotFound, "key not found").
		WithComponent("store").WithOperation(op)
}
