package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipecoord/pipecoord/internal/config"
	"github.com/pipecoord/pipecoord/internal/metrics"
	"github.com/pipecoord/pipecoord/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	cfg := config.NewDefault()
	cfg.Breaker.OpenTimeoutSeconds = 1

	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})
	return c
}

func TestNewDefaultsToMemoryStore(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	require.NotNil(t, c)
	assert.True(t, c.ownsStore)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.NewDefault()
	cfg.KeyPrefix = ""

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestNewWithStoreRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewWithStore(config.NewDefault(), nil, nil)
	require.Error(t, err)
}

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	_, found := c.CacheGet(ctx, "missing")
	assert.False(t, found)

	require.NoError(t, c.CacheSet(ctx, "report:7", []byte("rendered"), 60))

	value, found := c.CacheGet(ctx, "report:7")
	require.True(t, found)
	assert.Equal(t, []byte("rendered"), value)
}

func TestCacheValueRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	original := map[string]interface{}{"stage": "extract", "attempt": 2.0}
	require.NoError(t, c.CacheSetValue(ctx, "job:state", original, 0))

	decoded, found, err := c.CacheGetValue(ctx, "job:state")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, original, decoded)

	_, found, err = c.CacheGetValue(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueueFlow(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	lowID, err := c.Enqueue(ctx, "jobs", []byte("low"), 1, 0)
	require.NoError(t, err)
	highID, err := c.Enqueue(ctx, "jobs", []byte("high"), 9, 0)
	require.NoError(t, err)

	tasks, err := c.DequeueBatch(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, highID, tasks[0].ID)
	assert.Equal(t, lowID, tasks[1].ID)
	assert.Equal(t, []byte("high"), tasks[0].Payload)
}

func TestQueueDelayedFlow(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "jobs", []byte("later"), 1, 1)
	require.NoError(t, err)

	tasks, err := c.DequeueBatch(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	time.Sleep(1100 * time.Millisecond)

	promoted, err := c.PromoteDue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	tasks, err = c.DequeueBatch(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []byte("later"), tasks[0].Payload)
}

func TestStreamFlow(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx, "progress", "monitors"))

	id, err := c.Publish(ctx, "progress", map[string]string{"job": "7", "pct": "50"}, 100)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	messages, err := c.ReadGroup(ctx, "progress", "monitors", "m1", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "50", messages[0].Fields["pct"])

	acked, err := c.Ack(ctx, "progress", "monitors", id)
	require.NoError(t, err)
	assert.True(t, acked)

	acked, err = c.Ack(ctx, "progress", "monitors", id)
	require.NoError(t, err)
	assert.False(t, acked)
}

func TestRateCheckFlow(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, info := c.RateCheck(ctx, "tenant-1", 3, 60)
		require.True(t, allowed, "request %d", i+1)
		assert.False(t, info.Degraded)
	}

	allowed, info := c.RateCheck(ctx, "tenant-1", 3, 60)
	assert.False(t, allowed)
	assert.Equal(t, 3, info.Count)
}

func TestStatsReflectActivity(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.CacheSet(ctx, "k", []byte("v"), 0))
	c.CacheGet(ctx, "k")
	_, _ = c.Enqueue(ctx, "jobs", []byte("t"), 1, 0)

	snap := c.Stats()
	assert.NotZero(t, snap.Components[metrics.ComponentCache].Ops)
	assert.NotZero(t, snap.Components[metrics.ComponentCache].Hits)
	assert.NotZero(t, snap.Components[metrics.ComponentQueue].Ops)

	// All breakers closed under a healthy store.
	for class, state := range snap.Breakers {
		assert.Equal(t, "CLOSED", state, "class %s", class)
	}
	require.NotEmpty(t, snap.Breakers)

	l1 := c.L1Stats()
	assert.Equal(t, 1, l1.Items)
}

func TestEndToEndPipelineScenario(t *testing.T) {
	t.Parallel()

	cfg := config.NewDefault()
	remote := store.NewMemoryStore()
	c, err := NewWithStore(cfg, remote, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})

	ctx := context.Background()

	// A worker admits a job, caches its intermediate state, queues the next
	// stage, and announces progress.
	allowed, _ := c.RateCheck(ctx, "tenant-9", 10, 60)
	require.True(t, allowed)

	require.NoError(t, c.CacheSetValue(ctx, "job:42:state",
		map[string]interface{}{"stage": "transform"}, 30))

	taskID, err := c.Enqueue(ctx, "transform", []byte(`{"job":42}`), 5, 0)
	require.NoError(t, err)

	require.NoError(t, c.EnsureGroup(ctx, "progress", "dashboard"))
	msgID, err := c.Publish(ctx, "progress", map[string]string{"job": "42", "stage": "queued"}, 1000)
	require.NoError(t, err)

	// Another worker picks the task up and confirms the announcement.
	tasks, err := c.DequeueBatch(ctx, "transform", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskID, tasks[0].ID)

	state, found, err := c.CacheGetValue(ctx, "job:42:state")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]interface{}{"stage": "transform"}, state)

	messages, err := c.ReadGroup(ctx, "progress", "dashboard", "ui", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	acked, err := c.Ack(ctx, "progress", "dashboard", msgID)
	require.NoError(t, err)
	assert.True(t, acked)

	// NewWithStore leaves store ownership with the caller.
	assert.False(t, c.ownsStore)
}
