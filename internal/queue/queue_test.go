package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pipecoord/pipecoord/internal/circuit"
	"github.com/pipecoord/pipecoord/internal/metrics"
	"github.com/pipecoord/pipecoord/internal/store"
	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
)

func newTestQueueWith(t *testing.T, remote store.RemoteStore) *PriorityQueue {
	t.Helper()

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	breakers := circuit.NewManager(circuit.Config{
		FailureThreshold: 5,
		OpenTimeout:      time.Minute,
	}, nil)

	return NewPriorityQueue("test", remote, breakers, collector, nil)
}

func newTestQueue(t *testing.T) (*PriorityQueue, *store.MemoryStore) {
	t.Helper()

	remote := store.NewMemoryStore()
	return newTestQueueWith(t, remote), remote
}

// blipStore fails a selected call once so mid-batch error paths can be driven
// deterministically.
type blipStore struct {
	*store.MemoryStore
	failHGetAllCall int
	failDelCall     int
	hgetallCalls    int
	delCalls        int
}

func (b *blipStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	b.hgetallCalls++
	if b.hgetallCalls == b.failHGetAllCall {
		return nil, coorderr.NewError(coorderr.ErrCodeRemoteUnavailable, "injected blip")
	}
	return b.MemoryStore.HGetAll(ctx, key)
}

func (b *blipStore) Del(ctx context.Context, keys ...string) (int64, error) {
	b.delCalls++
	if b.delCalls == b.failDelCall {
		return 0, coorderr.NewError(coorderr.ErrCodeRemoteUnavailable, "injected blip")
	}
	return b.MemoryStore.Del(ctx, keys...)
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, p := range []float64{3, 1, 2} {
		if _, err := q.Enqueue(ctx, "jobs", []byte("task"), p, 0); err != nil {
			t.Fatalf("Enqueue(priority=%v) failed: %v", p, err)
		}
	}

	tasks, err := q.DequeueBatch(ctx, "jobs", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	for i, want := range []float64{3, 2, 1} {
		if tasks[i].Priority != want {
			t.Errorf("task %d priority = %v, want %v", i, tasks[i].Priority, want)
		}
	}
}

func TestDequeueTieBreakEarliestFirst(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "jobs", []byte("a"), 5, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(ctx, "jobs", []byte("b"), 5, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	tasks, err := q.DequeueBatch(ctx, "jobs", 2)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].ID != first || tasks[1].ID != second {
		t.Errorf("equal-priority order = [%s %s], want [%s %s]",
			tasks[0].ID, tasks[1].ID, first, second)
	}
}

func TestDequeueBatchLimit(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(ctx, "jobs", []byte("task"), 1, 0); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	tasks, err := q.DequeueBatch(ctx, "jobs", 2)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("got %d tasks, want 2", len(tasks))
	}

	rest, err := q.DequeueBatch(ctx, "jobs", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("got %d remaining tasks, want 3", len(rest))
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)

	tasks, err := q.DequeueBatch(context.Background(), "empty", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("got %d tasks from an empty queue", len(tasks))
	}
}

func TestDequeueRemovesTaskBody(t *testing.T) {
	t.Parallel()

	q, remote := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "jobs", []byte("task"), 1, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.DequeueBatch(ctx, "jobs", 1); err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}

	if _, err := remote.HGetAll(ctx, "test:queue:jobs:task:"+id); !coorderr.IsNotFound(err) {
		t.Errorf("task body still present after dequeue: %v", err)
	}
}

func TestDelayedTaskInvisibleUntilPromoted(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "jobs", []byte("later"), 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Not yet due: neither dequeue nor promote surfaces it.
	tasks, err := q.DequeueBatch(ctx, "jobs", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("delayed task visible before its time")
	}
	promoted, err := q.PromoteDue(ctx, "jobs")
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if promoted != 0 {
		t.Fatalf("promoted %d tasks before due time", promoted)
	}

	time.Sleep(60 * time.Millisecond)

	// Due now, but still requires promotion before dequeue sees it.
	tasks, err = q.DequeueBatch(ctx, "jobs", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("delayed task dequeued without promotion")
	}

	promoted, err = q.PromoteDue(ctx, "jobs")
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1", promoted)
	}

	tasks, err = q.DequeueBatch(ctx, "jobs", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("tasks after promotion = %v", tasks)
	}
	if tasks[0].VisibleAt.IsZero() {
		t.Error("promoted task lost its visibility time")
	}
}

func TestPromotedTaskKeepsPriority(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "jobs", []byte("high"), 9, 10*time.Millisecond); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, "jobs", []byte("low"), 1, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := q.PromoteDue(ctx, "jobs"); err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}

	tasks, err := q.DequeueBatch(ctx, "jobs", 2)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if string(tasks[0].Payload) != "high" {
		t.Errorf("first task = %q, want the promoted high-priority task", tasks[0].Payload)
	}
}

func TestDequeueMidBatchFailureKeepsTasks(t *testing.T) {
	t.Parallel()

	// Second body fetch fails once, then the store heals.
	blip := &blipStore{MemoryStore: store.NewMemoryStore(), failHGetAllCall: 2}
	q := newTestQueueWith(t, blip)
	ctx := context.Background()

	firstID, err := q.Enqueue(ctx, "jobs", []byte("a"), 2, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	secondID, err := q.Enqueue(ctx, "jobs", []byte("b"), 1, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// The failing batch still hands over what it removed.
	tasks, err := q.DequeueBatch(ctx, "jobs", 2)
	if !coorderr.IsRemoteUnavailable(err) {
		t.Fatalf("err = %v, want REMOTE_UNAVAILABLE", err)
	}
	if len(tasks) != 1 || tasks[0].ID != firstID {
		t.Fatalf("failing batch tasks = %v, want the first task only", tasks)
	}

	// The undelivered member survived and comes back after the blip.
	tasks, err = q.DequeueBatch(ctx, "jobs", 2)
	if err != nil {
		t.Fatalf("DequeueBatch after blip failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != secondID {
		t.Fatalf("tasks after blip = %v, want the second task", tasks)
	}
	if string(tasks[0].Payload) != "b" {
		t.Errorf("payload = %q, want %q", tasks[0].Payload, "b")
	}
}

func TestDequeueDelFailureRedeliversTask(t *testing.T) {
	t.Parallel()

	blip := &blipStore{MemoryStore: store.NewMemoryStore(), failDelCall: 1}
	q := newTestQueueWith(t, blip)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "jobs", []byte("task"), 1, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	tasks, err := q.DequeueBatch(ctx, "jobs", 1)
	if !coorderr.IsRemoteUnavailable(err) {
		t.Fatalf("err = %v, want REMOTE_UNAVAILABLE", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("failing batch delivered %d tasks, want 0", len(tasks))
	}

	// Member and body are both intact for the next batch.
	tasks, err = q.DequeueBatch(ctx, "jobs", 1)
	if err != nil {
		t.Fatalf("DequeueBatch after blip failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("tasks after blip = %v, want the original task", tasks)
	}
}

func TestEnqueueBoundsTaskBodyRetention(t *testing.T) {
	t.Parallel()

	q, remote := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "jobs", []byte("task"), 1, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Every body gets a retention ceiling so orphans cannot accumulate.
	if remote.CallCount("expire") != 1 {
		t.Errorf("expire call count = %d, want 1", remote.CallCount("expire"))
	}
}

func TestQueueInvalidArguments(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "", []byte("x"), 1, 0); !coorderr.IsCode(err, coorderr.ErrCodeInvalidArgument) {
		t.Errorf("Enqueue with empty queue name: err = %v, want INVALID_ARGUMENT", err)
	}
	if _, err := q.DequeueBatch(ctx, "jobs", 0); !coorderr.IsCode(err, coorderr.ErrCodeInvalidArgument) {
		t.Errorf("DequeueBatch with max=0: err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestQueueIsolation(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "a", []byte("for-a"), 1, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	tasks, err := q.DequeueBatch(ctx, "b", 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("queue b saw %d tasks enqueued on queue a", len(tasks))
	}
}
