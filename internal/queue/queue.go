// Package queue implements named priority queues with a delayed partition on
// top of the remote store's sorted sets.
//
// Each queue keeps a ready sorted set scored by priority and a delayed sorted
// set scored by absolute visibility time. Delivery is at-least-once: a
// dequeued task is gone from the ready partition, and callers own idempotency
// if redelivery must be tolerated. The queue runs no background goroutine;
// callers drive promotion of due tasks from their own scheduling loop.
package queue

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipecoord/pipecoord/internal/circuit"
	"github.com/pipecoord/pipecoord/internal/metrics"
	"github.com/pipecoord/pipecoord/internal/store"
	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
	"github.com/pipecoord/pipecoord/pkg/types"
)

// seqDivisor folds the monotonic insertion sequence into the low-order part
// of the ready score so equal priorities pop earliest-created-first.
const seqDivisor = 1e12

// taskRetention bounds how long an orphaned task body (a crash between write
// and scoring, or a body whose queue reference was cleaned elsewhere) can
// outlive its queue entry. Delays extend it, so a delayed task never expires
// before it becomes visible.
const taskRetention = 7 * 24 * time.Hour

// PriorityQueue provides enqueue/promote/dequeue over named queues.
type PriorityQueue struct {
	remote    store.RemoteStore
	breakers  *circuit.Manager
	collector *metrics.Collector
	logger    *zap.Logger
	keyPrefix string
}

// NewPriorityQueue creates the queue component.
func NewPriorityQueue(keyPrefix string, remote store.RemoteStore, breakers *circuit.Manager, collector *metrics.Collector, logger *zap.Logger) *PriorityQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriorityQueue{
		remote:    remote,
		breakers:  breakers,
		collector: collector,
		logger:    logger,
		keyPrefix: keyPrefix,
	}
}

func (q *PriorityQueue) readyKey(queue string) string {
	return q.keyPrefix + ":queue:" + queue
}

func (q *PriorityQueue) delayedKey(queue string) string {
	return q.keyPrefix + ":queue:" + queue + ":delayed"
}

func (q *PriorityQueue) taskKey(queue, id string) string {
	return q.keyPrefix + ":queue:" + queue + ":task:" + id
}

func (q *PriorityQueue) seqKey(queue string) string {
	return q.keyPrefix + ":queue:" + queue + ":seq"
}

func readyScore(priority float64, seq int64) float64 {
	return priority - float64(seq)/seqDivisor
}

// Enqueue adds a task. delay == 0 makes it immediately visible in the ready
// partition; delay > 0 parks it in the delayed partition until its
// visibility time. Remote failures propagate to the caller.
func (q *PriorityQueue) Enqueue(ctx context.Context, queue string, payload []byte, priority float64, delay time.Duration) (string, error) {
	q.collector.RecordOp(metrics.ComponentQueue)

	if queue == "" {
		return "", coorderr.NewError(coorderr.ErrCodeInvalidArgument, "queue name is required").
			WithComponent("queue").WithOperation("enqueue")
	}

	id := uuid.NewString()
	now := time.Now()

	err := q.breakers.GetBreaker(circuit.ClassWrite).Execute(ctx, func(ctx context.Context) error {
		seq, err := q.remote.Incr(ctx, q.seqKey(queue))
		if err != nil {
			return err
		}

		fields := map[string]string{
			"id":         id,
			"queue":      queue,
			"payload":    string(payload),
			"priority":   strconv.FormatFloat(priority, 'f', -1, 64),
			"seq":        strconv.FormatInt(seq, 10),
			"created_at": strconv.FormatInt(now.UnixMilli(), 10),
		}
		if delay > 0 {
			fields["visible_at"] = strconv.FormatInt(now.Add(delay).UnixMilli(), 10)
		}
		if err := q.remote.HSet(ctx, q.taskKey(queue, id), fields); err != nil {
			return err
		}
		if err := q.remote.Expire(ctx, q.taskKey(queue, id), delay+taskRetention); err != nil {
			return err
		}

		if delay > 0 {
			return q.remote.ZAdd(ctx, q.delayedKey(queue), store.ScoredMember{
				Member: id,
				Score:  float64(now.Add(delay).UnixMilli()),
			})
		}
		return q.remote.ZAdd(ctx, q.readyKey(queue), store.ScoredMember{
			Member: id,
			Score:  readyScore(priority, seq),
		})
	})
	if err != nil {
		q.collector.RecordError(metrics.ComponentQueue)
		return "", err
	}
	return id, nil
}

// PromoteDue moves every delayed task whose visibility time has passed into
// the ready partition and returns how many were moved. Callers must invoke
// this periodically before Dequeue will see delayed tasks.
func (q *PriorityQueue) PromoteDue(ctx context.Context, queue string) (int, error) {
	q.collector.RecordOp(metrics.ComponentQueue)

	promoted := 0
	err := q.breakers.GetBreaker(circuit.ClassWrite).Execute(ctx, func(ctx context.Context) error {
		due, err := q.remote.ZRangeByScore(ctx, q.delayedKey(queue),
			math.Inf(-1), float64(time.Now().UnixMilli()), 0)
		if err != nil {
			return err
		}

		for _, member := range due {
			fields, err := q.remote.HGetAll(ctx, q.taskKey(queue, member.Member))
			if err != nil {
				if coorderr.IsNotFound(err) {
					// Body is gone; drop the orphaned reference.
					_, _ = q.remote.ZRem(ctx, q.delayedKey(queue), member.Member)
					continue
				}
				return err
			}
			priority, _ := strconv.ParseFloat(fields["priority"], 64)
			seq, _ := strconv.ParseInt(fields["seq"], 10, 64)

			if err := q.remote.ZAdd(ctx, q.readyKey(queue), store.ScoredMember{
				Member: member.Member,
				Score:  readyScore(priority, seq),
			}); err != nil {
				return err
			}
			if _, err := q.remote.ZRem(ctx, q.delayedKey(queue), member.Member); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	if err != nil {
		q.collector.RecordError(metrics.ComponentQueue)
		return promoted, err
	}
	return promoted, nil
}

// DequeueBatch atomically removes and returns up to max highest-priority
// ready tasks. The underlying pop is atomic per member, so no task is handed
// to two concurrent callers. A mid-batch remote failure restores the
// not-yet-delivered members to the ready partition and returns the tasks
// already removed alongside the error, so a failed batch never loses tasks.
func (q *PriorityQueue) DequeueBatch(ctx context.Context, queue string, max int) ([]types.Task, error) {
	q.collector.RecordOp(metrics.ComponentQueue)

	if max <= 0 {
		return nil, coorderr.NewError(coorderr.ErrCodeInvalidArgument, "max must be positive").
			WithComponent("queue").WithOperation("dequeue")
	}

	var tasks []types.Task
	err := q.breakers.GetBreaker(circuit.ClassWrite).Execute(ctx, func(ctx context.Context) error {
		popped, err := q.remote.ZPopMax(ctx, q.readyKey(queue), max)
		if err != nil {
			return err
		}

		for i, member := range popped {
			fields, err := q.remote.HGetAll(ctx, q.taskKey(queue, member.Member))
			if err != nil {
				if coorderr.IsNotFound(err) {
					// Claimed and cleaned elsewhere between pop and fetch.
					continue
				}
				q.restoreReady(ctx, queue, popped[i:])
				return err
			}
			if _, err := q.remote.Del(ctx, q.taskKey(queue, member.Member)); err != nil {
				// Body still intact; put the member back for redelivery.
				q.restoreReady(ctx, queue, popped[i:])
				return err
			}
			tasks = append(tasks, taskFromFields(queue, fields))
		}
		return nil
	})
	if err != nil {
		q.collector.RecordError(metrics.ComponentQueue)
		return tasks, err
	}

	if len(tasks) == 0 {
		q.collector.RecordMiss(metrics.ComponentQueue)
	} else {
		q.collector.RecordHit(metrics.ComponentQueue, "ready")
	}
	return tasks, nil
}

// restoreReady puts popped members back into the ready partition with their
// original scores. Best effort: the members are already gone from the set, so
// a failed restore can only be logged.
func (q *PriorityQueue) restoreReady(ctx context.Context, queue string, members []store.ScoredMember) {
	if len(members) == 0 {
		return
	}
	if err := q.remote.ZAdd(ctx, q.readyKey(queue), members...); err != nil {
		q.logger.Error("failed to restore popped tasks to ready partition",
			zap.String("queue", queue),
			zap.Int("count", len(members)),
			zap.Error(err))
	}
}

func taskFromFields(queue string, fields map[string]string) types.Task {
	priority, _ := strconv.ParseFloat(fields["priority"], 64)
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	task := types.Task{
		ID:        fields["id"],
		Queue:     queue,
		Payload:   []byte(fields["payload"]),
		Priority:  priority,
		CreatedAt: time.UnixMilli(createdMs),
	}
	if raw, ok := fields["visible_at"]; ok {
		visibleMs, _ := strconv.ParseInt(raw, 10, 64)
		task.VisibleAt = time.UnixMilli(visibleMs)
	}
	return task
}
