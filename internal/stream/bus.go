// Package stream implements the append-only topic bus with consumer-group
// read/ack semantics on top of the remote store's stream primitive.
//
// Topics are bounded, approximately-trimmed logs: retention is a performance
// trade, so readers must not assume exact counts. Delivery is at-least-once
// per group; a consumer that crashes without acking sees its entries again on
// the next read.
package stream

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

// Bus provides publish/read/ack over named topics.
type Bus struct {
	remote    store.RemoteStore
	breakers  *circuit.Manager
	collector *metrics.Collector
	logger    *zap.Logger
	keyPrefix string

	// FromBeginning makes EnsureGroup start new groups at the head of the
	// topic instead of the tail.
	FromBeginning bool
}

// NewBus creates the stream bus component.
func NewBus(keyPrefix string, remote store.RemoteStore, breakers *circuit.Manager, collector *metrics.Collector, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		remote:    remote,
		breakers:  breakers,
		collector: collector,
		logger:    logger,
		keyPrefix: keyPrefix,
	}
}

func (b *Bus) topicKey(topic string) string {
	return b.keyPrefix + ":stream:" + topic
}

// Publish appends fields to the topic, trimming it approximately to maxLen.
// Remote failures propagate to the caller.
func (b *Bus) Publish(ctx context.Context, topic string, fields map[string]string, maxLen int64) (string, error) {
	b.collector.RecordOp(metrics.ComponentStream)

	if topic == "" {
		return "", coorderr.NewError(coorderr.ErrCodeInvalidArgument, "topic is required").
			WithComponent("stream").WithOperation("publish")
	}
	if len(fields) == 0 {
		return "", coorderr.NewError(coorderr.ErrCodeInvalidArgument, "fields must not be empty").
			WithComponent("stream").WithOperation("publish")
	}

	var id string
	err := b.breakers.GetBreaker(circuit.ClassStream).Execute(ctx, func(ctx context.Context) error {
		messageID, err := b.remote.XAdd(ctx, b.topicKey(topic), fields, maxLen)
		if err != nil {
			return err
		}
		id = messageID
		return nil
	})
	if err != nil {
		b.collector.RecordError(metrics.ComponentStream)
		return "", err
	}
	return id, nil
}

// EnsureGroup idempotently creates a consumer group on the topic.
func (b *Bus) EnsureGroup(ctx context.Context, topic, group string) error {
	b.collector.RecordOp(metrics.ComponentStream)

	err := b.breakers.GetBreaker(circuit.ClassStream).Execute(ctx, func(ctx context.Context) error {
		return b.remote.XGroupCreate(ctx, b.topicKey(topic), group, b.FromBeginning)
	})
	if err != nil {
		b.collector.RecordError(metrics.ComponentStream)
		return err
	}
	return nil
}

// ReadGroup returns up to count messages for the consumer. Entries delivered
// earlier but never acked come first; only when the consumer has no pending
// entries does the call read new data, waiting at most block (block <= 0
// means non-blocking). Callers wanting continuous consumption re-invoke in a
// loop.
func (b *Bus) ReadGroup(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]types.Message, error) {
	b.collector.RecordOp(metrics.ComponentStream)

	if count <= 0 {
		return nil, coorderr.NewError(coorderr.ErrCodeInvalidArgument, "count must be positive").
			WithComponent("stream").WithOperation("readgroup")
	}

	var entries []store.StreamEntry
	err := b.breakers.GetBreaker(circuit.ClassStream).Execute(ctx, func(ctx context.Context) error {
		pending, err := b.remote.XReadGroup(ctx, b.topicKey(topic), group, consumer, count, 0, true)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			entries = pending
			return nil
		}

		fresh, err := b.remote.XReadGroup(ctx, b.topicKey(topic), group, consumer, count, block, false)
		if err != nil {
			return err
		}
		entries = fresh
		return nil
	})
	if err != nil {
		b.collector.RecordError(metrics.ComponentStream)
		return nil, err
	}

	messages := make([]types.Message, len(entries))
	for i, entry := range entries {
		messages[i] = types.Message{
			ID:         entry.ID,
			Topic:      topic,
			Fields:     entry.Fields,
			ProducedAt: producedAt(entry.ID),
		}
	}
	return messages, nil
}

// Ack retires a message for the group. It returns false when the id was
// already acked or is unknown to the group; other groups are unaffected.
func (b *Bus) Ack(ctx context.Context, topic, group, messageID string) (bool, error) {
	b.collector.RecordOp(metrics.ComponentStream)

	var acked int64
	err := b.breakers.GetBreaker(circuit.ClassStream).Execute(ctx, func(ctx context.Context) error {
		n, err := b.remote.XAck(ctx, b.topicKey(topic), group, messageID)
		if err != nil {
			return err
		}
		acked = n
		return nil
	})
	if err != nil {
		b.collector.RecordError(metrics.ComponentStream)
		return false, err
	}
	return acked > 0, nil
}

// producedAt recovers the publish time from the store's millisecond-prefixed
// entry id. Unknown id layouts yield a zero time.
func producedAt(id string) time.Time {
	var ms int64
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			return time.UnixMilli(ms)
		}
		if id[i] < '0' || id[i] > '9' {
			return time.Time{}
		}
		ms = ms*10 + int64(id[i]-'0')
	}
	return time.UnixMilli(ms)
}
