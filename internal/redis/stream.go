package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/queue"
)

// StreamQueue is the Redis Streams delivery queue. One consumer group
// shares the cursor; unacked entries stay in the group's pending list.
type StreamQueue struct {
	client *Client
	stream string
	group  string
	logger *zap.Logger
}

var _ queue.Queue = (*StreamQueue)(nil)

func NewStreamQueue(client *Client, stream, group string, logger *zap.Logger) *StreamQueue {
	return &StreamQueue{
		client: client,
		stream: stream,
		group:  group,
		logger: logger,
	}
}

// EnsureGroup creates the stream and group. An existing group is not an error.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			q.logger.Debug("consumer group already exists",
				zap.String("stream", q.stream),
				zap.String("group", q.group),
			)
			return nil
		}
		return fmt.Errorf("create consumer group: %w", err)
	}

	q.logger.Info("created consumer group",
		zap.String("stream", q.stream),
		zap.String("group", q.group),
	)
	return nil
}

// Enqueue appends msg and returns the stream entry id.
func (q *StreamQueue) Enqueue(ctx context.Context, msg *queue.Message) (string, error) {
	fields, err := msg.Fields()
	if err != nil {
		return "", err
	}

	id, err := q.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// Read returns up to count new entries for consumer, waiting at most block.
func (q *StreamQueue) Read(ctx context.Context, consumer string, count int, block time.Duration) ([]queue.Delivery, error) {
	if block <= 0 {
		block = -1 // no BLOCK argument
	}

	streams, err := q.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []queue.Delivery
	for _, s := range streams {
		out = append(out, toDeliveries(s.Messages)...)
	}
	return out, nil
}

// Ack removes id from the group's pending list.
func (q *StreamQueue) Ack(ctx context.Context, id string) error {
	if err := q.client.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}
	return nil
}

// Reclaim transfers entries idle for at least minIdle to consumer.
func (q *StreamQueue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]queue.Delivery, error) {
	msgs, _, err := q.client.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}

	if len(msgs) > 0 {
		q.logger.Info("reclaimed idle stream entries",
			zap.String("consumer", consumer),
			zap.Int("count", len(msgs)),
		)
	}

	return toDeliveries(msgs), nil
}

// Pending reports how many entries are delivered but not yet acked.
func (q *StreamQueue) Pending(ctx context.Context) (int64, error) {
	p, err := q.client.rdb.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return p.Count, nil
}

func toDeliveries(msgs []redis.XMessage) []queue.Delivery {
	out := make([]queue.Delivery, 0, len(msgs))
	for _, m := range msgs {
		msg, err := queue.FromFields(m.Values)
		out = append(out, queue.Delivery{ID: m.ID, Message: msg, Err: err})
	}
	return out
}
