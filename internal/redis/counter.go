package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	hourCounterTTL = time.Hour
	dayCounterTTL  = 24 * time.Hour
)

// Both counters are bumped in one script so the expiry is only ever set
// by the increment that created the key.
var incrSendCounters = redis.NewScript(`
local h = redis.call('INCR', KEYS[1])
if h == 1 then redis.call('EXPIRE', KEYS[1], ARGV[1]) end
local d = redis.call('INCR', KEYS[2])
if d == 1 then redis.call('EXPIRE', KEYS[2], ARGV[2]) end
return {h, d}
`)

// SendCounters tracks per-task hourly and daily send attempts.
type SendCounters struct {
	client *Client
	logger *zap.Logger
}

func NewSendCounters(client *Client, logger *zap.Logger) *SendCounters {
	return &SendCounters{client: client, logger: logger}
}

// Incr bumps the task's counters for the given buckets and returns the
// post-increment values.
func (s *SendCounters) Incr(ctx context.Context, taskID string, hourBucket, dayBucket int64) (int64, int64, error) {
	keys := []string{hourCounterKey(taskID, hourBucket), dayCounterKey(taskID, dayBucket)}

	vals, err := incrSendCounters.Run(ctx, s.client.rdb, keys,
		int64(hourCounterTTL/time.Second),
		int64(dayCounterTTL/time.Second),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incr send counters: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("incr send counters: unexpected reply %v", vals)
	}

	s.logger.Debug("send counters incremented",
		zap.String("task_id", taskID),
		zap.Int64("hour", vals[0]),
		zap.Int64("day", vals[1]),
	)

	return vals[0], vals[1], nil
}
