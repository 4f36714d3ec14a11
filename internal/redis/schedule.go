package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// claimDue removes the member only while its score is still due, so an
// entry re-added by the node that already fired it cannot be claimed again.
var claimDue = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) <= tonumber(ARGV[2]) then
  return redis.call('ZREM', KEYS[1], ARGV[1])
end
return 0
`)

// ScheduleSet is the shared time-ordered set of taskId -> next fire.
// Removing a member is the claim: only the caller whose ZREM removed
// the member owns that firing.
type ScheduleSet struct {
	client *Client
	key    string
	logger *zap.Logger
}

func NewScheduleSet(client *Client, logger *zap.Logger) *ScheduleSet {
	return &ScheduleSet{client: client, key: ScheduleSetKey, logger: logger}
}

// Upsert replaces any existing entry for taskID with one firing at at.
func (s *ScheduleSet) Upsert(ctx context.Context, taskID string, at time.Time) error {
	pipe := s.client.rdb.TxPipeline()
	pipe.ZRem(ctx, s.key, taskID)
	pipe.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert schedule %s: %w", taskID, err)
	}
	return nil
}

// Remove deletes the entry for taskID and reports whether one was removed.
func (s *ScheduleSet) Remove(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.rdb.ZRem(ctx, s.key, taskID).Result()
	if err != nil {
		return false, fmt.Errorf("remove schedule %s: %w", taskID, err)
	}
	return n > 0, nil
}

// Claim removes taskID if it is due at now and reports whether this caller
// won the firing.
func (s *ScheduleSet) Claim(ctx context.Context, taskID string, now time.Time) (bool, error) {
	n, err := claimDue.Run(ctx, s.client.rdb, []string{s.key}, taskID, now.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("claim schedule %s: %w", taskID, err)
	}
	return n > 0, nil
}

// Due lists task ids whose fire time is at or before now, earliest first.
func (s *ScheduleSet) Due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := s.client.rdb.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range due schedules: %w", err)
	}
	return ids, nil
}

// NextFire returns the scheduled fire time for taskID, if any.
func (s *ScheduleSet) NextFire(ctx context.Context, taskID string) (time.Time, bool, error) {
	score, err := s.client.rdb.ZScore(ctx, s.key, taskID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("score schedule %s: %w", taskID, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

// Len returns the number of scheduled tasks.
func (s *ScheduleSet) Len(ctx context.Context) (int64, error) {
	return s.client.rdb.ZCard(ctx, s.key).Result()
}
