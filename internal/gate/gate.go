// Package gate decides whether a task may enqueue work right now. It applies
// the task's silent window first and then its hourly and daily send caps.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/cronexpr"
	"github.com/lyb88999/gns/internal/db"
)

// ErrRateLimitExceeded is matched by every gate rejection, silent or counted.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimitError is returned by Check. Silent is set when the rejection came
// from the do-not-disturb window rather than from a counter.
type RateLimitError struct {
	Silent bool
	Msg    string
}

func (e *RateLimitError) Error() string { return e.Msg }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// IsSilent reports whether err is a silent-window rejection.
func IsSilent(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl) && rl.Silent
}

// Counter bumps the per-task send counters and returns the new values.
type Counter interface {
	Incr(ctx context.Context, taskID string, hourBucket, dayBucket int64) (hour, day int64, err error)
}

// Gate evaluates silent hours and send caps for a task.
type Gate struct {
	counters Counter
	logger   *zap.Logger
}

func New(counters Counter, logger *zap.Logger) *Gate {
	return &Gate{counters: counters, logger: logger}
}

// Check returns nil when task may send at now. Counters are only touched
// once the silent window has passed, and they stay incremented even when the
// bound check that follows fails.
func (g *Gate) Check(ctx context.Context, task *db.Task, now time.Time) error {
	if err := g.checkSilent(task, now); err != nil {
		return err
	}

	if !task.RateLimitEnabled {
		return nil
	}

	hour, day, err := g.counters.Incr(ctx, task.TaskID, HourBucket(now), DayBucket(now))
	if err != nil {
		return fmt.Errorf("check rate limit: %w", err)
	}

	if task.MaxPerHour > 0 && hour > int64(task.MaxPerHour) {
		g.logger.Info("hourly limit reached",
			zap.String("task_id", task.TaskID),
			zap.Int64("count", hour),
			zap.Int("max", task.MaxPerHour),
		)
		return &RateLimitError{Msg: fmt.Sprintf("Rate limit exceeded (Hour): %d", task.MaxPerHour)}
	}
	if task.MaxPerDay > 0 && day > int64(task.MaxPerDay) {
		g.logger.Info("daily limit reached",
			zap.String("task_id", task.TaskID),
			zap.Int64("count", day),
			zap.Int("max", task.MaxPerDay),
		)
		return &RateLimitError{Msg: fmt.Sprintf("Rate limit exceeded (Day): %d", task.MaxPerDay)}
	}

	return nil
}

func (g *Gate) checkSilent(task *db.Task, now time.Time) error {
	if task.SilentStart == nil || task.SilentEnd == nil || *task.SilentStart == "" || *task.SilentEnd == "" {
		return nil
	}

	start, err := ParseTimeOfDay(*task.SilentStart)
	if err != nil {
		g.logger.Warn("ignoring silent window", zap.String("task_id", task.TaskID), zap.Error(err))
		return nil
	}
	end, err := ParseTimeOfDay(*task.SilentEnd)
	if err != nil {
		g.logger.Warn("ignoring silent window", zap.String("task_id", task.TaskID), zap.Error(err))
		return nil
	}

	if !InWindow(start, end, timeOfDay(now)) {
		return nil
	}

	g.logger.Info("silent window active",
		zap.String("task_id", task.TaskID),
		zap.String("start", *task.SilentStart),
		zap.String("end", *task.SilentEnd),
	)
	return &RateLimitError{
		Silent: true,
		Msg:    fmt.Sprintf("Silent Mode is active (%s - %s)", *task.SilentStart, *task.SilentEnd),
	}
}

// InWindow reports whether t falls inside [start, end]. A start at or after
// end describes a window that wraps past midnight.
func InWindow(start, end, t time.Duration) bool {
	if start < end {
		return t >= start && t <= end
	}
	return t >= start || t <= end
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}

	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}

	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) != 2 || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}

func timeOfDay(now time.Time) time.Duration {
	local := now.In(cronexpr.Zone)
	h, m, s := local.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(local.Nanosecond())
}

// HourBucket is the epoch hour used in the hourly counter key.
func HourBucket(now time.Time) int64 {
	return now.Unix() / 3600
}

// DayBucket is the day number in the service zone used in the daily counter key.
func DayBucket(now time.Time) int64 {
	_, offset := now.In(cronexpr.Zone).Zone()
	return (now.Unix() + int64(offset)) / 86400
}
