// Package cronexpr evaluates task cron expressions in the service's fixed zone.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is wrapped by every parse failure.
var ErrInvalidCron = errors.New("invalid cron expression")

// Zone is the wall clock used for schedules, silent hours and daily buckets.
var Zone = time.FixedZone("UTC+8", 8*60*60)

// Six fields with seconds first (the "?" placeholder is accepted), or
// the classic five-field form, or a descriptor such as @daily.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var cache sync.Map // expr -> cron.Schedule

func parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	if s, ok := cache.Load(expr); ok {
		return s.(cron.Schedule), nil
	}

	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	cache.Store(expr, s)
	return s, nil
}

// Validate reports whether expr can be scheduled.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

// Next returns the first fire time strictly after now, expressed in Zone.
func Next(expr string, now time.Time) (time.Time, error) {
	s, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	next := s.Next(now.In(Zone))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next.In(Zone), nil
}
