package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
)

// Channel names as they appear in a task's channel list.
const (
	ChannelEmail    = "Email"
	ChannelDingTalk = "DingTalk"
	ChannelWeChat   = "WeChat"
	ChannelTelegram = "Telegram"
	ChannelSMS      = "SMS"
	ChannelWebhook  = "Webhook"
)

// ErrMisconfigured marks outcomes that failed because the task lacks the
// settings a channel needs. These never count against a circuit breaker.
var ErrMisconfigured = errors.New("channel not configured")

// errNoSettings marks a channel listed on a task that has no custom data.
var errNoSettings = fmt.Errorf("%w: task has no custom data", ErrMisconfigured)

// Outcome is the result of delivering to one recipient on one channel.
// Skipped outcomes never reached a recipient.
type Outcome struct {
	Recipient string
	Success   bool
	Skipped   bool
	Err       error
}

// Status maps the outcome onto a delivery attempt status.
func (o Outcome) Status() string {
	switch {
	case o.Success:
		return db.StatusSuccess
	case o.Skipped:
		return db.StatusSkipped
	}
	return db.StatusFailed
}

// ErrorMessage returns the failure text, or nil on success.
func (o Outcome) ErrorMessage() *string {
	if o.Success || o.Err == nil {
		return nil
	}
	msg := o.Err.Error()
	return &msg
}

func succeeded(recipient string) Outcome {
	return Outcome{Recipient: recipient, Success: true}
}

func failed(recipient string, err error) Outcome {
	return Outcome{Recipient: recipient, Err: err}
}

func misconfigured(recipient, msg string) Outcome {
	return Outcome{Recipient: recipient, Err: fmt.Errorf("%w: %s", ErrMisconfigured, msg)}
}

// skipped is returned when a task carries no custom data for a channel.
func skipped() Outcome {
	return Outcome{Skipped: true, Err: errNoSettings}
}

// Strategy delivers rendered content over a single channel.
type Strategy interface {
	Channel() string
	Send(ctx context.Context, task *db.Task, content string, owner *db.User, data map[string]any) []Outcome
}

// Registry maps channel names to strategies. It is built once at startup and
// read concurrently afterwards.
type Registry struct {
	strategies map[string]Strategy
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger, strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy), logger: logger}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any strategy with the same channel name.
func (r *Registry) Register(s Strategy) {
	r.strategies[strings.ToLower(s.Channel())] = s
}

func (r *Registry) Lookup(channel string) (Strategy, bool) {
	s, ok := r.strategies[strings.ToLower(channel)]
	return s, ok
}

// Channels lists registered channel names in sorted order.
func (r *Registry) Channels() []string {
	names := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		names = append(names, s.Channel())
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the strategy for channel. The boolean is false when no
// strategy is registered. A panicking strategy yields one failed outcome.
func (r *Registry) Dispatch(ctx context.Context, channel string, task *db.Task, content string, owner *db.User, data map[string]any) (outcomes []Outcome, found bool) {
	s, ok := r.Lookup(channel)
	if !ok {
		r.logger.Warn("no strategy for channel",
			zap.String("channel", channel),
			zap.String("task_id", task.TaskID),
		)
		return nil, false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("channel strategy panicked",
				zap.String("channel", channel),
				zap.String("task_id", task.TaskID),
				zap.Any("panic", rec),
			)
			outcomes = []Outcome{failed("", fmt.Errorf("channel %s panicked: %v", channel, rec))}
			found = true
		}
	}()

	return s.Send(ctx, task, content, owner, data), true
}

// stringField reads key from m as a trimmed string.
func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return scalarString(m[key])
}

// scalarString formats JSON scalars. Numbers are written without a
// fractional part so decoded ids and phone numbers survive.
func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// stringList reads key from m as a list of strings. A single string value
// is split on commas.
func stringList(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	var out []string
	switch v := m[key].(type) {
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
