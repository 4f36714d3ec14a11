package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/worker"
)

// ProtectedStrategy wraps a channel strategy with a CircuitBreaker. While
// the circuit is open the channel yields a single failed outcome without
// touching the downstream service.
type ProtectedStrategy struct {
	strategy worker.Strategy
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

var _ worker.Strategy = (*ProtectedStrategy)(nil)

func NewProtectedStrategy(strategy worker.Strategy, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedStrategy {
	return &ProtectedStrategy{
		strategy: strategy,
		breaker:  breaker,
		logger:   logger,
	}
}

func (p *ProtectedStrategy) Channel() string { return p.strategy.Channel() }

func (p *ProtectedStrategy) Send(ctx context.Context, task *db.Task, content string, owner *db.User, data map[string]any) []worker.Outcome {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("task_id", task.TaskID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return []worker.Outcome{{
			Err: fmt.Errorf("%w: %s channel unavailable", ErrCircuitOpen, p.breaker.config.Name),
		}}
	}

	recorded := false
	defer func() {
		if !recorded {
			p.breaker.RecordFailure()
		}
	}()

	outcomes := p.strategy.Send(ctx, task, content, owner, data)
	recorded = true

	if downstreamFailed(outcomes) {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("task_id", task.TaskID),
		)
		return outcomes
	}

	p.breaker.RecordSuccess()
	return outcomes
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedStrategy) Breaker() *CircuitBreaker {
	return p.breaker
}

// downstreamFailed is true when nothing succeeded and at least one outcome
// failed for a reason other than the task's own configuration.
func downstreamFailed(outcomes []worker.Outcome) bool {
	failed := false
	for _, o := range outcomes {
		if o.Success {
			return false
		}
		if o.Err != nil && !errors.Is(o.Err, worker.ErrMisconfigured) {
			failed = true
		}
	}
	return failed
}
