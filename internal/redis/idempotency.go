package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed send is remembered per key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock held while the first request runs.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another request with the same key is in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the cached response of an accepted send.
type IdempotencyResult struct {
	TaskID     string `json:"task_id"`
	EntryID    string `json:"entry_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService de-duplicates send requests by Idempotency-Key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

// Check returns the cached result for key, nil on a miss, or
// ErrDuplicateRequest when the key is locked by an in-flight request.
func (s *IdempotencyService) Check(ctx context.Context, caller, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, idempotencyKey(caller, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("caller", caller),
		zap.String("task_id", result.TaskID),
	)

	return &result, nil
}

// Store saves the result of a completed request, replacing the lock.
func (s *IdempotencyService) Store(ctx context.Context, caller, key string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, idempotencyKey(caller, key), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops the lock so a failed request can be retried with the same key.
func (s *IdempotencyService) Release(ctx context.Context, caller, key string) error {
	return s.client.rdb.Del(ctx, idempotencyKey(caller, key)).Err()
}

// CheckOrReserve returns a cached result, or takes the lock (SET NX) and
// returns nil. A lost race yields ErrDuplicateRequest.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, caller, key string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, caller, key)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.client.rdb.SetNX(ctx, idempotencyKey(caller, key), processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
