package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/redis"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.Wrap(rdb, zap.NewNop()), mr
}

type memStore struct {
	mu      sync.Mutex
	tasks   map[string]*db.Task
	users   map[int64]*db.User
	logs    []*db.DeliveryAttempt
	findErr error
}

func newMemStore(tasks ...*db.Task) *memStore {
	s := &memStore{tasks: map[string]*db.Task{}, users: map[int64]*db.User{}}
	for _, t := range tasks {
		s.tasks[t.TaskID] = t
	}
	return s
}

func (s *memStore) FindByTaskID(_ context.Context, taskID string) (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, db.ErrTaskNotFound
	}
	return t, nil
}

func (s *memStore) FindUserByID(_ context.Context, id int64) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	return u, nil
}

func (s *memStore) AppendLog(_ context.Context, a *db.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, a)
	return nil
}

func (s *memStore) attempts() []*db.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*db.DeliveryAttempt(nil), s.logs...)
}

// recordingStrategy returns fixed outcomes and remembers what it was sent.
type recordingStrategy struct {
	channel  string
	outcomes []Outcome
	panicMsg string

	mu       sync.Mutex
	contents []string
	data     []map[string]any
}

func (s *recordingStrategy) Channel() string { return s.channel }

func (s *recordingStrategy) Send(_ context.Context, _ *db.Task, content string, _ *db.User, data map[string]any) []Outcome {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.mu.Lock()
	s.contents = append(s.contents, content)
	s.data = append(s.data, data)
	s.mu.Unlock()
	return s.outcomes
}

func strPtr(s string) *string { return &s }
