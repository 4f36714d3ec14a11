package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lyb88999/gns/internal/cronexpr"
	"github.com/lyb88999/gns/internal/db"
)

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*db.Task
}

func newMemStore(tasks ...*db.Task) *memStore {
	s := &memStore{tasks: map[string]*db.Task{}}
	for _, t := range tasks {
		s.tasks[t.TaskID] = t
	}
	return s
}

func (s *memStore) get(id string) *db.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *memStore) FindByTaskID(ctx context.Context, taskID string) (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, db.ErrTaskNotFound
	}
	return t, nil
}

func (s *memStore) filter(keep func(*db.Task) bool) []*db.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Task
	for _, t := range s.tasks {
		if t.Active && t.TriggerType == db.TriggerCron && keep(t) {
			// Rows come back as copies, like a real query.
			row := *t
			out = append(out, &row)
		}
	}
	return out
}

func (s *memStore) FindDueCronTasks(ctx context.Context, now time.Time) ([]*db.Task, error) {
	return s.filter(func(t *db.Task) bool { return t.NextRunAt != nil && !t.NextRunAt.After(now) }), nil
}

func (s *memStore) FindUninitializedCronTasks(ctx context.Context) ([]*db.Task, error) {
	return s.filter(func(t *db.Task) bool { return t.NextRunAt == nil }), nil
}

func (s *memStore) FindActiveCronTasks(ctx context.Context) ([]*db.Task, error) {
	return s.filter(func(t *db.Task) bool { return true }), nil
}

func (s *memStore) SaveRunState(ctx context.Context, t *db.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Normalize()
	s.tasks[t.TaskID] = t
	return nil
}

func (s *memStore) ClaimFiring(ctx context.Context, taskID string, due time.Time, next *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || !t.Active || t.NextRunAt == nil || !t.NextRunAt.Equal(due) {
		return false, nil
	}
	row := *t
	row.NextRunAt = next
	s.tasks[taskID] = &row
	return true, nil
}

// recordingExecutor counts firings and advances next runs like the processor.
type recordingExecutor struct {
	mu    sync.Mutex
	store *memStore
	runs  map[string]int
}

func newRecordingExecutor(store *memStore) *recordingExecutor {
	return &recordingExecutor{store: store, runs: map[string]int{}}
}

func (r *recordingExecutor) ExecuteTask(ctx context.Context, task *db.Task, manual bool) error {
	r.mu.Lock()
	r.runs[task.TaskID]++
	r.mu.Unlock()
	r.UpdateNextRunAt(ctx, task, time.Now())
	return nil
}

func (r *recordingExecutor) UpdateNextRunAt(ctx context.Context, task *db.Task, now time.Time) {
	task.NextRunAt = nil
	if next, err := cronexpr.Next(task.CronExpression, now); err == nil {
		task.NextRunAt = &next
	}
	r.store.SaveRunState(ctx, task)
}

func (r *recordingExecutor) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func cronTask(id, expr string) *db.Task {
	return &db.Task{
		TaskID:         id,
		TriggerType:    db.TriggerCron,
		CronExpression: expr,
		Active:         true,
	}
}
