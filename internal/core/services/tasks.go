package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// TaskStatus is the lifecycle of a background task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// TaskFunc is the body of a background task.
type TaskFunc func(ctx context.Context) (any, error)

// Task is the handle of a submitted unit of work. Its result is available once
// Done is closed; nothing requires a caller to ever read it.
type Task struct {
	ID   string
	Kind string

	done chan struct{}

	mu     sync.Mutex
	status TaskStatus
	value  any
	err    error
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the task's value and error. Both are zero until Done is closed.
func (t *Task) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.err
}

// Status returns the current status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setStatus(s TaskStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Task) finish(value any, err error) {
	t.mu.Lock()
	t.value = value
	t.err = err
	if err != nil {
		t.status = TaskFailed
	} else {
		t.status = TaskSucceeded
	}
	t.mu.Unlock()
	close(t.done)
}

// DefaultTaskRetention is how long a finished task stays retrievable by id.
const DefaultTaskRetention = 15 * time.Minute

// TaskQueue runs detached background work after an initial delay. Tasks are
// independent of the request that submitted them and cannot be cancelled.
type TaskQueue struct {
	log       logrus.FieldLogger
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	retention time.Duration

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTaskQueue creates a queue running at most maxConcurrent tasks at once.
func NewTaskQueue(maxConcurrent int64, log logrus.FieldLogger) *TaskQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &TaskQueue{
		log:       log.WithField("component", "tasks"),
		sem:       semaphore.NewWeighted(maxConcurrent),
		retention: DefaultTaskRetention,
		tasks:     make(map[string]*Task),
	}
}

// Get returns a pending, running or recently finished task, nil if unknown.
func (q *TaskQueue) Get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id]
}

func (q *TaskQueue) forget(id string) {
	q.mu.Lock()
	delete(q.tasks, id)
	q.mu.Unlock()
}

// Submit schedules fn to run after delay and returns its handle immediately.
func (q *TaskQueue) Submit(kind string, delay time.Duration, fn TaskFunc) *Task {
	task := &Task{
		ID:     uuid.New().String(),
		Kind:   kind,
		done:   make(chan struct{}),
		status: TaskPending,
	}

	q.mu.Lock()
	q.tasks[task.ID] = task
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(task, delay, fn)

	q.log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"kind":    kind,
		"delay":   delay,
	}).Debug("Task scheduled")

	return task
}

// Shutdown waits for in-flight tasks until ctx is done.
func (q *TaskQueue) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

func (q *TaskQueue) run(task *Task, delay time.Duration, fn TaskFunc) {
	defer q.wg.Done()
	defer time.AfterFunc(q.retention, func() { q.forget(task.ID) })

	if delay > 0 {
		time.Sleep(delay)
	}

	ctx := context.Background()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		task.finish(nil, err)
		return
	}
	defer q.sem.Release(1)

	task.setStatus(TaskRunning)

	value, err := q.call(ctx, task, fn)
	task.finish(value, err)

	log := q.log.WithFields(logrus.Fields{"task_id": task.ID, "kind": task.Kind})
	if err != nil {
		log.WithError(err).Warn("Task failed")
		return
	}
	log.Debug("Task finished")
}

func (q *TaskQueue) call(ctx context.Context, task *Task, fn TaskFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return fn(ctx)
}
