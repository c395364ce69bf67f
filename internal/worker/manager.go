package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"ragdesk/internal/metrics"
)

// ErrClosed is returned by Go after Shutdown started.
var ErrClosed = errors.New("task manager is shut down")

// Task is one background job. It is registered under every key it covers,
// typically the document ids it processes.
type Task struct {
	ID        string
	Kind      string
	Keys      []string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the task function returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task result; only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel asks the task to stop by cancelling its context.
func (t *Task) Cancel() { t.cancel() }

// Manager runs tasks on their own goroutines, detached from the caller's
// context, and keeps a handle per key for lookup and cancellation.
type Manager struct {
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
}

func NewManager() *Manager {
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		base:  base,
		stop:  stop,
		tasks: make(map[string]*Task),
	}
}

// Go starts fn in the background. A key already held by a running task is
// taken over by the new task; the older one keeps running.
func (m *Manager) Go(keys []string, kind string, fn func(ctx context.Context) error) (*Task, error) {
	if fn == nil {
		return nil, errors.New("task func required")
	}
	ctx, cancel := context.WithCancel(m.base)
	task := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Keys:      append([]string(nil), keys...),
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	for _, key := range task.Keys {
		if prev, ok := m.tasks[key]; ok {
			log.Printf("worker: key %s already held by task %s, taken over by %s", key, prev.ID, task.ID)
		}
		m.tasks[key] = task
	}
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.ActiveTasks.Inc()
	debugLog("[worker] start %s task %s for %v", kind, task.ID, task.Keys)
	go m.run(ctx, task, fn)
	return task, nil
}

func (m *Manager) run(ctx context.Context, task *Task, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			task.err = fmt.Errorf("task panicked: %v", r)
			log.Printf("worker: %s task %s panicked: %v\n%s", task.Kind, task.ID, r, debug.Stack())
		}
		m.mu.Lock()
		for _, key := range task.Keys {
			if m.tasks[key] == task {
				delete(m.tasks, key)
			}
		}
		m.mu.Unlock()
		task.cancel()
		close(task.done)
		metrics.ActiveTasks.Dec()
		m.wg.Done()
		debugLog("[worker] %s task %s finished after %s, err=%v", task.Kind, task.ID, time.Since(task.StartedAt), task.err)
	}()
	task.err = fn(ctx)
}

// Active returns the running task registered under key.
func (m *Manager) Active(key string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[key]
	return task, ok
}

// Len counts running tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[*Task]struct{}, len(m.tasks))
	for _, task := range m.tasks {
		seen[task] = struct{}{}
	}
	return len(seen)
}

// Cancel cancels the task under key. It reports whether one was running.
func (m *Manager) Cancel(key string) bool {
	task, ok := m.Active(key)
	if ok {
		task.Cancel()
	}
	return ok
}

// Wait blocks until the task under key, if any, has finished or ctx ends.
func (m *Manager) Wait(ctx context.Context, key string) error {
	task, ok := m.Active(key)
	if !ok {
		return nil
	}
	select {
	case <-task.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAndWait cancels the task under key and waits for it to return.
func (m *Manager) CancelAndWait(ctx context.Context, key string) error {
	task, ok := m.Active(key)
	if !ok {
		return nil
	}
	task.Cancel()
	select {
	case <-task.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new tasks and waits for running ones. When ctx ends first
// every task is cancelled and ctx's error is returned once they stopped.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		<-finished
		return ctx.Err()
	}
}
