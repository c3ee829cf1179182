// Package scheduler provides cancellable timed tasks for the sync engine.
//
// Lock auto-release, idle sweeps, session garbage collection and batch
// flushing all run through one Scheduler so every pending timer can be
// cancelled when a document, client or session is torn down.
package scheduler

import (
	"sync"
	"time"
)

// Task is a single scheduled callback. Cancel stops the task if it has
// not fired yet; cancelling a fired or already-cancelled task is a no-op.
type Task struct {
	timer     *time.Timer
	mu        sync.Mutex
	cancelled bool
	fired     bool
	remove    func()
}

// Cancel stops the task. Returns true if the task was pending and is now
// guaranteed not to run.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	if t.remove != nil {
		t.remove()
	}
	return true
}

// Scheduler owns a set of pending tasks. Close cancels everything that
// has not fired, so no callback outlives the owning component.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[*Task]struct{})}
}

// After schedules fn to run once after d. The returned Task can be
// cancelled until it fires. fn runs on the timer goroutine.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &Task{}
	if s.closed {
		// Closed scheduler hands back an inert, pre-cancelled task.
		task.cancelled = true
		task.timer = time.NewTimer(0)
		task.timer.Stop()
		return task
	}

	task.remove = func() {
		s.mu.Lock()
		delete(s.tasks, task)
		s.mu.Unlock()
	}
	task.timer = time.AfterFunc(d, func() {
		task.mu.Lock()
		if task.cancelled {
			task.mu.Unlock()
			return
		}
		task.fired = true
		task.mu.Unlock()

		task.remove()
		fn()
	})
	s.tasks[task] = struct{}{}
	return task
}

// Every schedules fn to run repeatedly at interval d until the returned
// stop function is called. Callers hold the stop function and invoke it
// on teardown; a closed scheduler returns an already-stopped loop.
func (s *Scheduler) Every(d time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(done) }) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return stop
	}
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return stop
}

// Pending reports how many one-shot tasks have not fired or been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels all pending tasks. Subsequent After calls return
// pre-cancelled tasks.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		pending = append(pending, t)
	}
	s.tasks = make(map[*Task]struct{})
	s.mu.Unlock()

	for _, t := range pending {
		t.mu.Lock()
		if !t.cancelled && !t.fired {
			t.cancelled = true
			t.timer.Stop()
		}
		t.mu.Unlock()
	}
}
