// Package scheduler centralizes delayed tasks. Components register timers
// under stable keys (settle:<id>, exec:<id>) so cancellation paths can revoke
// pending work instead of racing flags.
package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler owns one timer per key. Scheduling an existing key replaces the
// previous timer.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	logger  *logrus.Entry
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		logger: logrus.WithField("component", "scheduler"),
	}
}

// Schedule runs fn after delay unless the key is cancelled or rescheduled
// first. fn executes on its own goroutine.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.WithField("key", key).Warn("schedule after stop ignored")
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
	}

	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel revokes the pending task for key. It reports whether a task was
// pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending returns the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending task. Tasks already firing may still run their
// first statements but are suppressed at the stopped check.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}
