package observability

import (
	"sync"
	"time"
)

// TaskFailure records an error swallowed by a fire-and-forget task.
type TaskFailure struct {
	Origin string
	Err    error
	Time   time.Time
}

// FailureSink receives errors that cannot be returned to any caller.
type FailureSink interface {
	Report(failure TaskFailure)
}

// FailureLog stores swallowed task failures in a bounded ring so tests and
// operators can inspect them.
type FailureLog struct {
	mu       sync.Mutex
	capacity int
	failures []TaskFailure
}

// NewFailureLog creates a failure log with the provided capacity.
// Capacity <=0 implies unbounded.
func NewFailureLog(capacity int) *FailureLog {
	log := new(FailureLog)
	log.capacity = capacity
	log.failures = make([]TaskFailure, 0)
	return log
}

// Report records a swallowed failure, dropping the oldest entry when full.
func (l *FailureLog) Report(failure TaskFailure) {
	if failure.Time.IsZero() {
		failure.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.capacity > 0 && len(l.failures) >= l.capacity {
		copy(l.failures[0:], l.failures[1:])
		l.failures[len(l.failures)-1] = failure
		return
	}
	l.failures = append(l.failures, failure)
}

// Drain retrieves and clears all recorded failures.
func (l *FailureLog) Drain() []TaskFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	drained := make([]TaskFailure, len(l.failures))
	copy(drained, l.failures)
	l.failures = l.failures[:0]
	return drained
}

// Len returns the number of recorded failures.
func (l *FailureLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failures)
}
