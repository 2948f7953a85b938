// Package sched provides the cooperative task scheduler every other
// tradecore component builds on: fire-and-forget dispatch, periodic
// execution, and per-key FIFO mutual exclusion.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/observability"
)

// Task is a unit of deferred work. Its error never reaches the scheduling
// call site; it is routed to the failure sink instead.
type Task func(context.Context) error

// Scheduler executes deferred and periodic work and hands out named locks.
// Construct one per process (or per test) with New; there is no package
// global.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	sink   observability.FailureSink
	wg     sync.WaitGroup
	once   sync.Once

	mu    sync.Mutex
	locks map[string]*Lock
}

// New constructs a scheduler reporting swallowed task errors to sink.
// A nil sink discards failures.
func New(sink observability.FailureSink) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := new(Scheduler)
	s.ctx = ctx
	s.cancel = cancel
	s.sink = sink
	s.locks = make(map[string]*Lock)
	return s
}

// RunSoon schedules fn for near-term execution and returns immediately.
// Errors and panics from fn are captured and reported under origin; the
// caller never observes them.
func (s *Scheduler) RunSoon(origin string, fn Task) {
	if fn == nil {
		return
	}
	select {
	case <-s.ctx.Done():
		s.report(origin, errs.New("sched", errs.CodeUnavailable, errs.WithMessage("scheduler stopped")))
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(origin, fn)
	}()
}

func (s *Scheduler) execute(origin string, fn Task) {
	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = fn(s.ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		s.report(origin, fmt.Errorf("task panic: %v", recovered.Value))
		return
	}
	if err != nil {
		s.report(origin, err)
	}
}

// Every registers fn to run repeatedly at the fixed interval. The first
// firing occurs after one interval elapses. Firings overlap: a slow run does
// not delay the next tick, so fn must tolerate concurrent invocations or
// serialize itself with a named lock. The returned cancel stops the ticker.
func (s *Scheduler) Every(origin string, interval time.Duration, fn Task) (cancel func()) {
	if fn == nil || interval <= 0 {
		return func() {}
	}
	tickCtx, stop := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.RunSoon(origin, fn)
			}
		}
	}()
	return stop
}

// Named returns the lock registered under key, creating it on first use.
// All callers sharing a key execute one at a time in arrival order.
func (s *Scheduler) Named(key string) *Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = newLock()
		s.locks[key] = lock
	}
	return lock
}

// Shutdown stops accepting work and waits for in-flight tasks to finish or
// for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.once.Do(s.cancel)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (s *Scheduler) report(origin string, err error) {
	if err == nil {
		return
	}
	observability.Log().Error("scheduled task failed",
		observability.F("origin", origin), observability.F("error", err.Error()))
	if s.sink != nil {
		s.sink.Report(observability.TaskFailure{Origin: origin, Err: err, Time: time.Now()})
	}
}
