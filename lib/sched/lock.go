package sched

import (
	"context"
	"fmt"
	"sync"
)

// Lock is a FIFO-fair mutual exclusion primitive handed out by
// Scheduler.Named. Holders that suspend mid-critical-section (on network
// I/O, say) keep later arrivals for the same key parked until Release.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func newLock() *Lock {
	return &Lock{held: false, waiters: nil}
}

// Acquire blocks until the lock is available or ctx expires. Waiters are
// admitted strictly in arrival order.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	l.waiters = append(l.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		l.abandon(ticket)
		return fmt.Errorf("acquire named lock: %w", ctx.Err())
	}
}

// Release hands the lock to the oldest waiter, if any.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// Do runs fn while holding the lock, releasing on every exit path.
func (l *Lock) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// abandon removes a canceled waiter, or passes the lock on if the ticket
// was granted concurrently with cancellation.
func (l *Lock) abandon(ticket chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, waiter := range l.waiters {
		if waiter == ticket {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
	// Ticket already granted; behave as if acquired then released.
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}
