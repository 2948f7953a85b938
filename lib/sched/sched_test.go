package sched_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/lib/sched"
)

func TestRunSoonExecutesAndNeverBlocks(t *testing.T) {
	s := sched.New(nil)
	var count atomic.Int32
	for i := 0; i < 8; i++ {
		s.RunSoon("test", func(context.Context) error {
			count.Add(1)
			return nil
		})
	}
	require.Eventually(t, func() bool { return count.Load() == 8 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestRunSoonCapturesErrorsAndPanics(t *testing.T) {
	sink := observability.NewFailureLog(16)
	s := sched.New(sink)

	s.RunSoon("errs", func(context.Context) error { return errors.New("task failed") })
	s.RunSoon("panics", func(context.Context) error { panic("kaboom") })

	require.Eventually(t, func() bool { return sink.Len() == 2 }, time.Second, 5*time.Millisecond)

	failures := sink.Drain()
	origins := map[string]string{}
	for _, f := range failures {
		origins[f.Origin] = f.Err.Error()
	}
	require.Equal(t, "task failed", origins["errs"])
	require.Contains(t, origins["panics"], "kaboom")
}

func TestEveryFiresAfterIntervalAndCancels(t *testing.T) {
	s := sched.New(nil)
	var count atomic.Int32
	started := time.Now()
	firstFire := make(chan time.Duration, 1)

	cancel := s.Every("tick", 30*time.Millisecond, func(context.Context) error {
		if count.Add(1) == 1 {
			firstFire <- time.Since(started)
		}
		return nil
	})

	select {
	case elapsed := <-firstFire:
		require.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("periodic task never fired")
	}

	require.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	settled := count.Load()
	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, count.Load(), settled+1)
}

func TestNamedLockSerializesSameKeyFIFO(t *testing.T) {
	s := sched.New(nil)
	lock := s.Named("orders.session-1")

	var order []string
	var mu sync.Mutex
	record := func(label string) {
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}

	aInside := make(chan struct{})
	releaseA := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, lock.Acquire(context.Background()))
		defer lock.Release()
		record("a-start")
		close(aInside)
		// Suspension point mid-critical-section: B and C must stay parked.
		<-releaseA
		record("a-end")
	}()

	<-aInside
	for _, label := range []string{"b", "c"} {
		label := label
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, lock.Acquire(context.Background()))
			defer lock.Release()
			record(label + "-start")
			record(label + "-end")
		}()
		// Give each waiter time to enqueue so arrival order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	close(releaseA)
	wg.Wait()

	require.Equal(t, []string{"a-start", "a-end", "b-start", "b-end", "c-start", "c-end"}, order)
}

func TestNamedLockDistinctKeysDoNotContend(t *testing.T) {
	s := sched.New(nil)
	first := s.Named("key-a")
	second := s.Named("key-b")

	require.NoError(t, first.Acquire(context.Background()))
	defer first.Release()

	done := make(chan struct{})
	go func() {
		require.NoError(t, second.Acquire(context.Background()))
		second.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different key blocked behind held lock")
	}
}

func TestNamedLockAcquireHonorsContext(t *testing.T) {
	s := sched.New(nil)
	lock := s.Named("busy")
	require.NoError(t, lock.Acquire(context.Background()))
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := lock.Acquire(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNamedLockDoReleasesOnError(t *testing.T) {
	s := sched.New(nil)
	lock := s.Named("do")

	sentinel := errors.New("inner failure")
	err := lock.Do(context.Background(), func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	// Lock must be free again.
	require.NoError(t, lock.Acquire(context.Background()))
	lock.Release()
}

func TestRunSoonAfterShutdownReportsUnavailable(t *testing.T) {
	sink := observability.NewFailureLog(4)
	s := sched.New(sink)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	s.RunSoon("late", func(context.Context) error { return nil })
	require.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, 5*time.Millisecond)
}
