package assetsvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/event"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/lib/sched"
)

type fakeFetcher struct {
	mu       sync.Mutex
	holdings []map[string]domain.Holding
	idx      int
}

func (f *fakeFetcher) Platform() string { return "fakex" }

func (f *fakeFetcher) FetchAccount(ctx context.Context) (map[string]domain.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.holdings[f.idx]
	if f.idx < len(f.holdings)-1 {
		f.idx++
	}
	return h, nil
}

type capturePublisher struct {
	mu   sync.Mutex
	envs []*event.Envelope
}

func (p *capturePublisher) Publish(ctx context.Context, env *event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturePublisher) payloads(t *testing.T) []event.AssetPayload {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.AssetPayload, 0, len(p.envs))
	for _, env := range p.envs {
		payload, ok := env.Data.(event.AssetPayload)
		require.True(t, ok)
		out = append(out, payload)
	}
	return out
}

func holding(free string) map[string]domain.Holding {
	f := decimal.RequireFromString(free)
	return map[string]domain.Holding{
		"BTC": {Free: f, Total: f},
	}
}

func TestPollPublishesEveryTimeFlagsChanges(t *testing.T) {
	scheduler := sched.New(observability.NewFailureLog(16))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})

	fetcher := &fakeFetcher{holdings: []map[string]domain.Holding{
		holding("1"), holding("1"), holding("2"),
	}}
	pub := new(capturePublisher)
	svc := New("srv-test", "acct@test", fetcher, pub, scheduler)

	ctx := context.Background()
	require.NoError(t, svc.poll(ctx))
	require.NoError(t, svc.poll(ctx))
	require.NoError(t, svc.poll(ctx))

	payloads := pub.payloads(t)
	require.Len(t, payloads, 3)
	// First sighting counts as updated, an identical poll does not, a
	// balance move does again.
	require.True(t, payloads[0].Update)
	require.False(t, payloads[1].Update)
	require.True(t, payloads[2].Update)
	require.Equal(t, "fakex", payloads[2].Platform)
	require.Equal(t, "acct@test", payloads[2].Account)
	require.True(t, payloads[2].Assets["BTC"].Free.Equal(decimal.RequireFromString("2")))
}

type slowFetcher struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	calls   int
}

func (f *slowFetcher) Platform() string { return "fakex" }

func (f *slowFetcher) FetchAccount(ctx context.Context) (map[string]domain.Holding, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	f.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	f.active--
	f.calls++
	f.mu.Unlock()
	return holding("1"), nil
}

func TestOverlappingPollsSerialize(t *testing.T) {
	scheduler := sched.New(observability.NewFailureLog(16))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})

	fetcher := new(slowFetcher)
	pub := new(capturePublisher)
	svc := New("srv-test", "acct@test", fetcher, pub, scheduler)

	ctx := context.Background()
	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- svc.poll(ctx)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	fetcher.mu.Lock()
	maxSeen, calls := fetcher.maxSeen, fetcher.calls
	fetcher.mu.Unlock()
	// A fetch that outlasts the tick interval must never run concurrently
	// with another: the cache diff depends on polls applying one at a time.
	require.Equal(t, 1, maxSeen)
	require.Equal(t, 4, calls)

	payloads := pub.payloads(t)
	require.Len(t, payloads, 4)
	require.True(t, payloads[0].Update)
	require.False(t, payloads[1].Update)
	require.False(t, payloads[2].Update)
	require.False(t, payloads[3].Update)
}

func TestStartStopIdempotent(t *testing.T) {
	scheduler := sched.New(observability.NewFailureLog(16))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})

	fetcher := &fakeFetcher{holdings: []map[string]domain.Holding{holding("1")}}
	svc := New("srv-test", "acct@test", fetcher, new(capturePublisher), scheduler,
		WithInterval(time.Hour))
	svc.Start()
	svc.Start()
	svc.Stop()
	svc.Stop()
}
