// Package assetsvc polls venue account balances and publishes snapshots on
// the bus, decoupling balance tracking from the trading sessions that
// consume it.
package assetsvc

import (
	"context"
	"time"

	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/event"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/lib/sched"
)

// AccountFetcher is the slice of a venue driver this service needs.
type AccountFetcher interface {
	Platform() string
	FetchAccount(ctx context.Context) (map[string]domain.Holding, error)
}

// Publisher sends envelopes to the bus.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

const defaultPollInterval = 10 * time.Second

// Option tunes Service construction.
type Option func(*Service)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// Service polls one (platform, account) pair. Every poll publishes a
// snapshot; the Updated flag tells consumers whether holdings actually
// moved since the previous one.
type Service struct {
	serverID string
	account  string
	fetcher  AccountFetcher
	pub      Publisher
	sched    *sched.Scheduler
	interval time.Duration
	lock     *sched.Lock

	last *domain.Asset
	stop func()
}

// New builds the service for one account.
func New(serverID, account string, fetcher AccountFetcher, pub Publisher, scheduler *sched.Scheduler, opts ...Option) *Service {
	s := &Service{
		serverID: serverID,
		account:  account,
		fetcher:  fetcher,
		pub:      pub,
		sched:    scheduler,
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.lock = scheduler.Named("assetsvc." + fetcher.Platform() + "." + account)
	return s
}

// Start registers the periodic poll.
func (s *Service) Start() {
	if s.stop != nil {
		return
	}
	s.stop = s.sched.Every("assetsvc."+s.fetcher.Platform(), s.interval, s.poll)
}

// Stop cancels the poll. The last snapshot stays published.
func (s *Service) Stop() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

// poll fetches one snapshot, replaces the cache wholly and publishes it.
// Ticker firings overlap when a fetch outlasts the interval, so the body
// runs under the service's named lock and polls apply in arrival order.
func (s *Service) poll(ctx context.Context) error {
	return s.lock.Do(ctx, func() error {
		holdings, err := s.fetcher.FetchAccount(ctx)
		if err != nil {
			observability.Log().Warn("account fetch failed",
				observability.F("platform", s.fetcher.Platform()),
				observability.F("account", s.account),
				observability.F("error", err.Error()))
			return err
		}

		asset := &domain.Asset{
			Platform:  s.fetcher.Platform(),
			Account:   s.account,
			Holdings:  holdings,
			Timestamp: time.Now().UnixMilli(),
		}
		asset.Updated = !asset.EqualHoldings(s.last)
		s.last = asset

		if err := s.pub.Publish(ctx, event.NewAsset(s.serverID, asset.Copy())); err != nil {
			return err
		}
		observability.Telemetry().SetGauge("tradecore_asset_currencies",
			float64(len(holdings)),
			map[string]string{"platform": s.fetcher.Platform(), "account": s.account})
		return nil
	})
}
