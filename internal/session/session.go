// Package session implements the generic per-venue trading session: a state
// machine that authenticates against a venue, bootstraps order state from a
// REST snapshot, then tracks the streaming feed, reconciling on every
// reconnect so terminal state is neither lost nor duplicated.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/bus"
	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/event"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/lib/sched"
)

// State is the session lifecycle state.
type State int32

const (
	// StateInit is the freshly constructed session.
	StateInit State = iota
	// StateAuthenticating covers listen-key acquisition or signed login.
	StateAuthenticating
	// StateBootstrapping covers the REST open-orders reconciliation.
	StateBootstrapping
	// StateLive means the streaming feed is the source of truth.
	StateLive
	// StateReconnecting means the stream dropped and is being re-established.
	StateReconnecting
	// StateFailed is terminal: construction or first bootstrap failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "INIT"
	}
}

// RevokeFailure pairs one order id with the error that kept it open.
type RevokeFailure struct {
	OrderID string
	Err     error
}

// Bus is the slice of the event center the session needs for its asset
// relay.
type Bus interface {
	Subscribe(ctx context.Context, env *event.Envelope, cb bus.Callback, multi bool) error
}

// Option tunes Session construction.
type Option func(*Session)

// WithBus enables the asset relay: the session subscribes to its account's
// asset stream and mirrors snapshots into the OnAsset callback.
func WithBus(b Bus) Option {
	return func(s *Session) { s.bus = b }
}

// WithPositionDriver supplies an explicit exposure poller for venues whose
// position endpoint lives apart from the trade driver. Without this option
// the stream driver itself is used when it implements PositionDriver.
func WithPositionDriver(pd PositionDriver) Option {
	return func(s *Session) { s.pos = pd }
}

// Session drives one (platform, account, strategy, symbol) connection. All
// exposed state is returned as copies; the live maps never leave the
// session.
type Session struct {
	cfg    Config
	driver StreamDriver
	pos    PositionDriver
	sched  *sched.Scheduler
	bus    Bus
	lock   *sched.Lock

	mu        sync.Mutex
	state     State
	orders    map[string]*domain.Order
	asset     domain.Asset
	position  *domain.Position
	initDone  bool
	posSeeded bool
	stopPoll  func()
	initErr   error
}

// New validates the configuration and builds the session. A missing
// required parameter is fatal: the session lands in FAILED, the init-result
// callback fires with the error, and the error is returned. There is no
// retry path out of FAILED.
func New(cfg Config, driver StreamDriver, scheduler *sched.Scheduler, opts ...Option) (*Session, error) {
	s := new(Session)
	s.cfg = cfg
	s.driver = driver
	s.sched = scheduler
	s.state = StateInit
	s.orders = make(map[string]*domain.Order)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.pos == nil {
		if pd, ok := driver.(PositionDriver); ok {
			s.pos = pd
		}
	}
	s.lock = scheduler.Named(fmt.Sprintf("session.%s.%s.%s", driver.Platform(), cfg.Account, cfg.Symbol))
	s.position = domain.NewPosition(driver.Platform(), cfg.Account, cfg.Strategy, cfg.Symbol)

	if err := cfg.validate(driver.Platform()); err != nil {
		s.state = StateFailed
		s.initErr = err
		s.fireInitResult(false, err)
		return s, err
	}
	return s, nil
}

// Start opens the venue stream. It returns an error only when the first
// bootstrap cannot begin at all; transient losses afterwards are handled by
// the driver's reconnect loop plus reconciliation.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateFailed {
		err := s.initErr
		s.mu.Unlock()
		return err
	}
	s.state = StateAuthenticating
	s.mu.Unlock()

	if s.bus != nil {
		sub := event.AssetSubscription(s.cfg.ServerID, s.driver.Platform(), s.cfg.Account)
		if err := s.bus.Subscribe(ctx, sub, s.onAssetEvent, false); err != nil {
			observability.Log().Error("asset subscription failed",
				observability.F("platform", s.driver.Platform()),
				observability.F("error", err.Error()))
		}
	}

	hooks := StreamHooks{
		OnUp:          s.onStreamUp,
		OnDown:        s.onStreamDown,
		OnOrderUpdate: s.handleOrderUpdate,
	}
	if err := s.driver.OpenStream(ctx, hooks); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.initErr = err
		s.mu.Unlock()
		s.fireInitResult(false, err)
		return err
	}
	return nil
}

// Stop closes the stream and the position poller. Cached state stays
// readable.
func (s *Session) Stop() error {
	s.mu.Lock()
	stop := s.stopPoll
	s.stopPoll = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return s.driver.CloseStream()
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Orders returns a snapshot of the live (non-terminal) order map.
func (s *Session) Orders() map[string]domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Order, len(s.orders))
	for id, o := range s.orders {
		out[id] = o.Copy()
	}
	return out
}

// Asset returns a deep copy of the last relayed balance snapshot.
func (s *Session) Asset() domain.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asset.Copy()
}

// Position returns a copy of the cached exposure.
func (s *Session) Position() domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position.Copy()
}

// CreateOrder submits one order and returns its composite id. The local
// map is not touched here: the streamed (or reconciled) venue report is
// what creates the entry, so a rejected order never leaves a ghost behind.
func (s *Session) CreateOrder(ctx context.Context, side domain.OrderSide, price, quantity decimal.Decimal, typ domain.OrderType) (string, error) {
	id, err := s.driver.PlaceOrder(ctx, OrderRequest{
		Symbol:   s.cfg.Symbol,
		Side:     side,
		Type:     typ,
		Price:    price,
		Quantity: quantity,
	})
	if err != nil {
		observability.Log().Error("create order failed",
			observability.F("platform", s.driver.Platform()),
			observability.F("symbol", s.cfg.Symbol),
			observability.F("error", err.Error()))
		return "", err
	}
	observability.Log().Info("order submitted",
		observability.F("platform", s.driver.Platform()),
		observability.F("order_id", id),
		observability.F("side", string(side)))
	return id, nil
}

// RevokeOrder cancels orders in three shapes. Zero ids cancels every open
// order from a fresh REST snapshot and stops at the first error, leaving
// earlier cancels canceled. One id cancels that order. Multiple ids cancel
// best effort and return the partitioned outcome with a nil error.
func (s *Session) RevokeOrder(ctx context.Context, ids ...string) (succeeded []string, failed []RevokeFailure, err error) {
	switch len(ids) {
	case 0:
		open, snapErr := s.OpenOrderIDs(ctx)
		if snapErr != nil {
			return nil, nil, snapErr
		}
		for _, id := range open {
			if cancelErr := s.driver.CancelOrder(ctx, id); cancelErr != nil {
				return succeeded, []RevokeFailure{{OrderID: id, Err: cancelErr}}, cancelErr
			}
			succeeded = append(succeeded, id)
		}
		return succeeded, nil, nil
	case 1:
		if cancelErr := s.driver.CancelOrder(ctx, ids[0]); cancelErr != nil {
			return nil, []RevokeFailure{{OrderID: ids[0], Err: cancelErr}}, cancelErr
		}
		return []string{ids[0]}, nil, nil
	default:
		for _, id := range ids {
			if cancelErr := s.driver.CancelOrder(ctx, id); cancelErr != nil {
				failed = append(failed, RevokeFailure{OrderID: id, Err: cancelErr})
				continue
			}
			succeeded = append(succeeded, id)
		}
		return succeeded, failed, nil
	}
}

// OpenOrderIDs fetches a fresh REST snapshot of open order ids.
func (s *Session) OpenOrderIDs(ctx context.Context) ([]string, error) {
	orders, err := s.driver.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *Session) onStreamUp(ctx context.Context) {
	_ = s.lock.Do(ctx, func() error {
		s.setState(StateAuthenticating)
		s.setState(StateBootstrapping)
		if err := s.reconcile(ctx); err != nil {
			s.mu.Lock()
			first := !s.initDone
			s.mu.Unlock()
			if first {
				s.mu.Lock()
				s.state = StateFailed
				s.initErr = err
				s.mu.Unlock()
				s.fireInitResult(false, err)
				return err
			}
			// Stay in RECONNECTING: the next stream-up retries the
			// snapshot before trusting the feed again.
			s.setState(StateReconnecting)
			observability.Log().Error("reconciliation failed",
				observability.F("platform", s.driver.Platform()),
				observability.F("error", err.Error()))
			return err
		}
		s.setState(StateLive)

		s.mu.Lock()
		first := !s.initDone
		s.initDone = true
		// Deciding and storing the poller under one critical section keeps
		// the start-once invariant local; Every never fires inline, so
		// registering while holding the lock cannot deadlock.
		if s.pos != nil && s.stopPoll == nil {
			s.stopPoll = s.sched.Every(
				fmt.Sprintf("session.%s.position", s.driver.Platform()),
				s.cfg.positionPoll(), s.pollPosition)
		}
		s.mu.Unlock()
		if first {
			s.fireInitResult(true, nil)
		}
		return nil
	})
}

func (s *Session) onStreamDown(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateLive || s.state == StateBootstrapping {
		s.state = StateReconnecting
	}
	state := s.state
	s.mu.Unlock()
	observability.Log().Warn("venue stream lost",
		observability.F("platform", s.driver.Platform()),
		observability.F("state", state.String()))
}

// reconcile seeds or refreshes the order map from a REST snapshot. Entries
// already known keep their identity fields and take the snapshot's status,
// remaining quantity and fill price; unseen orders are created. Only after
// this returns does the streamed feed become the source of truth.
func (s *Session) reconcile(ctx context.Context) error {
	open, err := s.driver.OpenOrders(ctx)
	if err != nil {
		return err
	}
	notify := make([]domain.Order, 0, len(open))
	s.mu.Lock()
	for i := range open {
		o := open[i]
		existing, ok := s.orders[o.ID]
		if ok {
			existing.Status = o.Status
			existing.Remain = o.Remain
			existing.AvgPrice = o.AvgPrice
			existing.Utime = o.Utime
			notify = append(notify, existing.Copy())
			continue
		}
		created := o
		created.Platform = s.driver.Platform()
		created.Account = s.cfg.Account
		created.Strategy = s.cfg.Strategy
		s.orders[o.ID] = &created
		notify = append(notify, created.Copy())
	}
	s.mu.Unlock()

	observability.Log().Info("order state reconciled",
		observability.F("platform", s.driver.Platform()),
		observability.F("open_orders", len(open)))
	if cb := s.cfg.Callbacks.OnOrder; cb != nil {
		for _, o := range notify {
			cb(o)
		}
	}
	return nil
}

// handleOrderUpdate applies one streamed update under the session lock so
// updates for this session land strictly in arrival order.
func (s *Session) handleOrderUpdate(ctx context.Context, up OrderUpdate) {
	_ = s.lock.Do(ctx, func() error {
		s.applyOrderUpdate(up)
		return nil
	})
}

func (s *Session) applyOrderUpdate(up OrderUpdate) {
	status, ok := s.driver.MapStatus(up.RawStatus)
	if !ok {
		// An unknown status must never corrupt a known order: drop the
		// update, keep the connection.
		observability.Log().Warn("unknown order status, dropping update",
			observability.F("platform", s.driver.Platform()),
			observability.F("order_id", up.OrderID),
			observability.F("raw_status", up.RawStatus))
		observability.Telemetry().IncCounter("tradecore_session_dropped_updates_total", 1,
			map[string]string{"platform": s.driver.Platform()})
		return
	}

	s.mu.Lock()
	o, exists := s.orders[up.OrderID]
	if !exists {
		symbol := up.Symbol
		if symbol == "" {
			symbol = s.cfg.Symbol
		}
		o = &domain.Order{
			ID:       up.OrderID,
			Platform: s.driver.Platform(),
			Account:  s.cfg.Account,
			Strategy: s.cfg.Strategy,
			Symbol:   symbol,
			Side:     up.Side,
			Type:     up.Type,
			Price:    up.Price,
			Quantity: up.Quantity,
			Ctime:    up.Ctime,
		}
		s.orders[up.OrderID] = o
	}
	o.Status = status
	o.Remain = up.Remain
	o.AvgPrice = up.AvgPrice
	o.Utime = up.Utime
	snapshot := o.Copy()
	s.mu.Unlock()

	if cb := s.cfg.Callbacks.OnOrder; cb != nil {
		cb(snapshot)
	}
	if status.Terminal() {
		s.mu.Lock()
		delete(s.orders, up.OrderID)
		s.mu.Unlock()
	}
}

// pollPosition diffs one venue exposure snapshot against the cache. The
// first snapshot after bootstrap always notifies to establish the baseline;
// afterwards only quantity or average price movement does.
func (s *Session) pollPosition(ctx context.Context) error {
	snap, err := s.pos.FetchPosition(ctx)
	if err != nil {
		observability.Log().Warn("position fetch failed",
			observability.F("platform", s.driver.Platform()),
			observability.F("error", err.Error()))
		return err
	}
	s.mu.Lock()
	changed := s.position.Apply(snap)
	first := !s.posSeeded
	s.posSeeded = true
	snapshot := s.position.Copy()
	s.mu.Unlock()

	if (first || changed) && s.cfg.Callbacks.OnPosition != nil {
		s.cfg.Callbacks.OnPosition(snapshot)
	}
	return nil
}

func (s *Session) onAssetEvent(ctx context.Context, env *event.Envelope) error {
	var payload event.AssetPayload
	if err := env.DecodeInto(&payload); err != nil {
		return errs.New(s.driver.Platform(), errs.CodeProtocol,
			errs.WithMessage("malformed asset payload"), errs.WithCause(err))
	}
	asset := payload.Asset()
	s.mu.Lock()
	s.asset = asset.Copy()
	s.mu.Unlock()
	if cb := s.cfg.Callbacks.OnAsset; cb != nil {
		cb(asset.Copy())
	}
	return nil
}

func (s *Session) fireInitResult(ok bool, err error) {
	cb := s.cfg.Callbacks.OnInitResult
	if cb == nil {
		return
	}
	s.sched.RunSoon("session.init_result", func(ctx context.Context) error {
		cb(ok, err)
		return nil
	})
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		observability.Log().Info("session state changed",
			observability.F("platform", s.driver.Platform()),
			observability.F("from", prev.String()),
			observability.F("to", next.String()))
	}
}
