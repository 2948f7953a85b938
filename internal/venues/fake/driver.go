// Package fake implements an in-process venue for local development and
// demos: orders are accepted into an in-memory book, fills are simulated on
// a timer, and the stream hooks fire the same way a real venue's would.
package fake

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/session"
)

// Options configure the simulated venue.
type Options struct {
	Symbol string
	// FillAfter is how long an order rests before it fills. Zero disables
	// simulated fills; orders stay open until canceled.
	FillAfter time.Duration
	// InitialHoldings seeds the account the asset service polls.
	InitialHoldings map[string]domain.Holding
}

// Driver is a venue that exists only in memory.
type Driver struct {
	opts  Options
	idSeq atomic.Int64

	mu     sync.Mutex
	open   map[string]*domain.Order
	hooks  session.StreamHooks
	timers []*time.Timer
	up     bool
}

// New builds the simulated venue.
func New(opts Options) *Driver {
	return &Driver{
		opts: opts,
		open: make(map[string]*domain.Order),
	}
}

// Platform names the venue.
func (d *Driver) Platform() string { return "fake" }

// MapStatus is the identity table: the simulator already speaks the
// normalized vocabulary.
func (d *Driver) MapStatus(raw string) (domain.OrderStatus, bool) {
	switch status := domain.OrderStatus(raw); status {
	case domain.StatusSubmitted, domain.StatusPartialFilled, domain.StatusFilled,
		domain.StatusCanceled, domain.StatusFailed:
		return status, true
	default:
		return domain.StatusNone, false
	}
}

// OpenOrders returns the resting orders.
func (d *Driver) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Order, 0, len(d.open))
	for _, o := range d.open {
		out = append(out, o.Copy())
	}
	return out, nil
}

// PlaceOrder accepts the order into the book and streams SUBMITTED.
func (d *Driver) PlaceOrder(ctx context.Context, req session.OrderRequest) (string, error) {
	venueID := strconv.FormatInt(d.idSeq.Add(1), 10)
	id := domain.OrderID(venueID, uuid.NewString())
	now := time.Now().UnixMilli()
	order := &domain.Order{
		ID:       id,
		Symbol:   d.opts.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
		Remain:   req.Quantity,
		Status:   domain.StatusSubmitted,
		Ctime:    now,
		Utime:    now,
	}

	d.mu.Lock()
	d.open[id] = order
	d.mu.Unlock()

	d.streamUpdate(ctx, order.Copy(), domain.StatusSubmitted)
	if d.opts.FillAfter > 0 {
		d.scheduleFill(ctx, id)
	}
	return id, nil
}

// CancelOrder removes the order and streams CANCELED.
func (d *Driver) CancelOrder(ctx context.Context, id string) error {
	d.mu.Lock()
	order, ok := d.open[id]
	if ok {
		delete(d.open, id)
	}
	d.mu.Unlock()
	if !ok {
		return errs.New("fake", errs.CodeRequest, errs.WithMessage("unknown order "+id))
	}
	d.streamUpdate(ctx, order.Copy(), domain.StatusCanceled)
	return nil
}

// FetchAccount reports the seeded holdings.
func (d *Driver) FetchAccount(ctx context.Context) (map[string]domain.Holding, error) {
	out := make(map[string]domain.Holding, len(d.opts.InitialHoldings))
	for currency, holding := range d.opts.InitialHoldings {
		out[currency] = holding
	}
	return out, nil
}

// OpenStream reports up immediately; there is no transport to fail.
func (d *Driver) OpenStream(ctx context.Context, hooks session.StreamHooks) error {
	d.mu.Lock()
	d.hooks = hooks
	d.up = true
	d.mu.Unlock()
	if hooks.OnUp != nil {
		hooks.OnUp(ctx)
	}
	return nil
}

// CloseStream stops pending fill timers.
func (d *Driver) CloseStream() error {
	d.mu.Lock()
	d.up = false
	timers := d.timers
	d.timers = nil
	d.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
	return nil
}

func (d *Driver) scheduleFill(ctx context.Context, id string) {
	timer := time.AfterFunc(d.opts.FillAfter, func() {
		d.mu.Lock()
		order, ok := d.open[id]
		if ok {
			delete(d.open, id)
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		order.Remain = decimal.Zero
		order.AvgPrice = order.Price
		d.streamUpdate(ctx, order.Copy(), domain.StatusFilled)
	})
	d.mu.Lock()
	d.timers = append(d.timers, timer)
	d.mu.Unlock()
}

func (d *Driver) streamUpdate(ctx context.Context, order domain.Order, status domain.OrderStatus) {
	d.mu.Lock()
	hooks := d.hooks
	up := d.up
	d.mu.Unlock()
	if !up || hooks.OnOrderUpdate == nil {
		return
	}
	hooks.OnOrderUpdate(ctx, session.OrderUpdate{
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Type:      order.Type,
		RawStatus: string(status),
		Price:     order.Price,
		Quantity:  order.Quantity,
		Remain:    order.Remain,
		AvgPrice:  order.AvgPrice,
		Ctime:     order.Ctime,
		Utime:     time.Now().UnixMilli(),
	})
}
