package session

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/internal/domain"
)

// OrderRequest describes one order submission, venue-agnostic.
type OrderRequest struct {
	Symbol   string
	Side     domain.OrderSide
	Type     domain.OrderType
	Intent   domain.TradeIntent
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderUpdate is one streamed order event, already parsed out of the venue
// frame but with the status still in the venue's own vocabulary. The engine
// normalizes it through the driver's status table before applying.
type OrderUpdate struct {
	OrderID   string
	Symbol    string
	Side      domain.OrderSide
	Type      domain.OrderType
	RawStatus string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Remain    decimal.Decimal
	AvgPrice  decimal.Decimal
	Ctime     int64
	Utime     int64
}

// StreamHooks are the engine entry points a driver invokes from its stream
// lifecycle. OnUp fires each time an authenticated, fully subscribed
// connection is established, including after an internal reconnect. OnDown
// fires when the connection is lost. OnOrderUpdate fires once per streamed
// order event, in arrival order.
type StreamHooks struct {
	OnUp          func(ctx context.Context)
	OnDown        func(ctx context.Context)
	OnOrderUpdate func(ctx context.Context, up OrderUpdate)
}

// Driver is the REST half of a venue adapter.
type Driver interface {
	// Platform names the venue, e.g. "binance".
	Platform() string
	// OpenOrders fetches the venue's currently open orders for the
	// session's symbol.
	OpenOrders(ctx context.Context) ([]domain.Order, error)
	// PlaceOrder submits one order and returns its composite id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	// CancelOrder cancels one order by composite id.
	CancelOrder(ctx context.Context, id string) error
	// MapStatus translates a venue status code. ok is false for codes the
	// table does not know; such updates must be dropped, never applied.
	MapStatus(raw string) (domain.OrderStatus, bool)
}

// StreamDriver extends Driver with the streaming half. OpenStream owns the
// venue-specific bootstrap (listen key acquisition and renewal, or signed
// login plus channel subscriptions) and the reconnect loop; it returns an
// error only when the very first setup cannot succeed at all.
type StreamDriver interface {
	Driver
	OpenStream(ctx context.Context, hooks StreamHooks) error
	CloseStream() error
}

// PositionDriver is implemented by derivative venues that report exposure
// via polling.
type PositionDriver interface {
	FetchPosition(ctx context.Context) (domain.PositionSnapshot, error)
}
