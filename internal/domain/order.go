// Package domain defines the order, asset and position state owned by
// trading sessions and the asset service.
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderSide captures the trade direction.
type OrderSide string

const (
	// SideBuy indicates a buy order.
	SideBuy OrderSide = "BUY"
	// SideSell indicates a sell order.
	SideSell OrderSide = "SELL"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the venue-agnostic order lifecycle vocabulary. Every venue
// status code is normalized into one of these before it touches local state.
type OrderStatus string

const (
	// StatusNone is the zero value before any venue report arrives.
	StatusNone OrderStatus = "NONE"
	// StatusSubmitted indicates the venue accepted the order.
	StatusSubmitted OrderStatus = "SUBMITTED"
	// StatusPartialFilled indicates a partial fill.
	StatusPartialFilled OrderStatus = "PARTIAL_FILLED"
	// StatusFilled indicates a complete fill.
	StatusFilled OrderStatus = "FILLED"
	// StatusCanceled indicates cancellation.
	StatusCanceled OrderStatus = "CANCELED"
	// StatusFailed indicates rejection or expiry.
	StatusFailed OrderStatus = "FAILED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusFailed
}

// TradeIntent tags derivative orders with their position intent.
type TradeIntent string

const (
	// IntentNone marks spot orders with no position semantics.
	IntentNone TradeIntent = ""
	// IntentOpenLong opens or increases a long position.
	IntentOpenLong TradeIntent = "OPEN_LONG"
	// IntentOpenShort opens or increases a short position.
	IntentOpenShort TradeIntent = "OPEN_SHORT"
	// IntentCloseLong reduces or closes a long position.
	IntentCloseLong TradeIntent = "CLOSE_LONG"
	// IntentCloseShort reduces or closes a short position.
	IntentCloseShort TradeIntent = "CLOSE_SHORT"
)

// OrderID joins the venue order id and client order id into the composite
// identity used as the order map key.
func OrderID(venueID, clientID string) string {
	if clientID == "" {
		return venueID
	}
	return fmt.Sprintf("%s_%s", venueID, clientID)
}

// Order is the locally tracked state of one venue order. Instances are
// owned exclusively by the trading session that created them; external
// readers only ever see copies.
type Order struct {
	ID       string
	Platform string
	Account  string
	Strategy string
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Intent   TradeIntent
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Remain   decimal.Decimal
	AvgPrice decimal.Decimal
	Status   OrderStatus
	Ctime    int64
	Utime    int64
}

// Copy returns a value snapshot safe to hand outside the owning session.
func (o *Order) Copy() Order {
	if o == nil {
		return Order{}
	}
	return *o
}
