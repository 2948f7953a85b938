package domain

import "github.com/shopspring/decimal"

// Position tracks long/short exposure for one (platform, account, strategy,
// symbol). Owned exclusively by the trading session; mutated only by diffing
// polled venue snapshots.
type Position struct {
	Platform      string
	Account       string
	Strategy      string
	Symbol        string
	LongQty       decimal.Decimal
	LongAvgPrice  decimal.Decimal
	ShortQty      decimal.Decimal
	ShortAvgPrice decimal.Decimal
	LiquidPrice   decimal.Decimal
	Utime         int64
}

// NewPosition builds an empty position for the session identity.
func NewPosition(platform, account, strategy, symbol string) *Position {
	return &Position{
		Platform: platform,
		Account:  account,
		Strategy: strategy,
		Symbol:   symbol,
	}
}

// Copy returns a value snapshot safe to hand outside the owning session.
func (p *Position) Copy() Position {
	if p == nil {
		return Position{}
	}
	return *p
}

// Apply overwrites the exposure fields from a venue snapshot and reports
// whether any quantity or average price actually changed. Liquidation price
// moves alone do not count as a change worth notifying subscribers about.
func (p *Position) Apply(snapshot PositionSnapshot) bool {
	changed := !p.LongQty.Equal(snapshot.LongQty) ||
		!p.LongAvgPrice.Equal(snapshot.LongAvgPrice) ||
		!p.ShortQty.Equal(snapshot.ShortQty) ||
		!p.ShortAvgPrice.Equal(snapshot.ShortAvgPrice)

	p.LongQty = snapshot.LongQty
	p.LongAvgPrice = snapshot.LongAvgPrice
	p.ShortQty = snapshot.ShortQty
	p.ShortAvgPrice = snapshot.ShortAvgPrice
	p.LiquidPrice = snapshot.LiquidPrice
	p.Utime = snapshot.Utime
	return changed
}

// PositionSnapshot is one polled venue report of current exposure.
type PositionSnapshot struct {
	LongQty       decimal.Decimal
	LongAvgPrice  decimal.Decimal
	ShortQty      decimal.Decimal
	ShortAvgPrice decimal.Decimal
	LiquidPrice   decimal.Decimal
	Utime         int64
}
