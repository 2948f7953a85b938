package domain

import "github.com/shopspring/decimal"

// Holding is the balance of one currency.
type Holding struct {
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// Asset is the per-venue, per-account balance snapshot owned by the asset
// tracking service. Holdings are wholly replaced on every refresh, never
// merged. Updated distinguishes a changed snapshot from a heartbeat
// republication of unchanged balances.
type Asset struct {
	Platform  string
	Account   string
	Holdings  map[string]Holding
	Timestamp int64
	Updated   bool
}

// Copy returns a deep copy; subscribers cache copies and must never treat
// them as authoritative for writes.
func (a *Asset) Copy() Asset {
	if a == nil {
		return Asset{}
	}
	out := *a
	if a.Holdings != nil {
		out.Holdings = make(map[string]Holding, len(a.Holdings))
		for currency, holding := range a.Holdings {
			out.Holdings[currency] = holding
		}
	}
	return out
}

// EqualHoldings reports whether two snapshots carry identical balances.
func (a *Asset) EqualHoldings(other *Asset) bool {
	if a == nil || other == nil {
		return a == other
	}
	if len(a.Holdings) != len(other.Holdings) {
		return false
	}
	for currency, holding := range a.Holdings {
		peer, ok := other.Holdings[currency]
		if !ok {
			return false
		}
		if !holding.Free.Equal(peer.Free) || !holding.Locked.Equal(peer.Locked) || !holding.Total.Equal(peer.Total) {
			return false
		}
	}
	return true
}
