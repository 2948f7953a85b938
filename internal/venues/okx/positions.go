package okx

import (
	"context"
	"net/http"

	"github.com/coachpo/tradecore/internal/domain"
)

// Positions polls derivative exposure over REST. It backs the session's
// position poller for futures instruments; spot sessions never construct
// one.
type Positions struct {
	opts   Options
	client *client
}

// NewPositions builds an exposure poller sharing the account's key
// material.
func NewPositions(opts Options) *Positions {
	return &Positions{opts: opts, client: newClient(opts)}
}

type positionResponse struct {
	Holding []struct {
		LongQty          string `json:"long_qty"`
		LongAvgCost      string `json:"long_avg_cost"`
		ShortQty         string `json:"short_qty"`
		ShortAvgCost     string `json:"short_avg_cost"`
		LiquidationPrice string `json:"liquidation_price"`
		UpdatedAt        string `json:"updated_at"`
	} `json:"holding"`
}

// FetchPosition returns the instrument's current exposure. An empty
// holding list means a flat position, not an error.
func (p *Positions) FetchPosition(ctx context.Context) (domain.PositionSnapshot, error) {
	var resp positionResponse
	path := "/api/futures/v3/" + p.opts.instrumentID() + "/position"
	if err := p.client.restCall(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.PositionSnapshot{}, err
	}
	if len(resp.Holding) == 0 {
		return domain.PositionSnapshot{}, nil
	}
	h := resp.Holding[0]
	return domain.PositionSnapshot{
		LongQty:       parseDecimal(h.LongQty),
		LongAvgPrice:  parseDecimal(h.LongAvgCost),
		ShortQty:      parseDecimal(h.ShortQty),
		ShortAvgPrice: parseDecimal(h.ShortAvgCost),
		LiquidPrice:   parseDecimal(h.LiquidationPrice),
		Utime:         parseTimestamp(h.UpdatedAt),
	}, nil
}
