package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/session"
	"github.com/coachpo/tradecore/lib/sched"
)

// statusTable maps venue execution states to the normalized vocabulary.
// Codes outside this table must be dropped by the caller.
var statusTable = map[string]domain.OrderStatus{
	"NEW":              domain.StatusSubmitted,
	"PARTIALLY_FILLED": domain.StatusPartialFilled,
	"FILLED":           domain.StatusFilled,
	"CANCELED":         domain.StatusCanceled,
	"REJECTED":         domain.StatusFailed,
	"EXPIRED":          domain.StatusFailed,
}

// Driver connects one binance spot account. It implements the session
// stream driver contract and the account fetcher used by the asset service.
type Driver struct {
	opts   Options
	client *client
	sched  *sched.Scheduler
	stream *streamManager
}

// New builds a driver. Key material is validated here so a misconfigured
// account fails before any connection is attempted.
func New(opts Options, scheduler *sched.Scheduler) (*Driver, error) {
	switch {
	case opts.APIKey == "":
		return nil, errs.New("binance", errs.CodeConfig, errs.WithMessage("api key is required"))
	case opts.SecretKey == "":
		return nil, errs.New("binance", errs.CodeConfig, errs.WithMessage("secret key is required"))
	case opts.Symbol == "":
		return nil, errs.New("binance", errs.CodeConfig, errs.WithMessage("symbol is required"))
	}
	return &Driver{opts: opts, client: newClient(opts), sched: scheduler}, nil
}

// Platform names the venue.
func (d *Driver) Platform() string { return "binance" }

// MapStatus translates one venue execution state.
func (d *Driver) MapStatus(raw string) (domain.OrderStatus, bool) {
	status, ok := statusTable[raw]
	return status, ok
}

type restOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r restOrder) compositeID() string {
	return domain.OrderID(strconv.FormatInt(r.OrderID, 10), r.ClientOrderID)
}

// OpenOrders fetches the symbol's currently open orders.
func (d *Driver) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", d.opts.venueSymbol())
	var raw []restOrder
	if err := d.client.restCall(ctx, http.MethodGet, "/api/v3/openOrders", params, true, &raw); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(raw))
	for _, r := range raw {
		status, ok := d.MapStatus(r.Status)
		if !ok {
			continue
		}
		price := parseDecimal(r.Price)
		qty := parseDecimal(r.OrigQty)
		orders = append(orders, domain.Order{
			ID:       r.compositeID(),
			Symbol:   d.opts.Symbol,
			Side:     domain.OrderSide(r.Side),
			Type:     domain.OrderType(r.Type),
			Price:    price,
			Quantity: qty,
			Remain:   qty.Sub(parseDecimal(r.ExecutedQty)),
			Status:   status,
			Ctime:    r.Time,
			Utime:    r.UpdateTime,
		})
	}
	return orders, nil
}

// PlaceOrder submits one LIMIT (GTC) or MARKET order and returns the
// composite order id.
func (d *Driver) PlaceOrder(ctx context.Context, req session.OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", d.opts.venueSymbol())
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.Type == domain.OrderTypeLimit {
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	}
	var placed restOrder
	if err := d.client.restCall(ctx, http.MethodPost, "/api/v3/order", params, true, &placed); err != nil {
		return "", err
	}
	return placed.compositeID(), nil
}

// CancelOrder cancels one order by composite id.
func (d *Driver) CancelOrder(ctx context.Context, id string) error {
	venueID, clientID, err := splitOrderID(id)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", d.opts.venueSymbol())
	params.Set("orderId", venueID)
	params.Set("origClientOrderId", clientID)
	return d.client.restCall(ctx, http.MethodDelete, "/api/v3/order", params, true, nil)
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// FetchAccount returns the current non-zero balances keyed by currency.
func (d *Driver) FetchAccount(ctx context.Context) (map[string]domain.Holding, error) {
	var acct accountResponse
	if err := d.client.restCall(ctx, http.MethodGet, "/api/v3/account", nil, true, &acct); err != nil {
		return nil, err
	}
	holdings := make(map[string]domain.Holding, len(acct.Balances))
	for _, b := range acct.Balances {
		free := parseDecimal(b.Free)
		locked := parseDecimal(b.Locked)
		total := free.Add(locked)
		if total.IsZero() {
			continue
		}
		holdings[b.Asset] = domain.Holding{Free: free, Locked: locked, Total: total}
	}
	return holdings, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

func (d *Driver) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := d.client.restCall(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errs.New("binance", errs.CodeProtocol, errs.WithMessage("empty listen key"))
	}
	return resp.ListenKey, nil
}

func (d *Driver) keepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	return d.client.restCall(ctx, http.MethodPut, "/api/v3/userDataStream", params, false, nil)
}

// OpenStream acquires a listen key, opens the user-data stream and keeps
// the key alive for the life of the session.
func (d *Driver) OpenStream(ctx context.Context, hooks session.StreamHooks) error {
	d.stream = newStreamManager(ctx, d, hooks)
	return d.stream.start(ctx)
}

// CloseStream stops the stream and the keepalive.
func (d *Driver) CloseStream() error {
	if d.stream == nil {
		return nil
	}
	d.stream.stop()
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func splitOrderID(id string) (venueID, clientID string, err error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '_' {
			return id[:i], id[i+1:], nil
		}
	}
	return "", "", errs.New("binance", errs.CodeInvalid,
		errs.WithMessage("order id "+id+" is not a composite id"))
}
