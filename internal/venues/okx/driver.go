package okx

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/session"
)

// statusTable maps the venue's numeric state strings to the normalized
// vocabulary. Codes outside this table must be dropped by the caller.
var statusTable = map[string]domain.OrderStatus{
	"-2": domain.StatusFailed,
	"-1": domain.StatusCanceled,
	"0":  domain.StatusSubmitted,
	"1":  domain.StatusPartialFilled,
	"2":  domain.StatusFilled,
}

// Driver connects one okx spot account.
type Driver struct {
	opts   Options
	client *client
	stream *streamManager
}

// New builds a driver, validating key material up front.
func New(opts Options) (*Driver, error) {
	switch {
	case opts.APIKey == "":
		return nil, errs.New("okx", errs.CodeConfig, errs.WithMessage("api key is required"))
	case opts.SecretKey == "":
		return nil, errs.New("okx", errs.CodeConfig, errs.WithMessage("secret key is required"))
	case opts.Passphrase == "":
		return nil, errs.New("okx", errs.CodeConfig, errs.WithMessage("passphrase is required"))
	case opts.Symbol == "":
		return nil, errs.New("okx", errs.CodeConfig, errs.WithMessage("symbol is required"))
	}
	return &Driver{opts: opts, client: newClient(opts)}, nil
}

// Platform names the venue.
func (d *Driver) Platform() string { return "okx" }

// MapStatus translates one venue state code.
func (d *Driver) MapStatus(raw string) (domain.OrderStatus, bool) {
	status, ok := statusTable[raw]
	return status, ok
}

type restOrder struct {
	OrderID      string `json:"order_id"`
	ClientOID    string `json:"client_oid"`
	InstrumentID string `json:"instrument_id"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	FilledSize   string `json:"filled_size"`
	PriceAvg     string `json:"price_avg"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	State        string `json:"state"`
	Timestamp    string `json:"timestamp"`
}

func (r restOrder) compositeID() string {
	return domain.OrderID(r.OrderID, r.ClientOID)
}

func (d *Driver) toOrder(r restOrder) (domain.Order, bool) {
	status, ok := d.MapStatus(r.State)
	if !ok {
		return domain.Order{}, false
	}
	size := parseDecimal(r.Size)
	side := domain.SideBuy
	if r.Side == "sell" {
		side = domain.SideSell
	}
	typ := domain.OrderTypeLimit
	if r.Type == "market" {
		typ = domain.OrderTypeMarket
	}
	return domain.Order{
		ID:       r.compositeID(),
		Symbol:   d.opts.Symbol,
		Side:     side,
		Type:     typ,
		Price:    parseDecimal(r.Price),
		Quantity: size,
		Remain:   size.Sub(parseDecimal(r.FilledSize)),
		AvgPrice: parseDecimal(r.PriceAvg),
		Status:   status,
	}, true
}

// OpenOrders fetches the instrument's pending orders.
func (d *Driver) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	var raw []restOrder
	path := "/api/spot/v3/orders_pending?instrument_id=" + d.opts.instrumentID()
	if err := d.client.restCall(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(raw))
	for _, r := range raw {
		if o, ok := d.toOrder(r); ok {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

type placeRequest struct {
	InstrumentID string `json:"instrument_id"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Price        string `json:"price,omitempty"`
	Size         string `json:"size"`
}

type placeResponse struct {
	OrderID      string `json:"order_id"`
	ClientOID    string `json:"client_oid"`
	Result       bool   `json:"result"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// PlaceOrder submits one order and returns the composite id.
func (d *Driver) PlaceOrder(ctx context.Context, req session.OrderRequest) (string, error) {
	body := placeRequest{
		InstrumentID: d.opts.instrumentID(),
		Side:         "buy",
		Type:         "limit",
		Size:         req.Quantity.String(),
	}
	if req.Side == domain.SideSell {
		body.Side = "sell"
	}
	if req.Type == domain.OrderTypeMarket {
		body.Type = "market"
	} else {
		body.Price = req.Price.String()
	}
	var resp placeResponse
	if err := d.client.restCall(ctx, http.MethodPost, "/api/spot/v3/orders", body, &resp); err != nil {
		return "", err
	}
	if !resp.Result {
		return "", errs.New("okx", errs.CodeRequest,
			errs.WithMessage("order rejected"),
			errs.WithRawCode(resp.ErrorCode),
			errs.WithRawMessage(resp.ErrorMessage))
	}
	return domain.OrderID(resp.OrderID, resp.ClientOID), nil
}

type cancelResponse struct {
	Result       bool   `json:"result"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// CancelOrder cancels one order by composite id.
func (d *Driver) CancelOrder(ctx context.Context, id string) error {
	venueID, _, err := splitOrderID(id)
	if err != nil {
		return err
	}
	body := map[string]string{"instrument_id": d.opts.instrumentID()}
	var resp cancelResponse
	path := "/api/spot/v3/cancel_orders/" + venueID
	if err := d.client.restCall(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	if !resp.Result {
		return errs.New("okx", errs.CodeRequest,
			errs.WithMessage("cancel rejected"),
			errs.WithRawCode(resp.ErrorCode),
			errs.WithRawMessage(resp.ErrorMessage))
	}
	return nil
}

type accountEntry struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
	Balance   string `json:"balance"`
}

// FetchAccount returns current non-zero balances keyed by currency.
func (d *Driver) FetchAccount(ctx context.Context) (map[string]domain.Holding, error) {
	var entries []accountEntry
	if err := d.client.restCall(ctx, http.MethodGet, "/api/spot/v3/accounts", nil, &entries); err != nil {
		return nil, err
	}
	holdings := make(map[string]domain.Holding, len(entries))
	for _, e := range entries {
		total := parseDecimal(e.Balance)
		if total.IsZero() {
			continue
		}
		holdings[e.Currency] = domain.Holding{
			Free:   parseDecimal(e.Available),
			Locked: parseDecimal(e.Hold),
			Total:  total,
		}
	}
	return holdings, nil
}

// OpenStream dials the websocket, performs the signed login and channel
// subscription handshake, then reports up.
func (d *Driver) OpenStream(ctx context.Context, hooks session.StreamHooks) error {
	d.stream = newStreamManager(ctx, d, hooks)
	return d.stream.start(ctx)
}

// CloseStream stops the websocket.
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
	return "", "", errs.New("okx", errs.CodeInvalid,
		errs.WithMessage("order id "+id+" is not a composite id"))
}
