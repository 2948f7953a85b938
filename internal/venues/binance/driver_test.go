package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain"
)

// Signing vector from the venue's published API documentation.
func TestSignMatchesKnownVector(t *testing.T) {
	c := newClient(Options{
		SecretKey: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
	})
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	require.Equal(t,
		"c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71",
		c.sign(query))
}

func TestStatusTable(t *testing.T) {
	d := &Driver{}
	cases := map[string]domain.OrderStatus{
		"NEW":              domain.StatusSubmitted,
		"PARTIALLY_FILLED": domain.StatusPartialFilled,
		"FILLED":           domain.StatusFilled,
		"CANCELED":         domain.StatusCanceled,
		"REJECTED":         domain.StatusFailed,
		"EXPIRED":          domain.StatusFailed,
	}
	for raw, want := range cases {
		got, ok := d.MapStatus(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got)
	}
	_, ok := d.MapStatus("PENDING_CANCEL")
	require.False(t, ok)
}

func TestExecutionReportToUpdate(t *testing.T) {
	report := executionReport{
		EventType:     "executionReport",
		Symbol:        "BTCUSDT",
		ClientOrderID: "my-1",
		Side:          "BUY",
		OrderType:     "LIMIT",
		Quantity:      "2",
		Price:         "50000",
		Status:        "PARTIALLY_FILLED",
		OrderID:       12345,
		FilledQty:     "0.5",
		FilledQuote:   "24900",
		Ctime:         1700000000000,
		Utime:         1700000001000,
	}
	up := report.toUpdate()
	require.Equal(t, "12345_my-1", up.OrderID)
	require.True(t, up.Remain.Equal(decimal.RequireFromString("1.5")))
	require.True(t, up.AvgPrice.Equal(decimal.RequireFromString("49800")))
	require.Equal(t, "PARTIALLY_FILLED", up.RawStatus)
}

func TestVenueSymbolStripsSlash(t *testing.T) {
	opts := Options{Symbol: "btc/usdt"}
	require.Equal(t, "BTCUSDT", opts.venueSymbol())
}

func TestSplitOrderID(t *testing.T) {
	venueID, clientID, err := splitOrderID("12345_my_client_id")
	require.NoError(t, err)
	require.Equal(t, "12345", venueID)
	require.Equal(t, "my_client_id", clientID)

	_, _, err = splitOrderID("no-separator")
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestOpenOrdersRequestAndMapping(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/openOrders", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","orderId":7,"clientOrderId":"a","price":"50000",
			 "origQty":"1","executedQty":"0.25","status":"PARTIALLY_FILLED",
			 "type":"LIMIT","side":"BUY","time":1,"updateTime":2}
		]`))
	}))
	defer srv.Close()

	d, err := New(Options{
		APIKey: "test-key", SecretKey: "test-secret",
		Symbol: "BTC/USDT", RestBase: srv.URL,
	}, nil)
	require.NoError(t, err)

	orders, err := d.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "7_a", orders[0].ID)
	require.Equal(t, domain.StatusPartialFilled, orders[0].Status)
	require.True(t, orders[0].Remain.Equal(decimal.RequireFromString("0.75")))

	require.Equal(t, "BTCUSDT", gotQuery.Get("symbol"))
	require.NotEmpty(t, gotQuery.Get("timestamp"))
	require.NotEmpty(t, gotQuery.Get("signature"))
}

func TestRestCallMapsVenueErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too much request weight used."}`))
	}))
	defer srv.Close()

	c := newClient(Options{RestBase: srv.URL})
	err := c.restCall(context.Background(), http.MethodGet, "/api/v3/account", nil, false, nil)
	require.Error(t, err)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
}

func TestNewValidatesKeyMaterial(t *testing.T) {
	_, err := New(Options{SecretKey: "s", Symbol: "BTC/USDT"}, nil)
	require.Error(t, err)
	require.Equal(t, errs.CodeConfig, errs.CodeOf(err))
}
