package okx

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/session"
)

func testOptions() Options {
	return Options{
		APIKey:     "key",
		SecretKey:  "secret",
		Passphrase: "phrase",
		Symbol:     "BTC/USDT",
	}
}

func TestSignCoversEveryInput(t *testing.T) {
	base := sign("secret", "1538054050.123", "GET", loginSignPath, "")
	require.Equal(t, base, sign("secret", "1538054050.123", "GET", loginSignPath, ""))

	raw, err := base64.StdEncoding.DecodeString(base)
	require.NoError(t, err)
	require.Len(t, raw, 32)

	require.NotEqual(t, base, sign("other", "1538054050.123", "GET", loginSignPath, ""))
	require.NotEqual(t, base, sign("secret", "1538054051.000", "GET", loginSignPath, ""))
	require.NotEqual(t, base, sign("secret", "1538054050.123", "POST", loginSignPath, ""))
	require.NotEqual(t, base, sign("secret", "1538054050.123", "GET", "/other", ""))
	require.NotEqual(t, base, sign("secret", "1538054050.123", "GET", loginSignPath, "{}"))
}

func TestTimestampFormats(t *testing.T) {
	at := time.Date(2020, 12, 8, 9, 8, 57, 715_000_000, time.UTC)
	require.Equal(t, "2020-12-08T09:08:57.715Z", restTimestamp(at))
	require.Equal(t, "1607418537.715", wsTimestamp(at))
}

func TestStatusTable(t *testing.T) {
	d := &Driver{}
	cases := map[string]domain.OrderStatus{
		"-2": domain.StatusFailed,
		"-1": domain.StatusCanceled,
		"0":  domain.StatusSubmitted,
		"1":  domain.StatusPartialFilled,
		"2":  domain.StatusFilled,
	}
	for raw, want := range cases {
		got, ok := d.MapStatus(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got)
	}
	_, ok := d.MapStatus("3")
	require.False(t, ok)
}

func TestInstrumentID(t *testing.T) {
	opts := Options{Symbol: "btc/usdt"}
	require.Equal(t, "BTC-USDT", opts.instrumentID())
}

func TestRestCallSignsHeaders(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.RestBase = srv.URL
	c := newClient(opts)
	var out []restOrder
	require.NoError(t, c.restCall(context.Background(), http.MethodGet, "/api/spot/v3/orders_pending", nil, &out))

	require.Equal(t, "key", headers.Get("OK-ACCESS-KEY"))
	require.Equal(t, "phrase", headers.Get("OK-ACCESS-PASSPHRASE"))
	require.NotEmpty(t, headers.Get("OK-ACCESS-TIMESTAMP"))
	require.NotEmpty(t, headers.Get("OK-ACCESS-SIGN"))
}

func TestPlaceOrderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":false,"error_code":"33017","error_message":"balance insufficient"}`))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.RestBase = srv.URL
	d, err := New(opts)
	require.NoError(t, err)

	_, err = d.PlaceOrder(context.Background(), session.OrderRequest{
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Price:    decimal.RequireFromString("50000"),
		Quantity: decimal.RequireFromString("1"),
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeRequest, errs.CodeOf(err))
}

func deflateFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = writer.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func TestInflate(t *testing.T) {
	frame := deflateFrame(t, []byte(`{"event":"login","success":true}`))
	out, err := inflate(frame)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"login","success":true}`, string(out))

	// Plain text pongs pass through.
	out, err = inflate([]byte("pong"))
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), out)
}

func TestSubscribeConfirmFiresUpOnce(t *testing.T) {
	d, err := New(testOptions())
	require.NoError(t, err)

	var mu sync.Mutex
	ups := 0
	sm := newStreamManager(context.Background(), d, session.StreamHooks{
		OnUp: func(ctx context.Context) {
			mu.Lock()
			ups++
			mu.Unlock()
		},
	})
	defer sm.stop()

	sm.loggedIn = true
	sm.pending = map[string]struct{}{
		"spot/order:BTC-USDT": {},
		"spot/account:BTC":    {},
	}

	sm.handleFrame(nil, []byte(`{"event":"subscribe","channel":"spot/order:BTC-USDT"}`))
	mu.Lock()
	require.Zero(t, ups)
	mu.Unlock()

	sm.handleFrame(nil, []byte(`{"event":"subscribe","channel":"spot/account:BTC"}`))
	mu.Lock()
	require.Equal(t, 1, ups)
	mu.Unlock()

	select {
	case <-sm.ready:
	default:
		t.Fatal("ready not signaled after all confirmations")
	}
}

func TestSubscribeRejectionIsFatal(t *testing.T) {
	d, err := New(testOptions())
	require.NoError(t, err)

	sm := newStreamManager(context.Background(), d, session.StreamHooks{})
	defer sm.stop()

	sm.loggedIn = true
	sm.pending = map[string]struct{}{"spot/order:BTC-USDT": {}}

	sm.handleFrame(nil, []byte(`{"event":"error","message":"channel spot/order:BTC-USDT doesn't exist"}`))

	select {
	case fatalErr := <-sm.fatal:
		require.Equal(t, errs.CodeProtocol, errs.CodeOf(fatalErr))
	default:
		t.Fatal("error during handshake not reported as fatal")
	}
}

func TestStreamErrorAfterHandshakeIsNotFatal(t *testing.T) {
	d, err := New(testOptions())
	require.NoError(t, err)

	sm := newStreamManager(context.Background(), d, session.StreamHooks{})
	defer sm.stop()

	sm.loggedIn = true
	sm.pending = map[string]struct{}{}

	sm.handleFrame(nil, []byte(`{"event":"error","message":"transient"}`))

	select {
	case <-sm.fatal:
		t.Fatal("error on a live feed must not tear the session down")
	default:
	}
}

func TestOrderTableToUpdates(t *testing.T) {
	d, err := New(testOptions())
	require.NoError(t, err)

	var got []session.OrderUpdate
	sm := newStreamManager(context.Background(), d, session.StreamHooks{
		OnOrderUpdate: func(ctx context.Context, up session.OrderUpdate) {
			got = append(got, up)
		},
	})
	defer sm.stop()

	sm.handleFrame(nil, []byte(`{
		"table":"spot/order",
		"data":[{
			"order_id":"2511109","client_oid":"oktspot70","instrument_id":"BTC-USDT",
			"price":"50000","size":"2","filled_size":"0.5","price_avg":"49900",
			"side":"sell","type":"limit","state":"1",
			"timestamp":"2023-10-24T21:11:13.000Z"
		}]
	}`))

	require.Len(t, got, 1)
	up := got[0]
	require.Equal(t, "2511109_oktspot70", up.OrderID)
	require.Equal(t, domain.SideSell, up.Side)
	require.Equal(t, "1", up.RawStatus)
	require.True(t, up.Remain.Equal(decimal.RequireFromString("1.5")))
	require.True(t, up.AvgPrice.Equal(decimal.RequireFromString("49900")))
	require.NotZero(t, up.Utime)
}

func TestFetchPositionFlatWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"holding":[]}`))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.RestBase = srv.URL
	p := NewPositions(opts)
	snap, err := p.FetchPosition(context.Background())
	require.NoError(t, err)
	require.True(t, snap.LongQty.IsZero())
	require.True(t, snap.ShortQty.IsZero())
}
