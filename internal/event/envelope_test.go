package event_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/event"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	asset := domain.Asset{
		Platform: "binance",
		Account:  "main",
		Holdings: map[string]domain.Holding{
			"BTC": {Free: decimal.RequireFromString("1.1"), Locked: decimal.RequireFromString("2.2"), Total: decimal.RequireFromString("3.3")},
		},
		Timestamp: 1700000000000,
		Updated:   true,
	}
	env := event.NewAsset("srv-1", asset)
	require.Equal(t, "binance.main", env.Address.RoutingKey)
	require.Equal(t, "srv-1.EVENT_ASSET.binance.main", env.Address.Queue)

	body, err := env.Encode()
	require.NoError(t, err)

	decoded, err := event.Decode(env.Address.Exchange, env.Address.RoutingKey, body)
	require.NoError(t, err)
	require.Equal(t, event.NameAsset, decoded.Name)
	require.Equal(t, event.ExchangeAsset, decoded.Address.Exchange)
	require.Equal(t, "binance.main", decoded.Address.RoutingKey)

	var payload event.AssetPayload
	require.NoError(t, decoded.DecodeInto(&payload))
	parsed := payload.Asset()
	require.Equal(t, asset.Platform, parsed.Platform)
	require.Equal(t, asset.Account, parsed.Account)
	require.True(t, parsed.Updated)
	require.True(t, parsed.Holdings["BTC"].Free.Equal(asset.Holdings["BTC"].Free))
}

func TestDecodeCorruptedPayload(t *testing.T) {
	_, err := event.Decode("EVENT_ASSET", "binance.main", []byte("not zlib at all"))
	require.Error(t, err)
	require.Equal(t, errs.CodeProtocol, errs.CodeOf(err))
}

func TestDecodeRejectsFrameWithoutName(t *testing.T) {
	env := &event.Envelope{Name: "", Data: map[string]any{"k": "v"}}
	body, err := env.Encode()
	require.NoError(t, err)
	_, err = event.Decode("EVENT_ASSET", "rk", body)
	require.Error(t, err)
	require.Equal(t, errs.CodeProtocol, errs.CodeOf(err))
}

func TestOrderEventAddressing(t *testing.T) {
	order := domain.Order{
		ID: "42_c1", Platform: "okx", Account: "main", Strategy: "grid",
		Symbol: "BTC-USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: decimal.RequireFromString("42000"), Quantity: decimal.NewFromInt(1),
		Status: domain.StatusSubmitted, Utime: 123,
	}
	env := event.NewOrder("srv-9", order)
	require.Equal(t, "okx.main.BTC-USDT", env.Address.RoutingKey)
	require.Equal(t, "srv-9.EVENT_ORDER.okx.main.BTC-USDT", env.Address.Queue)

	body, err := env.Encode()
	require.NoError(t, err)
	decoded, err := event.Decode(env.Address.Exchange, env.Address.RoutingKey, body)
	require.NoError(t, err)

	var payload event.OrderPayload
	require.NoError(t, decoded.DecodeInto(&payload))
	require.Equal(t, "42_c1", payload.OrderID)
	require.Equal(t, "SUBMITTED", payload.Status)
	require.True(t, payload.Price.Equal(order.Price))
}

func TestKlineIntervalSelectsExchange(t *testing.T) {
	cases := []struct {
		interval event.KlineInterval
		exchange string
		name     string
	}{
		{event.Kline1m, event.ExchangeKline, event.NameKline},
		{event.Kline5m, event.ExchangeKline5m, event.NameKline5m},
		{event.Kline15m, event.ExchangeKline15m, event.NameKline15m},
	}
	for _, tc := range cases {
		env, err := event.NewKline("srv", event.KlinePayload{Platform: "binance", Symbol: "BTC/USDT", Interval: tc.interval})
		require.NoError(t, err)
		require.Equal(t, tc.exchange, env.Address.Exchange)
		require.Equal(t, tc.name, env.Name)
	}

	_, err := event.NewKline("srv", event.KlinePayload{Interval: "kline_4h"})
	require.Error(t, err)
}
