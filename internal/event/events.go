package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/internal/domain"
)

// Topic exchanges declared on every broker connection. The set is fixed:
// dependent services assume these exist once the bus reports connected.
const (
	ExchangeOrderbook = "Orderbook"
	ExchangeTrade     = "Trade"
	ExchangeKline     = "Kline"
	ExchangeKline5m   = "Kline.5min"
	ExchangeKline15m  = "Kline.15min"
	ExchangeConfig    = "EVENT_CONFIG"
	ExchangeHeartbeat = "EVENT_HEARTBEAT"
	ExchangeAsset     = "EVENT_ASSET"
	ExchangeOrder     = "EVENT_ORDER"
)

// DefaultExchanges lists every exchange the bus declares on connect.
func DefaultExchanges() []string {
	return []string{
		ExchangeOrderbook, ExchangeTrade, ExchangeKline, ExchangeKline5m, ExchangeKline15m,
		ExchangeConfig, ExchangeHeartbeat, ExchangeAsset, ExchangeOrder,
	}
}

// Event names carried in the wire frame.
const (
	NameConfig    = "EVENT_CONFIG"
	NameHeartbeat = "EVENT_HEARTBEAT"
	NameAsset     = "EVENT_ASSET"
	NameOrder     = "EVENT_ORDER"
	NameKline     = "EVENT_KLINE"
	NameKline5m   = "EVENT_KLINE_5MIN"
	NameKline15m  = "EVENT_KLINE_15MIN"
	NameOrderbook = "EVENT_ORDERBOOK"
	NameTrade     = "EVENT_TRADE"
)

// KlineInterval selects the candle resolution and with it the exchange an
// event is published on.
type KlineInterval string

const (
	Kline1m  KlineInterval = "kline"
	Kline5m  KlineInterval = "kline_5m"
	Kline15m KlineInterval = "kline_15m"
)

// ConfigPayload carries dynamic parameter pushes to one server process.
type ConfigPayload struct {
	ServerID string         `json:"server_id"`
	Params   map[string]any `json:"params"`
}

// HeartbeatPayload announces process liveness.
type HeartbeatPayload struct {
	ServerID string `json:"server_id"`
	Count    int64  `json:"count"`
}

// AssetPayload is the wire form of a domain.Asset snapshot.
type AssetPayload struct {
	Platform  string                    `json:"platform"`
	Account   string                    `json:"account"`
	Assets    map[string]domain.Holding `json:"assets"`
	Timestamp int64                     `json:"timestamp"`
	Update    bool                      `json:"update"`
}

// Asset converts the payload back to its domain object.
func (p AssetPayload) Asset() domain.Asset {
	return domain.Asset{
		Platform:  p.Platform,
		Account:   p.Account,
		Holdings:  p.Assets,
		Timestamp: p.Timestamp,
		Updated:   p.Update,
	}
}

// OrderPayload is the wire form of an order state change.
type OrderPayload struct {
	Platform  string          `json:"platform"`
	Account   string          `json:"account"`
	Strategy  string          `json:"strategy"`
	OrderID   string          `json:"order_no"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"action"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Status    string          `json:"status"`
	OrderType string          `json:"order_type"`
	Timestamp int64           `json:"timestamp"`
}

// KlinePayload is the wire form of a candle update.
type KlinePayload struct {
	Platform  string          `json:"platform"`
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"timestamp"`
	Interval  KlineInterval   `json:"kline_type"`
}

// BookLevel is one orderbook price level as [price, quantity] strings.
type BookLevel [2]string

// OrderbookPayload is the wire form of an orderbook snapshot.
type OrderbookPayload struct {
	Platform  string      `json:"platform"`
	Symbol    string      `json:"symbol"`
	Asks      []BookLevel `json:"asks"`
	Bids      []BookLevel `json:"bids"`
	Timestamp int64       `json:"timestamp"`
}

// TradePayload is the wire form of a public trade print.
type TradePayload struct {
	Platform  string          `json:"platform"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"action"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"`
}

// NewConfig builds a config push addressed to serverID.
func NewConfig(serverID string, params map[string]any) *Envelope {
	return &Envelope{
		Name: NameConfig,
		Address: Address{
			Exchange:   ExchangeConfig,
			Queue:      fmt.Sprintf("%s.%s", serverID, ExchangeConfig),
			RoutingKey: serverID,
		},
		Timestamp: nowMillis(),
		Data:      ConfigPayload{ServerID: serverID, Params: params},
	}
}

// NewHeartbeat builds a liveness announcement for serverID.
func NewHeartbeat(serverID string, count int64) *Envelope {
	return &Envelope{
		Name: NameHeartbeat,
		Address: Address{
			Exchange:   ExchangeHeartbeat,
			Queue:      fmt.Sprintf("%s.%s", serverID, ExchangeHeartbeat),
			RoutingKey: serverID,
		},
		Timestamp: nowMillis(),
		Data:      HeartbeatPayload{ServerID: serverID, Count: count},
	}
}

// NewAsset publishes an asset snapshot; routing key {platform}.{account}.
func NewAsset(serverID string, asset domain.Asset) *Envelope {
	routingKey := fmt.Sprintf("%s.%s", asset.Platform, asset.Account)
	return &Envelope{
		Name: NameAsset,
		Address: Address{
			Exchange:   ExchangeAsset,
			Queue:      QueueName(serverID, ExchangeAsset, routingKey),
			RoutingKey: routingKey,
		},
		Timestamp: asset.Timestamp,
		Data: AssetPayload{
			Platform:  asset.Platform,
			Account:   asset.Account,
			Assets:    asset.Holdings,
			Timestamp: asset.Timestamp,
			Update:    asset.Updated,
		},
	}
}

// AssetSubscription builds the template for subscribing to one account's
// asset stream.
func AssetSubscription(serverID, platform, account string) *Envelope {
	routingKey := fmt.Sprintf("%s.%s", platform, account)
	return &Envelope{
		Name: NameAsset,
		Address: Address{
			Exchange:   ExchangeAsset,
			Queue:      QueueName(serverID, ExchangeAsset, routingKey),
			RoutingKey: routingKey,
		},
	}
}

// NewOrder publishes an order state change; routing key
// {platform}.{account}.{symbol}.
func NewOrder(serverID string, order domain.Order) *Envelope {
	routingKey := fmt.Sprintf("%s.%s.%s", order.Platform, order.Account, order.Symbol)
	return &Envelope{
		Name: NameOrder,
		Address: Address{
			Exchange:   ExchangeOrder,
			Queue:      QueueName(serverID, ExchangeOrder, routingKey),
			RoutingKey: routingKey,
		},
		Timestamp: order.Utime,
		Data: OrderPayload{
			Platform:  order.Platform,
			Account:   order.Account,
			Strategy:  order.Strategy,
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Side:      string(order.Side),
			Price:     order.Price,
			Quantity:  order.Quantity,
			Status:    string(order.Status),
			OrderType: string(order.Type),
			Timestamp: order.Utime,
		},
	}
}

// NewKline publishes a candle on the exchange matching its interval.
func NewKline(serverID string, payload KlinePayload) (*Envelope, error) {
	var name, exchange string
	switch payload.Interval {
	case Kline1m:
		name, exchange = NameKline, ExchangeKline
	case Kline5m:
		name, exchange = NameKline5m, ExchangeKline5m
	case Kline15m:
		name, exchange = NameKline15m, ExchangeKline15m
	default:
		return nil, fmt.Errorf("unsupported kline interval %q", payload.Interval)
	}
	routingKey := fmt.Sprintf("%s.%s", payload.Platform, payload.Symbol)
	return &Envelope{
		Name: name,
		Address: Address{
			Exchange:   exchange,
			Queue:      QueueName(serverID, exchange, routingKey),
			RoutingKey: routingKey,
		},
		Timestamp: payload.Timestamp,
		Data:      payload,
	}, nil
}

// NewOrderbook publishes an orderbook snapshot; routing key
// {platform}.{symbol}.
func NewOrderbook(serverID string, payload OrderbookPayload) *Envelope {
	routingKey := fmt.Sprintf("%s.%s", payload.Platform, payload.Symbol)
	return &Envelope{
		Name: NameOrderbook,
		Address: Address{
			Exchange:   ExchangeOrderbook,
			Queue:      QueueName(serverID, ExchangeOrderbook, routingKey),
			RoutingKey: routingKey,
		},
		Timestamp: payload.Timestamp,
		Data:      payload,
	}
}

// NewTrade publishes a public trade print; routing key {platform}.{symbol}.
func NewTrade(serverID string, payload TradePayload) *Envelope {
	routingKey := fmt.Sprintf("%s.%s", payload.Platform, payload.Symbol)
	return &Envelope{
		Name: NameTrade,
		Address: Address{
			Exchange:   ExchangeTrade,
			Queue:      QueueName(serverID, ExchangeTrade, routingKey),
			RoutingKey: routingKey,
		},
		Timestamp: payload.Timestamp,
		Data:      payload,
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
