package binance

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/internal/session"
)

// streamManager owns the user-data websocket: listen key acquisition, the
// reconnect loop with exponential backoff, and the keepalive that renews
// the key strictly inside its TTL.
type streamManager struct {
	driver *Driver
	hooks  session.StreamHooks

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once
}

func newStreamManager(ctx context.Context, driver *Driver, hooks session.StreamHooks) *streamManager {
	managerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &streamManager{
		driver: driver,
		hooks:  hooks,
		ctx:    managerCtx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

// start launches the connect loop and waits for the first authenticated
// connection.
func (sm *streamManager) start(ctx context.Context) error {
	go sm.connectLoop()
	select {
	case <-sm.ready:
		return nil
	case <-time.After(30 * time.Second):
		sm.stop()
		return errors.New("binance: timeout waiting for user data stream")
	case <-ctx.Done():
		sm.stop()
		return ctx.Err()
	}
}

func (sm *streamManager) stop() {
	sm.cancel()
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
}

// connectLoop maintains the websocket with automatic reconnection. Each
// pass acquires a fresh listen key, so an expired key never strands the
// session.
func (sm *streamManager) connectLoop() {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-sm.ctx.Done():
			return
		default:
		}

		listenKey, err := sm.driver.createListenKey(sm.ctx)
		if err != nil {
			observability.Log().Error("listen key acquisition failed",
				observability.F("error", err.Error()))
			if !sm.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}

		wsURL := sm.driver.opts.wssBase() + "/ws/" + listenKey
		conn, _, err := websocket.Dial(sm.ctx, wsURL, nil)
		if err != nil {
			observability.Log().Error("user data stream dial failed",
				observability.F("error", err.Error()))
			if !sm.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(1 << 20)

		sm.connMu.Lock()
		sm.conn = conn
		sm.connMu.Unlock()
		backoffCfg.Reset()
		sm.readyOnce.Do(func() { close(sm.ready) })

		stopKeepAlive := sm.driver.sched.Every("binance.listen_key", listenKeyKeepAlive,
			func(ctx context.Context) error {
				if err := sm.driver.keepAliveListenKey(ctx, listenKey); err != nil {
					// Retried on the next tick; the TTL leaves two more
					// renewal windows before expiry.
					observability.Log().Warn("listen key keepalive failed",
						observability.F("error", err.Error()))
					return err
				}
				return nil
			})

		if sm.hooks.OnUp != nil {
			sm.hooks.OnUp(sm.ctx)
		}

		sm.readLoop(conn)

		stopKeepAlive()
		sm.connMu.Lock()
		sm.conn = nil
		sm.connMu.Unlock()

		if sm.ctx.Err() != nil {
			return
		}
		if sm.hooks.OnDown != nil {
			sm.hooks.OnDown(sm.ctx)
		}
		if !sm.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

func (sm *streamManager) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.Read(sm.ctx)
		if err != nil {
			if sm.ctx.Err() == nil {
				observability.Log().Warn("user data stream read failed",
					observability.F("error", err.Error()))
			}
			_ = conn.Close(websocket.StatusNormalClosure, "read loop exit")
			return
		}
		sm.handleFrame(payload)
	}
}

type executionReport struct {
	EventType     string `json:"e"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	Quantity      string `json:"q"`
	Price         string `json:"p"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	FilledQty     string `json:"z"`
	FilledQuote   string `json:"Z"`
	Ctime         int64  `json:"O"`
	Utime         int64  `json:"T"`
}

func (sm *streamManager) handleFrame(payload []byte) {
	var report executionReport
	if err := json.Unmarshal(payload, &report); err != nil {
		observability.Log().Warn("drop unparseable stream frame",
			observability.F("error", err.Error()))
		return
	}
	if report.EventType != "executionReport" {
		return
	}
	if sm.hooks.OnOrderUpdate != nil {
		sm.hooks.OnOrderUpdate(sm.ctx, report.toUpdate())
	}
}

func (r executionReport) toUpdate() session.OrderUpdate {
	qty := parseDecimal(r.Quantity)
	filled := parseDecimal(r.FilledQty)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = parseDecimal(r.FilledQuote).Div(filled)
	}
	return session.OrderUpdate{
		OrderID:   domain.OrderID(strconv.FormatInt(r.OrderID, 10), r.ClientOrderID),
		Symbol:    r.Symbol,
		Side:      domain.OrderSide(r.Side),
		Type:      domain.OrderType(r.OrderType),
		RawStatus: r.Status,
		Price:     parseDecimal(r.Price),
		Quantity:  qty,
		Remain:    qty.Sub(filled),
		AvgPrice:  avg,
		Ctime:     r.Ctime,
		Utime:     r.Utime,
	}
}

func (sm *streamManager) sleep(d time.Duration) bool {
	select {
	case <-sm.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
