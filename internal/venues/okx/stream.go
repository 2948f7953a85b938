package okx

import (
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/internal/session"
)

const (
	loginSignPath = "/users/self/verify"
	pingInterval  = 15 * time.Second
)

// streamManager owns the private websocket: signed login, channel
// subscription confirmation, deflate frame decoding and the reconnect loop.
// The session is reported up only after every subscription confirms.
type streamManager struct {
	driver *Driver
	hooks  session.StreamHooks

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once
	fatal     chan error
	fatalOnce sync.Once

	// handshake state, reset on every (re)connect
	loggedIn bool
	pending  map[string]struct{}
}

func newStreamManager(ctx context.Context, driver *Driver, hooks session.StreamHooks) *streamManager {
	managerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &streamManager{
		driver: driver,
		hooks:  hooks,
		ctx:    managerCtx,
		cancel: cancel,
		ready:  make(chan struct{}),
		fatal:  make(chan error, 1),
	}
}

func (sm *streamManager) start(ctx context.Context) error {
	go sm.connectLoop()
	select {
	case <-sm.ready:
		return nil
	case err := <-sm.fatal:
		sm.stop()
		return err
	case <-time.After(30 * time.Second):
		sm.stop()
		return errors.New("okx: timeout waiting for login handshake")
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

func (sm *streamManager) connectLoop() {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-sm.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(sm.ctx, sm.driver.opts.wssURL(), nil)
		if err != nil {
			observability.Log().Error("private stream dial failed",
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

		sm.loggedIn = false
		sm.pending = map[string]struct{}{
			"spot/order:" + sm.driver.opts.instrumentID(): {},
		}
		if err := sm.login(conn); err != nil {
			observability.Log().Error("login send failed", observability.F("error", err.Error()))
			_ = conn.Close(websocket.StatusNormalClosure, "login failed")
		} else {
			stopPing := sm.startPing(conn)
			sm.readLoop(conn)
			stopPing()
		}

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

type wsRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (sm *streamManager) login(conn *websocket.Conn) error {
	opts := sm.driver.opts
	timestamp := wsTimestamp(time.Now())
	signature := sign(opts.SecretKey, timestamp, "GET", loginSignPath, "")
	return sm.send(conn, wsRequest{
		Op:   "login",
		Args: []string{opts.APIKey, opts.Passphrase, timestamp, signature},
	})
}

func (sm *streamManager) subscribe(conn *websocket.Conn) error {
	channels := make([]string, 0, len(sm.pending))
	for ch := range sm.pending {
		channels = append(channels, ch)
	}
	return sm.send(conn, wsRequest{Op: "subscribe", Args: channels})
}

func (sm *streamManager) send(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(sm.ctx, websocket.MessageText, raw)
}

func (sm *streamManager) startPing(conn *websocket.Conn) (stop func()) {
	ctx, cancel := context.WithCancel(sm.ctx)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()
	return cancel
}

func (sm *streamManager) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.Read(sm.ctx)
		if err != nil {
			if sm.ctx.Err() == nil {
				observability.Log().Warn("private stream read failed",
					observability.F("error", err.Error()))
			}
			_ = conn.Close(websocket.StatusNormalClosure, "read loop exit")
			return
		}
		frame, err := inflate(payload)
		if err != nil {
			observability.Log().Warn("drop undecodable stream frame",
				observability.F("error", err.Error()))
			continue
		}
		sm.handleFrame(conn, frame)
	}
}

// inflate decodes one raw-deflate compressed frame. Frames that are not
// compressed (some gateways send plain text pongs) pass through untouched.
func inflate(payload []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(payload))
	defer reader.Close()
	out, err := io.ReadAll(reader)
	if err != nil {
		if bytes.Equal(payload, []byte("pong")) {
			return payload, nil
		}
		return nil, err
	}
	return out, nil
}

type wsEvent struct {
	Event     string `json:"event"`
	Success   bool   `json:"success"`
	Channel   string `json:"channel"`
	ErrorCode any    `json:"errorCode"`
	Message   string `json:"message"`
	Table     string `json:"table"`
}

func (sm *streamManager) handleFrame(conn *websocket.Conn, frame []byte) {
	if bytes.Equal(frame, []byte("pong")) {
		return
	}
	var evt wsEvent
	if err := json.Unmarshal(frame, &evt); err != nil {
		observability.Log().Warn("drop unparseable stream frame",
			observability.F("error", err.Error()))
		return
	}

	switch {
	case evt.Event == "login":
		if !evt.Success {
			sm.reportFatal(errs.New("okx", errs.CodeAuth, errs.WithMessage("login rejected"),
				errs.WithRawMessage(evt.Message)))
			_ = conn.Close(websocket.StatusNormalClosure, "login rejected")
			return
		}
		sm.loggedIn = true
		if err := sm.subscribe(conn); err != nil {
			observability.Log().Error("subscribe send failed",
				observability.F("error", err.Error()))
		}
	case evt.Event == "subscribe":
		delete(sm.pending, evt.Channel)
		if sm.loggedIn && len(sm.pending) == 0 {
			// Every channel confirmed: only now is the feed trustworthy.
			sm.readyOnce.Do(func() { close(sm.ready) })
			if sm.hooks.OnUp != nil {
				sm.hooks.OnUp(sm.ctx)
			}
		}
	case evt.Event == "error":
		if !sm.loggedIn || len(sm.pending) > 0 {
			// An error while channels are still unconfirmed means one of
			// them will never confirm; surface the venue's message now
			// instead of letting the caller hit the handshake timeout.
			sm.reportFatal(errs.New("okx", errs.CodeProtocol,
				errs.WithMessage("handshake rejected"),
				errs.WithRawMessage(evt.Message)))
			if conn != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "handshake rejected")
			}
			return
		}
		observability.Log().Error("stream error event",
			observability.F("message", evt.Message))
	case evt.Table == "spot/order":
		sm.handleOrderTable(frame)
	}
}

type orderTable struct {
	Table string      `json:"table"`
	Data  []restOrder `json:"data"`
}

func (sm *streamManager) handleOrderTable(frame []byte) {
	var table orderTable
	if err := json.Unmarshal(frame, &table); err != nil {
		observability.Log().Warn("drop unparseable order frame",
			observability.F("error", err.Error()))
		return
	}
	if sm.hooks.OnOrderUpdate == nil {
		return
	}
	for _, r := range table.Data {
		size := parseDecimal(r.Size)
		side := domain.SideBuy
		if r.Side == "sell" {
			side = domain.SideSell
		}
		typ := domain.OrderTypeLimit
		if r.Type == "market" {
			typ = domain.OrderTypeMarket
		}
		sm.hooks.OnOrderUpdate(sm.ctx, session.OrderUpdate{
			OrderID:   r.compositeID(),
			Symbol:    sm.driver.opts.Symbol,
			Side:      side,
			Type:      typ,
			RawStatus: r.State,
			Price:     parseDecimal(r.Price),
			Quantity:  size,
			Remain:    size.Sub(parseDecimal(r.FilledSize)),
			AvgPrice:  parseDecimal(r.PriceAvg),
			Utime:     parseTimestamp(r.Timestamp),
		})
	}
}

func (sm *streamManager) reportFatal(err error) {
	sm.fatalOnce.Do(func() { sm.fatal <- err })
}

func (sm *streamManager) sleep(d time.Duration) bool {
	select {
	case <-sm.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func parseTimestamp(ts string) int64 {
	if ts == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
