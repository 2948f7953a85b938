// Package bus implements the typed publish/subscribe event center over a
// topic broker: connection supervision, subscription binding, delivery
// dispatch through the scheduler, and acknowledgement.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/tradecore/internal/event"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/lib/sched"
)

// State captures the broker connection lifecycle.
type State int32

const (
	// StateDisconnected means no usable channel exists.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means exchanges are declared and publishing is open.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Callback handles one decoded envelope. It runs as a scheduler task, never
// inline on the transport receive path.
type Callback func(ctx context.Context, env *event.Envelope) error

type subscription struct {
	env   *event.Envelope
	cb    Callback
	multi bool
	// boundGen is the connection generation this subscription is bound
	// under; guarded by Center.mu. A subscription bound on registration
	// must not be bound again when the delayed first-connect bindAll fires.
	boundGen uint64
}

const (
	defaultBindDelay      = 5 * time.Second
	defaultHealthInterval = 5 * time.Second
	subscribeLockKey      = "bus.subscribe"
)

// Option tunes Center construction.
type Option func(*Center)

// WithBindDelay overrides the first-connect binding grace period.
func WithBindDelay(d time.Duration) Option {
	return func(c *Center) { c.bindDelay = d }
}

// WithHealthInterval overrides the liveness probe interval.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Center) { c.healthEvery = d }
}

// Center is the process-wide event hub. Construct one per process (or per
// test) with New and pass it by reference; there is no package global.
type Center struct {
	serverID  string
	transport Transport
	sched     *sched.Scheduler

	bindDelay   time.Duration
	healthEvery time.Duration

	mu            sync.Mutex
	state         State
	ch            Channel
	gen           uint64
	subs          []*subscription
	handlers      map[string][]Callback
	consumed      map[string]bool
	everConnected bool
	closed        bool

	stopHealth func()
	healthOnce sync.Once
}

// New constructs an event center bound to one broker transport.
func New(serverID string, transport Transport, scheduler *sched.Scheduler, opts ...Option) *Center {
	c := new(Center)
	c.serverID = serverID
	c.transport = transport
	c.sched = scheduler
	c.bindDelay = defaultBindDelay
	c.healthEvery = defaultHealthInterval
	c.state = StateDisconnected
	c.handlers = make(map[string][]Callback)
	c.consumed = make(map[string]bool)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start attempts the initial connect and registers the periodic health
// check. A failed first dial is not fatal: the health check keeps retrying.
func (c *Center) Start(ctx context.Context) {
	c.healthOnce.Do(func() {
		c.stopHealth = c.sched.Every("bus.health", c.healthEvery, c.checkConnection)
	})
	c.connect(ctx)
}

// State reports the current connection state.
func (c *Center) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Publish sends the envelope to the broker. When the bus is not connected
// the envelope is dropped with a warning: live trading data must be fresh,
// so nothing is ever queued for later delivery.
func (c *Center) Publish(ctx context.Context, env *event.Envelope) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	ch := c.ch
	c.mu.Unlock()

	if !connected || ch == nil {
		observability.Log().Warn("bus not connected, dropping publish",
			observability.F("event", env.Name),
			observability.F("routing_key", env.Address.RoutingKey))
		observability.Telemetry().IncCounter("tradecore_bus_dropped_total", 1,
			map[string]string{"exchange": env.Address.Exchange})
		return nil
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	if err := ch.Publish(ctx, env.Address.Exchange, env.Address.RoutingKey, body); err != nil {
		observability.Log().Error("publish failed",
			observability.F("event", env.Name), observability.F("error", err.Error()))
		return err
	}
	observability.Telemetry().IncCounter("tradecore_bus_published_total", 1,
		map[string]string{"exchange": env.Address.Exchange})
	return nil
}

// Subscribe registers the template and callback. multi marks the routing
// key as a pattern: deliveries skip the ack path entirely. When already
// connected the binding happens now; otherwise it happens on the next
// CONNECTED transition. The registration path is serialized so concurrent
// subscribers cannot race on binding state.
func (c *Center) Subscribe(ctx context.Context, env *event.Envelope, cb Callback, multi bool) error {
	sub := &subscription{env: env, cb: cb, multi: multi}
	return c.sched.Named(subscribeLockKey).Do(ctx, func() error {
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		connected := c.state == StateConnected
		gen := c.gen
		c.mu.Unlock()

		observability.Log().Info("subscription registered",
			observability.F("event", env.Name),
			observability.F("exchange", env.Address.Exchange),
			observability.F("queue", env.Address.Queue),
			observability.F("routing_key", env.Address.RoutingKey),
			observability.F("multi", multi))

		if connected {
			return c.bindOne(gen, sub)
		}
		return nil
	})
}

// Close tears the bus down for good.
func (c *Center) Close() {
	if c.stopHealth != nil {
		c.stopHealth()
	}
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	old := c.ch
	c.ch = nil
	c.handlers = make(map[string][]Callback)
	c.consumed = make(map[string]bool)
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (c *Center) connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ch, err := c.transport.Dial(ctx)
	if err != nil {
		observability.Log().Error("broker connect failed", observability.F("error", err.Error()))
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}

	declareErr := error(nil)
	for _, name := range event.DefaultExchanges() {
		if err := ch.DeclareTopicExchange(name); err != nil {
			declareErr = err
			break
		}
	}
	if declareErr != nil {
		observability.Log().Error("declare exchanges failed", observability.F("error", declareErr.Error()))
		_ = ch.Close()
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	c.ch = ch
	c.gen++
	gen := c.gen
	c.state = StateConnected
	c.handlers = make(map[string][]Callback)
	c.consumed = make(map[string]bool)
	rebind := c.everConnected
	c.everConnected = true
	c.mu.Unlock()

	observability.Log().Info("broker connected", observability.F("reconnect", rebind))
	observability.Telemetry().SetGauge("tradecore_bus_connected", 1, nil)
	if rebind {
		observability.Telemetry().IncCounter("tradecore_bus_reconnects_total", 1, nil)
		c.bindAll(gen)
		return
	}
	if c.bindDelay <= 0 {
		c.bindAll(gen)
		return
	}
	// First connect: give dependent modules time to finish registering
	// their subscriptions before queues start consuming.
	time.AfterFunc(c.bindDelay, func() { c.bindAll(gen) })
}

func (c *Center) bindAll(gen uint64) {
	c.mu.Lock()
	subs := append([]*subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := c.bindOne(gen, sub); err != nil {
			observability.Log().Error("bind subscription failed",
				observability.F("event", sub.env.Name),
				observability.F("error", err.Error()))
		}
	}
}

func (c *Center) bindOne(gen uint64, sub *subscription) error {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected || c.ch == nil {
		c.mu.Unlock()
		return nil
	}
	if sub.boundGen == gen {
		c.mu.Unlock()
		return nil
	}
	sub.boundGen = gen
	ch := c.ch
	if sub.multi {
		c.mu.Unlock()
		return c.bindWildcard(gen, ch, sub)
	}

	key := handlerKey(sub.env.Address.Exchange, sub.env.Address.RoutingKey)
	c.handlers[key] = append(c.handlers[key], sub.cb)
	queue := sub.env.Address.Queue
	already := c.consumed[queue]
	if !already {
		c.consumed[queue] = true
	}
	c.mu.Unlock()
	if already {
		// One queue per (exchange, routingKey); later callbacks fan out
		// through the handler table.
		return nil
	}

	name, err := ch.DeclareQueue(queue, true, true, false)
	if err != nil {
		return err
	}
	if err := ch.BindQueue(name, sub.env.Address.Exchange, sub.env.Address.RoutingKey); err != nil {
		return err
	}
	deliveries, err := ch.Consume(name, false)
	if err != nil {
		return err
	}
	go c.pumpExact(gen, ch, deliveries)
	return nil
}

func (c *Center) bindWildcard(gen uint64, ch Channel, sub *subscription) error {
	name, err := ch.DeclareQueue("", false, false, true)
	if err != nil {
		return err
	}
	if err := ch.BindQueue(name, sub.env.Address.Exchange, sub.env.Address.RoutingKey); err != nil {
		return err
	}
	deliveries, err := ch.Consume(name, true)
	if err != nil {
		return err
	}
	go c.pumpWildcard(gen, sub.cb, deliveries)
	return nil
}

func (c *Center) pumpExact(gen uint64, ch Channel, deliveries <-chan Delivery) {
	for d := range deliveries {
		c.dispatchExact(gen, ch, d)
	}
}

// dispatchExact routes one acknowledged delivery through the handler table.
// The message is acked even when decoding fails or no handler matches:
// redelivering a message nobody can process only floods the queue.
func (c *Center) dispatchExact(gen uint64, ch Channel, d Delivery) {
	c.mu.Lock()
	stale := gen != c.gen
	cbs := append([]Callback(nil), c.handlers[handlerKey(d.Exchange, d.RoutingKey)]...)
	c.mu.Unlock()
	if stale {
		return
	}

	env, err := event.Decode(d.Exchange, d.RoutingKey, d.Body)
	if err != nil {
		observability.Log().Error("drop undecodable message",
			observability.F("exchange", d.Exchange),
			observability.F("routing_key", d.RoutingKey),
			observability.F("error", err.Error()))
		c.ack(ch, d)
		return
	}
	if len(cbs) == 0 {
		observability.Log().Warn("no handler for message",
			observability.F("exchange", d.Exchange),
			observability.F("routing_key", d.RoutingKey))
		c.ack(ch, d)
		return
	}
	for _, cb := range cbs {
		cb := cb
		c.sched.RunSoon("bus.dispatch", func(ctx context.Context) error {
			return cb(ctx, env)
		})
	}
	observability.Telemetry().IncCounter("tradecore_bus_delivered_total", 1,
		map[string]string{"exchange": d.Exchange})
	c.ack(ch, d)
}

func (c *Center) pumpWildcard(gen uint64, cb Callback, deliveries <-chan Delivery) {
	for d := range deliveries {
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		env, err := event.Decode(d.Exchange, d.RoutingKey, d.Body)
		if err != nil {
			observability.Log().Error("drop undecodable broadcast",
				observability.F("exchange", d.Exchange),
				observability.F("error", err.Error()))
			continue
		}
		c.sched.RunSoon("bus.dispatch", func(ctx context.Context) error {
			return cb(ctx, env)
		})
	}
}

func (c *Center) ack(ch Channel, d Delivery) {
	if err := ch.Ack(d.Tag); err != nil {
		observability.Log().Error("ack failed",
			observability.F("tag", d.Tag), observability.F("error", err.Error()))
	}
}

// checkConnection is the periodic liveness probe: a dead channel drops the
// dispatch table so stale handlers cannot fire against the next channel,
// then reconnects immediately.
func (c *Center) checkConnection(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnected && c.ch != nil && c.ch.Alive() {
		c.mu.Unlock()
		return nil
	}
	old := c.ch
	c.ch = nil
	c.state = StateDisconnected
	c.handlers = make(map[string][]Callback)
	c.consumed = make(map[string]bool)
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	observability.Log().Error("broker connection lost, reconnecting now")
	observability.Telemetry().SetGauge("tradecore_bus_connected", 0, nil)
	c.connect(ctx)
	return nil
}

func handlerKey(exchange, routingKey string) string {
	return exchange + ":" + routingKey
}
