// Package heartbeat publishes periodic liveness events for this process so
// dashboards and peer services can tell a quiet server from a dead one.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coachpo/tradecore/internal/event"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/lib/sched"
)

// Publisher sends envelopes to the bus.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

const defaultInterval = time.Second

// Beat publishes one heartbeat per interval with a monotonically growing
// count.
type Beat struct {
	serverID string
	pub      Publisher
	sched    *sched.Scheduler
	interval time.Duration
	count    atomic.Int64
	stop     func()
}

// New builds the heartbeat for this server process.
func New(serverID string, pub Publisher, scheduler *sched.Scheduler, interval time.Duration) *Beat {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Beat{serverID: serverID, pub: pub, sched: scheduler, interval: interval}
}

// Start registers the periodic publish.
func (b *Beat) Start() {
	if b.stop != nil {
		return
	}
	b.stop = b.sched.Every("heartbeat", b.interval, b.tick)
}

// Stop cancels the heartbeat.
func (b *Beat) Stop() {
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
}

// Count reports how many beats have been published.
func (b *Beat) Count() int64 { return b.count.Load() }

func (b *Beat) tick(ctx context.Context) error {
	count := b.count.Add(1)
	observability.Telemetry().SetGauge("tradecore_heartbeat_count", float64(count), nil)
	return b.pub.Publish(ctx, event.NewHeartbeat(b.serverID, count))
}
