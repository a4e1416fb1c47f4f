package events

import (
	"context"
	"sync"
	"time"

	"github.com/steward-sh/steward/internal/log"
)

// Sink receives events that pass the notifier's budget. The operator surface
// (mail, chat, whatever is wired) implements it.
type Sink interface {
	Notify(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Notify(ev Event) error { return f(ev) }

// Notifier forwards bus events to a Sink, throttled by a per-channel leaky
// bucket. Emergency events bypass the bucket; overflow is logged, not sent.
type Notifier struct {
	bus        *Bus
	sink       Sink
	ratePerMin int

	mu      sync.Mutex
	buckets map[Channel]*bucket
	now     func() time.Time
}

// bucket is a leaky bucket: level drains at ratePerMin per minute, each
// notification adds one, capacity equals ratePerMin.
type bucket struct {
	level   float64
	updated time.Time
}

// NewNotifier returns a Notifier draining bus into sink.
func NewNotifier(bus *Bus, sink Sink, ratePerMin int) *Notifier {
	return &Notifier{
		bus:        bus,
		sink:       sink,
		ratePerMin: ratePerMin,
		buckets:    make(map[Channel]*bucket),
		now:        time.Now,
	}
}

// Run subscribes and forwards until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ch := n.bus.Subscribe(ctx)
	for msg := range ch {
		n.deliver(msg.Payload)
	}
}

func (n *Notifier) deliver(ev Event) {
	if ev.Severity != SeverityEmergency && !n.allow(ev.Channel) {
		log.Warn(log.CatEvents, "notification dropped by rate limit", "channel", ev.Channel, "id", ev.ID)
		return
	}
	if err := n.sink.Notify(ev); err != nil {
		log.ErrorErr(log.CatEvents, "notification failed", err, "channel", ev.Channel, "id", ev.ID)
	}
}

// allow charges one notification against the channel's bucket.
func (n *Notifier) allow(channel Channel) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	b, ok := n.buckets[channel]
	if !ok {
		b = &bucket{updated: now}
		n.buckets[channel] = b
	}

	drained := now.Sub(b.updated).Minutes() * float64(n.ratePerMin)
	b.level -= drained
	if b.level < 0 {
		b.level = 0
	}
	b.updated = now

	if b.level+1 > float64(n.ratePerMin) {
		return false
	}
	b.level++
	return true
}
