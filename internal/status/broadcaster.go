// Package status distributes alarm state to the outside world. The
// Broadcaster consumes the evaluator event stream, keeps an in-memory
// projection of the latest event per alarm, and fans each event out to the
// websocket sessions subscribed to that alarm without ever blocking the
// evaluators.
//
// Design notes
//
//   - Each websocket session owns a buffered [Client]; deliveries use a
//     non-blocking send so a slow or disconnected browser never applies
//     back-pressure to the evaluation pipeline. Frames beyond the buffer are
//     dropped for that client only.
//   - Every event is marshalled exactly once and the same byte slice is
//     handed to every subscriber, the projection consumers, and the outbound
//     publisher.
//   - The projection and the subscription table are guarded by separate
//     mutexes. Neither lock is ever held across a channel operation or while
//     the other is held.
//   - An event that both resets the alarm and carries no acknowledgement
//     removes the alarm from the projection; anything else replaces the
//     previous entry, last writer wins.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/opsgrid/alarmd/internal/alarm"
	"github.com/opsgrid/alarmd/internal/metrics"
)

// Outbox receives the JSON body of every event the broadcaster handles, for
// delivery outside the process. Enqueue must not block; implementations
// journal the payload and return.
type Outbox interface {
	Enqueue(body []byte) error
}

// Broadcaster fans alarm events out to subscribed clients and maintains the
// latest-state projection. It is safe for concurrent use.
type Broadcaster struct {
	events <-chan alarm.Event
	logger *slog.Logger

	projMu     sync.RWMutex
	projection map[string]alarm.Event

	subMu sync.RWMutex
	subs  map[string]map[string]*Client // alarm name -> remote addr -> client

	outbox Outbox
	meter  *metrics.Metrics
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithOutbox attaches an outbound publisher that receives every event body.
func WithOutbox(o Outbox) Option {
	return func(b *Broadcaster) { b.outbox = o }
}

// WithMetrics attaches broadcast and drop counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.meter = m }
}

// NewBroadcaster creates a Broadcaster consuming events.
func NewBroadcaster(events <-chan alarm.Event, logger *slog.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		events:     events,
		logger:     logger,
		projection: make(map[string]alarm.Event),
		subs:       make(map[string]map[string]*Client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run consumes the event stream until ctx is cancelled or the stream closes.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-b.events:
			if !ok {
				return nil
			}
			b.handleEvent(e)
		}
	}
}

func (b *Broadcaster) handleEvent(e alarm.Event) {
	if b.meter != nil {
		b.meter.EventsBroadcast.Add(1)
	}

	body, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("marshalling alarm event failed",
			slog.String("alarm", e.Name), slog.Any("error", err))
		return
	}

	b.fanOut(e.Name, body)
	b.project(e)

	if b.outbox != nil {
		if err := b.outbox.Enqueue(body); err != nil {
			b.logger.Error("queueing event for publish failed",
				slog.String("alarm", e.Name), slog.Any("error", err))
		}
	}
}

// fanOut delivers body to every client subscribed to name. The subscriber
// set is copied under the read lock; sends happen outside it.
func (b *Broadcaster) fanOut(name string, body []byte) {
	b.subMu.RLock()
	targets := make([]*Client, 0, len(b.subs[name]))
	for _, c := range b.subs[name] {
		targets = append(targets, c)
	}
	b.subMu.RUnlock()

	for _, c := range targets {
		if c.TrySend(body) {
			continue
		}
		if b.meter != nil {
			b.meter.EventsDropped.Add(1)
		}
		b.logger.Warn("client buffer full, dropping alarm frame",
			slog.String("alarm", name), slog.String("client", c.Addr()))
	}
}

// project updates the latest-state table. A reset that nobody needs to
// acknowledge clears the entry; every other event replaces it.
func (b *Broadcaster) project(e alarm.Event) {
	b.projMu.Lock()
	defer b.projMu.Unlock()
	if e.State == alarm.StateReset && e.Ack == alarm.AckNone {
		delete(b.projection, e.Name)
		return
	}
	b.projection[e.Name] = e
}

// Subscribe registers c for events of the named alarm. It reports whether
// the subscription is new; repeating a subscription from the same remote
// address is a no-op.
func (b *Broadcaster) Subscribe(name string, c *Client) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	set, ok := b.subs[name]
	if !ok {
		set = make(map[string]*Client)
		b.subs[name] = set
	}
	if _, dup := set[c.Addr()]; dup {
		return false
	}
	set[c.Addr()] = c
	return true
}

// Drop removes c from every subscription set and closes it so its session
// write loop terminates. Dropping an unknown client only closes it.
func (b *Broadcaster) Drop(c *Client) {
	b.subMu.Lock()
	for name, set := range b.subs {
		delete(set, c.Addr())
		if len(set) == 0 {
			delete(b.subs, name)
		}
	}
	b.subMu.Unlock()
	c.Close()
}

// Snapshot returns the latest event for each named alarm, in the order the
// names are given. Names with no live projection entry are skipped.
func (b *Broadcaster) Snapshot(names []string) []alarm.Event {
	b.projMu.RLock()
	defer b.projMu.RUnlock()
	out := make([]alarm.Event, 0, len(names))
	for _, name := range names {
		if e, ok := b.projection[name]; ok {
			out = append(out, e)
		}
	}
	return out
}

// All returns every live projection entry ordered by alarm name.
func (b *Broadcaster) All() []alarm.Event {
	b.projMu.RLock()
	out := make([]alarm.Event, 0, len(b.projection))
	for _, e := range b.projection {
		out = append(out, e)
	}
	b.projMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
