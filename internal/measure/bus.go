// Package measure provides the per-measurement broadcast bus between the
// broker ingress and the alarm evaluators.
//
// Design notes:
//   - One topic per measurement path, created on first subscription; any
//     number of receivers per topic.
//   - Per-receiver buffers are bounded. On overflow the oldest undelivered
//     sample is discarded so that a slow evaluator loses stale data instead
//     of stalling ingress. Measurement samples are commodity values; the
//     newest one is always the most useful.
//   - Close closes every receiver channel, which is how evaluators learn
//     that ingress has ended.
package measure

import "sync"

// DefaultCapacity is the per-receiver buffer size used when NewBus is given
// a non-positive capacity.
const DefaultCapacity = 10

// Bus fans measurement samples out to per-path receivers. All methods are
// safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	cap    int
	topics map[string][]chan int64
	closed bool
}

// NewBus returns a bus whose receivers buffer up to capacity samples.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{cap: capacity, topics: make(map[string][]chan int64)}
}

// Subscribe registers a fresh receiver for path, creating the topic when it
// does not exist yet. Subscribing to a closed bus returns a closed channel.
func (b *Bus) Subscribe(path string) <-chan int64 {
	ch := make(chan int64, b.cap)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.topics[path] = append(b.topics[path], ch)
	return ch
}

// Publish delivers v to every receiver of path, reporting false when the
// path has no topic. Receivers that are full lose their oldest buffered
// sample; Publish never blocks.
func (b *Bus) Publish(path string, v int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	receivers, ok := b.topics[path]
	if !ok {
		return false
	}
	for _, ch := range receivers {
		send(ch, v)
	}
	return true
}

// send places v on ch, discarding the oldest buffered sample while the
// buffer is full. The bus lock excludes concurrent senders and Close, so the
// loop always terminates: each pass either delivers or frees a slot.
func send(ch chan int64, v int64) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Close closes every receiver channel and marks the bus closed. Publish and
// Subscribe after Close are no-ops (Subscribe hands out closed channels).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, receivers := range b.topics {
		for _, ch := range receivers {
			close(ch)
		}
	}
	b.topics = nil
}
