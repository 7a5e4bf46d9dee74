package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsgrid/alarmd/internal/journal"
	"github.com/opsgrid/alarmd/internal/metrics"
)

const (
	// publishBatch bounds how many journal entries one drain pass reads.
	publishBatch = 64

	defaultFlushInterval = 250 * time.Millisecond
)

// Publisher drains journalled alarm events into the outbound exchange.
//
// Enqueue only appends to the journal, so callers never wait on the broker.
// A background loop publishes journalled entries in order and removes them
// once the broker has taken them; entries survive a crash or a broker outage
// and are retried on the next pass.
type Publisher struct {
	ch      Channel
	journal *journal.Journal
	logger  *slog.Logger
	meter   *metrics.Metrics

	interval time.Duration
	kick     chan struct{}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherMetrics attaches publish counters.
func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) { p.meter = m }
}

// WithFlushInterval overrides how often the journal is drained when no new
// events arrive. Mainly for tests.
func WithFlushInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.interval = d }
}

// NewPublisher declares the outbound exchange and wraps the journal.
func NewPublisher(ch Channel, j *journal.Journal, logger *slog.Logger, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:       ch,
		journal:  j,
		logger:   logger,
		interval: defaultFlushInterval,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := declareDirect(ch, AlarmsExchange); err != nil {
		return nil, err
	}
	return p, nil
}

// Enqueue journals body for publication and nudges the drain loop.
func (p *Publisher) Enqueue(body []byte) error {
	if err := p.journal.Append(body); err != nil {
		return fmt.Errorf("journalling event: %w", err)
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the journal until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.kick:
		case <-ticker.C:
		}
		p.drain(ctx)
	}
}

// drain publishes journalled entries oldest-first. On the first publish
// failure it stops and leaves the remainder journalled for the next pass, so
// a broker outage delays events instead of losing them.
func (p *Publisher) drain(ctx context.Context) {
	for {
		entries, err := p.journal.Peek(publishBatch)
		if err != nil {
			p.logger.Error("reading journal failed", slog.Any("error", err))
			return
		}
		if len(entries) == 0 {
			return
		}

		published := make([]int64, 0, len(entries))
		for _, e := range entries {
			err := p.ch.PublishWithContext(ctx, AlarmsExchange, "", false, false, amqp.Publishing{
				ContentType: "application/json",
				Body:        e.Body,
			})
			if err != nil {
				if p.meter != nil {
					p.meter.PublishErrors.Add(1)
				}
				p.logger.Warn("publishing event failed, will retry",
					slog.Int64("entry", e.ID), slog.Any("error", err))
				break
			}
			published = append(published, e.ID)
		}

		if len(published) > 0 {
			if err := p.journal.Ack(published); err != nil {
				p.logger.Error("removing published entries failed", slog.Any("error", err))
				return
			}
			if p.meter != nil {
				p.meter.EventsPublished.Add(int64(len(published)))
			}
		}
		if len(published) < len(entries) {
			return
		}
	}
}
