package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsgrid/alarmd/internal/measure"
	"github.com/opsgrid/alarmd/internal/metrics"
)

// Ingress consumes measurement samples and operator acknowledgements from
// the broker and feeds them into the evaluation pipeline.
//
// Measurement payloads are ASCII decimal integers; the routing key names the
// measurement they belong to. Samples fan out through the measurement bus.
// Acknowledgement payloads name the alarm to acknowledge and are forwarded
// on the acks channel, blocking until the dispatcher takes them.
type Ingress struct {
	ch     Channel
	bus    *measure.Bus
	acks   chan<- string
	logger *slog.Logger
	meter  *metrics.Metrics

	measQueue string
	ackQueue  string
}

// IngressOption configures an Ingress.
type IngressOption func(*Ingress)

// WithIngressMetrics attaches consumption counters.
func WithIngressMetrics(m *metrics.Metrics) IngressOption {
	return func(in *Ingress) { in.meter = m }
}

// NewIngress declares the inbound exchanges and their private queues. The
// acknowledgement queue is bound immediately; measurement bindings are added
// per alarm through Subscribe.
func NewIngress(ch Channel, bus *measure.Bus, acks chan<- string, logger *slog.Logger, opts ...IngressOption) (*Ingress, error) {
	in := &Ingress{
		ch:     ch,
		bus:    bus,
		acks:   acks,
		logger: logger,
	}
	for _, opt := range opts {
		opt(in)
	}

	if err := declareDirect(ch, MeasExchange); err != nil {
		return nil, err
	}
	measQueue, err := declarePrivateQueue(ch)
	if err != nil {
		return nil, fmt.Errorf("measurement queue: %w", err)
	}
	in.measQueue = measQueue

	if err := declareDirect(ch, AckExchange); err != nil {
		return nil, err
	}
	ackQueue, err := declarePrivateQueue(ch)
	if err != nil {
		return nil, fmt.Errorf("ack queue: %w", err)
	}
	if err := ch.QueueBind(ackQueue, AckRoutingKey, AckExchange, false, nil); err != nil {
		return nil, fmt.Errorf("binding ack queue: %w", err)
	}
	in.ackQueue = ackQueue

	return in, nil
}

// Subscribe binds the measurement queue to the given measurement path and
// returns a receiver of its samples. Each alarm watching the same path gets
// its own receiver; the binding is added once per path.
func (in *Ingress) Subscribe(meas string) (<-chan int64, error) {
	if err := in.ch.QueueBind(in.measQueue, meas, MeasExchange, false, nil); err != nil {
		return nil, fmt.Errorf("binding measurement %s: %w", meas, err)
	}
	return in.bus.Subscribe(meas), nil
}

// Run consumes both queues until ctx is cancelled or the broker closes a
// delivery stream. The measurement bus is closed on the way out so every
// evaluator sees end-of-input.
func (in *Ingress) Run(ctx context.Context) error {
	defer in.bus.Close()

	meas, err := in.ch.Consume(in.measQueue, "alarmd-meas-"+uuid.NewString(),
		false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming measurements: %w", err)
	}
	acks, err := in.ch.Consume(in.ackQueue, "alarmd-ack-"+uuid.NewString(),
		false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming acks: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-meas:
			if !ok {
				return fmt.Errorf("measurement stream closed by broker")
			}
			in.handleMeasurement(d)
		case d, ok := <-acks:
			if !ok {
				return fmt.Errorf("ack stream closed by broker")
			}
			if err := in.handleAck(ctx, d); err != nil {
				return err
			}
		}
	}
}

// handleMeasurement parses one sample and publishes it on the bus. Frames
// that do not parse as a decimal integer are acknowledged and dropped so the
// broker does not redeliver them forever.
func (in *Ingress) handleMeasurement(d amqp.Delivery) {
	v, err := strconv.ParseInt(string(d.Body), 10, 64)
	if err != nil {
		if in.meter != nil {
			in.meter.MeasParseErrors.Add(1)
		}
		in.logger.Warn("dropping unparseable measurement",
			slog.String("meas", d.RoutingKey), slog.String("body", printable(d.Body)))
		in.ack(d)
		return
	}

	if in.meter != nil {
		in.meter.MeasMessages.Add(1)
	}
	if !in.bus.Publish(d.RoutingKey, v) {
		in.logger.Warn("no alarm watches this measurement",
			slog.String("meas", d.RoutingKey))
	}
	in.ack(d)
}

// handleAck forwards one acknowledgement to the dispatcher. The send blocks
// so an acknowledgement is never lost between broker and dispatcher; only a
// cancelled context interrupts it.
func (in *Ingress) handleAck(ctx context.Context, d amqp.Delivery) error {
	if !utf8.Valid(d.Body) {
		in.logger.Warn("dropping non-UTF-8 ack payload")
		in.ack(d)
		return nil
	}

	select {
	case in.acks <- string(d.Body):
	case <-ctx.Done():
		return ctx.Err()
	}

	if in.meter != nil {
		in.meter.AckMessages.Add(1)
	}
	in.ack(d)
	return nil
}

func (in *Ingress) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		in.logger.Error("acking delivery failed", slog.Any("error", err))
	}
}

// printable trims a payload for logging.
func printable(b []byte) string {
	const max = 64
	if len(b) > max {
		b = b[:max]
	}
	return strconv.Quote(string(b))
}
