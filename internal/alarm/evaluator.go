package alarm

import (
	"context"
	"log/slog"
	"time"
)

// Store is the slice of the history store the evaluators and the ack
// dispatcher depend on. Implementations must be safe for concurrent use;
// every configured alarm shares one value.
type Store interface {
	// InsertEvent appends one event row. Callers log and swallow failures:
	// persistence never blocks or aborts evaluation.
	InsertEvent(ctx context.Context, e Event) error

	// Latest returns the most recent stored row for name, or nil when the
	// store has no row for it. A non-nil error means the answer is unknown,
	// which callers must treat differently from "no row".
	Latest(ctx context.Context, name string) (*LatestRow, error)

	// RecordAck appends a copy of the latest row for name with the ack
	// column set. Fire and forget.
	RecordAck(ctx context.Context, name string) error
}

// Evaluator drives the state machine of a single alarm.
//
// The machine reacts to exactly two sample values. A sample equal to the
// configured set value always produces a Set event. A sample equal to the
// reset value produces a Reset event only when the history store's latest
// row for the alarm exists and is not already a Reset: the store, not the
// evaluator, is the authority on whether there is anything to clear. That
// gate is what makes the engine restart-safe and lets an operator ack taken
// while the alarm was active surface on the eventual reset. Every other
// sample is ignored.
type Evaluator struct {
	cfg    Config
	in     <-chan int64
	out    chan<- Event
	store  Store
	logger *slog.Logger
}

// NewEvaluator builds the evaluator for cfg. It reads samples from in,
// publishes events on out (blocking when the channel is full), and consults
// store on every reset candidate.
func NewEvaluator(cfg Config, in <-chan int64, out chan<- Event, store Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		in:     in,
		out:    out,
		store:  store,
		logger: logger.With(slog.String("alarm", cfg.Name)),
	}
}

// Run consumes measurement samples until the input channel closes or ctx is
// cancelled. Per-sample errors are logged and never terminate the loop.
func (ev *Evaluator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ev.in:
			if !ok {
				ev.logger.Debug("measurement stream closed, evaluator stopping")
				return
			}
			ev.evaluate(ctx, v)
		}
	}
}

func (ev *Evaluator) evaluate(ctx context.Context, v int64) {
	switch v {
	case ev.cfg.SetValue:
		ev.emit(ctx, Event{
			Name:      ev.cfg.Name,
			Severity:  ev.cfg.Severity,
			State:     StateSet,
			Ack:       AckNotAck,
			Value:     ev.cfg.SetValue,
			Timestamp: time.Now().UTC(),
		})
	case ev.cfg.ResetValue:
		ev.reset(ctx)
	}
}

// reset applies the store gate: emit a Reset only when the latest persisted
// row shows an active alarm, and carry the operator's ack across if the row
// was acknowledged.
func (ev *Evaluator) reset(ctx context.Context) {
	last, err := ev.store.Latest(ctx, ev.cfg.Name)
	if err != nil {
		ev.logger.Error("history lookup failed, suppressing reset", slog.Any("error", err))
		return
	}
	if last == nil || last.State == StateReset {
		return
	}

	ack := AckNone
	if last.Acked {
		ack = AckAck
	}
	ev.emit(ctx, Event{
		Name:      ev.cfg.Name,
		Severity:  ev.cfg.Severity,
		State:     StateReset,
		Ack:       ack,
		Value:     ev.cfg.ResetValue,
		Timestamp: time.Now().UTC(),
	})
}

// emit publishes e and then persists it. The send blocks when the event
// channel is full; that is the intended backpressure point between ingress
// and the broadcaster.
func (ev *Evaluator) emit(ctx context.Context, e Event) {
	select {
	case ev.out <- e:
	case <-ctx.Done():
		return
	}
	if err := ev.store.InsertEvent(ctx, e); err != nil {
		ev.logger.Error("history insert failed", slog.Any("error", err))
	}
}
