package alarm

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Routes maps fully qualified alarm names to the acknowledgement intake they
// should be delivered on. Routes are registered once at bootstrap, one per
// configured alarm; client sessions use the map to reject acks for names
// that were never configured. The broker ack path bypasses this check.
type Routes struct {
	mu     sync.Mutex
	routes map[string]chan<- string
}

// NewRoutes returns an empty route table.
func NewRoutes() *Routes {
	return &Routes{routes: make(map[string]chan<- string)}
}

// Register binds name to intake. A later registration for the same name
// replaces the earlier one.
func (r *Routes) Register(name string, intake chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = intake
}

// Ack routes an acknowledgement for name, reporting false when no route is
// registered. The send happens outside the table lock and blocks while the
// intake is full, so a burst of acks backpressures the caller rather than
// being dropped.
func (r *Routes) Ack(ctx context.Context, name string) bool {
	r.mu.Lock()
	intake, ok := r.routes[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case intake <- name:
	case <-ctx.Done():
	}
	return true
}

// Dispatcher persists acknowledgements and publishes the synthetic events
// that announce them. It never touches evaluator state: the persisted row is
// the authority, and the next reset picks the ack up from there.
type Dispatcher struct {
	in     <-chan string
	out    chan<- Event
	store  Store
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher reading alarm names from in and
// publishing synthetic ack events on out.
func NewDispatcher(in <-chan string, out chan<- Event, store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{in: in, out: out, store: store, logger: logger}
}

// Run drains the intake until it closes or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-d.in:
			if !ok {
				return
			}
			d.dispatch(ctx, name)
		}
	}
}

// dispatch records the ack and emits the synthetic event even when the
// record fails: subscribers still learn that an operator acted, and the
// next reset consults the store directly.
func (d *Dispatcher) dispatch(ctx context.Context, name string) {
	if err := d.store.RecordAck(ctx, name); err != nil {
		d.logger.Error("recording ack failed",
			slog.String("alarm", name),
			slog.Any("error", err),
		)
	}

	e := Event{
		Name:      name,
		Severity:  SeverityUnknown,
		State:     StateUnknown,
		Ack:       AckAck,
		Value:     math.MaxInt64,
		Timestamp: time.Now().UTC(),
	}
	select {
	case d.out <- e:
	case <-ctx.Done():
	}
}
