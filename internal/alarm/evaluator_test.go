package alarm_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/opsgrid/alarmd/internal/alarm"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fakeStore is an in-memory alarm.Store recording every call. The latest row
// and the error returns are fixed per test.
type fakeStore struct {
	mu        sync.Mutex
	inserts   []alarm.Event
	acks      []string
	latest    *alarm.LatestRow
	latestErr error
	insertErr error
	ackErr    error
}

func (s *fakeStore) InsertEvent(_ context.Context, e alarm.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, e)
	return s.insertErr
}

func (s *fakeStore) Latest(_ context.Context, _ string) (*alarm.LatestRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latestErr
}

func (s *fakeStore) RecordAck(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, name)
	return s.ackErr
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
}

func (s *fakeStore) ackedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() alarm.Config {
	return alarm.Config{
		Name:        "a/x",
		Measurement: "m1",
		SetValue:    1,
		ResetValue:  2,
		Severity:    alarm.SeverityHigh,
	}
}

// startEvaluator runs an evaluator for cfg and returns its input channel,
// its event output, and a stop function that waits for the goroutine.
func startEvaluator(t *testing.T, cfg alarm.Config, store alarm.Store) (chan int64, chan alarm.Event, func()) {
	t.Helper()

	in := make(chan int64)
	out := make(chan alarm.Event, 8)
	ev := alarm.NewEvaluator(cfg, in, out, store, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ev.Run(ctx)
		close(done)
	}()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("evaluator did not stop")
		}
	}
	return in, out, stop
}

func waitEvent(t *testing.T, out <-chan alarm.Event) alarm.Event {
	t.Helper()
	select {
	case e := <-out:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return alarm.Event{}
	}
}

// ---------------------------------------------------------------------------
// Set path
// ---------------------------------------------------------------------------

func TestEvaluator_SetEmitsAndPersists(t *testing.T) {
	store := &fakeStore{}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	in <- 1
	got := waitEvent(t, out)

	if got.Name != "a/x" || got.State != alarm.StateSet || got.Ack != alarm.AckNotAck {
		t.Errorf("event = %+v, want Set/NotAck for a/x", got)
	}
	if got.Value != 1 {
		t.Errorf("Value = %d, want 1", got.Value)
	}
	if got.Severity != alarm.SeverityHigh {
		t.Errorf("Severity = %q, want %q", got.Severity, alarm.SeverityHigh)
	}
	if got.Timestamp.IsZero() || got.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want a non-zero UTC instant", got.Timestamp)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserts) != 1 || store.inserts[0].State != alarm.StateSet {
		t.Errorf("inserts = %+v, want exactly the Set event", store.inserts)
	}
}

func TestEvaluator_RepeatedSetEmitsEveryTime(t *testing.T) {
	store := &fakeStore{}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	in <- 1
	in <- 1
	first := waitEvent(t, out)
	second := waitEvent(t, out)

	if first.State != alarm.StateSet || second.State != alarm.StateSet {
		t.Errorf("states = %q, %q, want Set, Set", first.State, second.State)
	}
}

func TestEvaluator_BoundarySetValues(t *testing.T) {
	for _, setValue := range []int64{math.MinInt64, math.MaxInt64} {
		cfg := testConfig()
		cfg.SetValue = setValue
		cfg.ResetValue = 0

		store := &fakeStore{}
		in, out, stop := startEvaluator(t, cfg, store)

		in <- setValue
		got := waitEvent(t, out)
		if got.State != alarm.StateSet || got.Value != setValue {
			t.Errorf("set %d: event = %+v", setValue, got)
		}
		stop()
	}
}

// ---------------------------------------------------------------------------
// Reset path
// ---------------------------------------------------------------------------

func TestEvaluator_ResetClearsActiveAlarm(t *testing.T) {
	store := &fakeStore{latest: &alarm.LatestRow{Name: "a/x", State: alarm.StateSet, Acked: false}}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	in <- 2
	got := waitEvent(t, out)

	if got.State != alarm.StateReset {
		t.Errorf("State = %q, want %q", got.State, alarm.StateReset)
	}
	if got.Ack != alarm.AckNone {
		t.Errorf("Ack = %q, want %q", got.Ack, alarm.AckNone)
	}
	if got.Value != 2 {
		t.Errorf("Value = %d, want 2", got.Value)
	}
	if got.Severity != alarm.SeverityHigh {
		t.Errorf("Severity = %q, want %q", got.Severity, alarm.SeverityHigh)
	}
	if store.insertCount() != 1 {
		t.Errorf("insertCount = %d, want 1", store.insertCount())
	}
}

func TestEvaluator_ResetCarriesAckFromStore(t *testing.T) {
	store := &fakeStore{latest: &alarm.LatestRow{Name: "a/x", State: alarm.StateSet, Acked: true}}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	in <- 2
	got := waitEvent(t, out)

	if got.State != alarm.StateReset || got.Ack != alarm.AckAck {
		t.Errorf("event = %+v, want Reset with Ack", got)
	}
}

func TestEvaluator_ResetOnEmptyStoreEmitsNothing(t *testing.T) {
	store := &fakeStore{latest: nil}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	// The later Set event proves the reset sample was fully processed
	// without producing anything.
	in <- 2
	in <- 1
	got := waitEvent(t, out)

	if got.State != alarm.StateSet {
		t.Errorf("first event = %+v, want the Set that followed the reset", got)
	}
	if n := store.insertCount(); n != 1 {
		t.Errorf("insertCount = %d, want 1", n)
	}
}

func TestEvaluator_ResetWhenLatestAlreadyReset_EmitsNothing(t *testing.T) {
	store := &fakeStore{latest: &alarm.LatestRow{Name: "a/x", State: alarm.StateReset}}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	in <- 2
	in <- 1
	got := waitEvent(t, out)

	if got.State != alarm.StateSet {
		t.Errorf("first event = %+v, want the Set that followed the reset", got)
	}
}

func TestEvaluator_StoreErrorSuppressesReset(t *testing.T) {
	store := &fakeStore{
		latest:    &alarm.LatestRow{Name: "a/x", State: alarm.StateSet},
		latestErr: errors.New("boom"),
	}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	in <- 2
	in <- 1
	got := waitEvent(t, out)

	if got.State != alarm.StateSet {
		t.Errorf("first event = %+v, want the Set that followed the suppressed reset", got)
	}
	if n := store.insertCount(); n != 1 {
		t.Errorf("insertCount = %d, want 1 (reset must not persist)", n)
	}
}

// ---------------------------------------------------------------------------
// Loop behavior
// ---------------------------------------------------------------------------

func TestEvaluator_IgnoresUnmatchedValues(t *testing.T) {
	store := &fakeStore{}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	in <- 7
	in <- -7
	in <- 1
	got := waitEvent(t, out)

	if got.State != alarm.StateSet {
		t.Errorf("first event = %+v, want Set", got)
	}
	if n := store.insertCount(); n != 1 {
		t.Errorf("insertCount = %d, want 1", n)
	}
}

func TestEvaluator_InsertFailureDoesNotStopLoop(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("store down")}
	in, out, stop := startEvaluator(t, testConfig(), store)
	defer stop()

	in <- 1
	in <- 1
	first := waitEvent(t, out)
	second := waitEvent(t, out)

	if first.State != alarm.StateSet || second.State != alarm.StateSet {
		t.Errorf("states = %q, %q, want Set, Set", first.State, second.State)
	}
}

func TestEvaluator_StopsWhenInputCloses(t *testing.T) {
	store := &fakeStore{}
	in := make(chan int64)
	out := make(chan alarm.Event, 1)
	ev := alarm.NewEvaluator(testConfig(), in, out, store, discardLogger())

	done := make(chan struct{})
	go func() {
		ev.Run(context.Background())
		close(done)
	}()

	close(in)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("evaluator did not stop after input close")
	}
}
