package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsgrid/alarmd/internal/alarm"
	"github.com/opsgrid/alarmd/internal/history"
	"github.com/opsgrid/alarmd/internal/metrics"
	"github.com/opsgrid/alarmd/internal/server"
	"github.com/opsgrid/alarmd/internal/status"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// histStub satisfies the history surface; session tests never reach it.
type histStub struct{}

func (histStub) Events(context.Context, string, time.Time, time.Time, int) ([]history.StoredEvent, error) {
	return nil, nil
}

// testServer bundles the live pipeline a session talks to.
type testServer struct {
	ts     *httptest.Server
	events chan alarm.Event
	bcast  *status.Broadcaster
	intake chan string
	meter  *metrics.Metrics
}

// startServer wires a real broadcaster and ack route table behind an
// httptest server so sessions exercise the same paths production does. The
// route table knows one alarm, a/x.
func startServer(t *testing.T) *testServer {
	t.Helper()

	events := make(chan alarm.Event, 16)
	meter := metrics.New()
	b := status.NewBroadcaster(events, discardLogger(), status.WithMetrics(meter))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("broadcaster did not stop")
		}
	})

	intake := make(chan string, 4)
	routes := alarm.NewRoutes()
	routes.Register("a/x", intake)

	srv := server.New(b, routes, histStub{}, discardLogger(), server.WithMetrics(meter))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, events: events, bcast: b, intake: intake, meter: meter}
}

// dial opens a websocket connection to the server's /ws endpoint.
func dial(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// handshake performs the version exchange and fails the test on any
// deviation from the expected reply.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeText(t, conn, server.ProtocolVersion)
	if got, want := readText(t, conn), "::protocol_version:: "+server.ProtocolVersion; got != want {
		t.Fatalf("handshake reply = %q, want %q", got, want)
	}
}

func writeText(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("write %q: %v", s, err)
	}
}

// readText returns the next text frame, waiting up to two seconds.
func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("frame type = %d, want text", kind)
	}
	return string(data)
}

// expectNoFrame asserts that nothing arrives within the window.
func expectNoFrame(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame %q", data)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("read error = %v, want timeout", err)
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func evt(name string, st alarm.State, ack alarm.Ack, value int64) alarm.Event {
	return alarm.Event{
		Name:      name,
		Severity:  alarm.SeverityHigh,
		State:     st,
		Ack:       ack,
		Value:     value,
		Timestamp: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func TestHandshake_VersionMatch(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)

	handshake(t, conn)

	waitFor(t, func() bool { return ts.meter.ClientsConnected.Load() == 1 },
		"connected gauge never rose")
}

func TestHandshake_VersionMismatchCloses1002(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)

	writeText(t, conn, "0.9.9")
	// A subscribe racing the close frame must not register either.
	_ = conn.WriteMessage(websocket.TextMessage, []byte("::subscribe::a/x"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read error = %v, want close error", err)
	}
	if ce.Code != websocket.CloseProtocolError {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseProtocolError)
	}
	if ce.Text != "wrong version" {
		t.Errorf("close reason = %q, want %q", ce.Text, "wrong version")
	}

	waitFor(t, func() bool { return ts.meter.HandshakeFailures.Load() == 1 },
		"handshake failure never counted")
	if got := ts.meter.ClientsConnected.Load(); got != 0 {
		t.Errorf("connected gauge = %d, want 0; session must not start", got)
	}
}

func TestHandshake_BinaryFirstFrameRejected(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(server.ProtocolVersion)); err != nil {
		t.Fatalf("write binary frame: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseProtocolError {
		t.Fatalf("read error = %v, want close 1002", err)
	}
}

// ---------------------------------------------------------------------------
// Subscribe and push
// ---------------------------------------------------------------------------

func TestSubscribe_ReceivesPushedEvent(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	writeText(t, conn, "::subscribe::a/x")
	// The ::ga:: round trip confirms the subscribe was processed before the
	// event is injected.
	writeText(t, conn, "::ga::")
	if got := readText(t, conn); got != "" {
		t.Fatalf("initial ::ga:: reply = %q, want empty", got)
	}

	want := evt("a/x", alarm.StateSet, alarm.AckNotAck, 1)
	ts.events <- want

	var got alarm.Event
	if err := json.Unmarshal([]byte(readText(t, conn)), &got); err != nil {
		t.Fatalf("unmarshal pushed frame: %v", err)
	}
	if got.Name != want.Name || got.Severity != want.Severity ||
		got.State != want.State || got.Ack != want.Ack || got.Value != want.Value {
		t.Errorf("pushed event = %+v, want %+v", got, want)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("pushed timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
}

func TestSubscribe_FanOutReachesBothClients(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	c1 := dial(t, ts)
	handshake(t, c1)
	c2 := dial(t, ts)
	handshake(t, c2)

	for _, c := range []*websocket.Conn{c1, c2} {
		writeText(t, c, "::subscribe::a/x")
		writeText(t, c, "::ga::")
		if got := readText(t, c); got != "" {
			t.Fatalf("initial ::ga:: reply = %q, want empty", got)
		}
	}

	ts.events <- evt("a/x", alarm.StateSet, alarm.AckNotAck, 1)

	for i, c := range []*websocket.Conn{c1, c2} {
		var got alarm.Event
		if err := json.Unmarshal([]byte(readText(t, c)), &got); err != nil {
			t.Fatalf("client %d: unmarshal frame: %v", i+1, err)
		}
		if got.Name != "a/x" || got.State != alarm.StateSet {
			t.Errorf("client %d received %+v", i+1, got)
		}
	}

	// Exactly one frame each.
	expectNoFrame(t, c1, 150*time.Millisecond)
	expectNoFrame(t, c2, 150*time.Millisecond)
}

func TestSubscribe_OtherAlarmsNotDelivered(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	writeText(t, conn, "::subscribe::a/x")
	writeText(t, conn, "::ga::")
	if got := readText(t, conn); got != "" {
		t.Fatalf("initial ::ga:: reply = %q, want empty", got)
	}

	ts.events <- evt("b/y", alarm.StateSet, alarm.AckNotAck, 1)

	expectNoFrame(t, conn, 150*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestAck_RoutedToIntake(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	writeText(t, conn, "::ack::a/x")

	select {
	case name := <-ts.intake:
		if name != "a/x" {
			t.Errorf("intake received %q, want %q", name, "a/x")
		}
	case <-time.After(time.Second):
		t.Fatal("ack never reached the intake")
	}
}

func TestAck_UnknownAlarmReplies(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	writeText(t, conn, "::ack::b/nope")

	if got, want := readText(t, conn), "Couldn't find b/nope to ack"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestGetAll_ReturnsSubscribedProjectionInOrder(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	// a/z never projects; it must simply be skipped.
	for _, name := range []string{"b/y", "a/x", "a/z"} {
		writeText(t, conn, "::subscribe::"+name)
	}
	writeText(t, conn, "::ga::")
	if got := readText(t, conn); got != "" {
		t.Fatalf("initial ::ga:: reply = %q, want empty", got)
	}

	ts.events <- evt("a/x", alarm.StateSet, alarm.AckNotAck, 1)
	ts.events <- evt("b/y", alarm.StateSet, alarm.AckNotAck, 2)
	waitFor(t, func() bool { return len(ts.bcast.All()) == 2 },
		"projection never filled")

	// Drain the two pushed frames before asking for the snapshot.
	readText(t, conn)
	readText(t, conn)

	writeText(t, conn, "::ga::")
	reply := readText(t, conn)

	lines := strings.Split(strings.TrimSuffix(reply, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("::ga:: reply has %d lines, want 2: %q", len(lines), reply)
	}
	var first, second alarm.Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal line 0: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal line 1: %v", err)
	}
	// Subscription order, not projection or name order.
	if first.Name != "b/y" || second.Name != "a/x" {
		t.Errorf("::ga:: order = %s, %s; want b/y, a/x", first.Name, second.Name)
	}
}

func TestKeepAliveAndUnknown_NoReply(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	writeText(t, conn, "::ka::")
	writeText(t, conn, "hello there")
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary frame: %v", err)
	}

	// The session must still be alive and silent: the next ::ga:: is the
	// first reply.
	writeText(t, conn, "::ga::")
	if got := readText(t, conn); got != "" {
		t.Errorf("reply = %q, want empty ::ga:: frame", got)
	}
}

func TestSubscribe_DuplicateDeliversOnce(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	writeText(t, conn, "::subscribe::a/x")
	writeText(t, conn, "::subscribe::a/x")
	writeText(t, conn, "::ga::")
	if got := readText(t, conn); got != "" {
		t.Fatalf("initial ::ga:: reply = %q, want empty", got)
	}

	ts.events <- evt("a/x", alarm.StateSet, alarm.AckNotAck, 1)

	readText(t, conn)
	expectNoFrame(t, conn, 150*time.Millisecond)
}

func TestGetAll_DuplicateSubscribeListsOnce(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	// Fill the projection before subscribing so no push frame competes with
	// the ::ga:: reply.
	ts.events <- evt("a/x", alarm.StateSet, alarm.AckNotAck, 1)
	waitFor(t, func() bool { return len(ts.bcast.All()) == 1 },
		"projection never filled")

	writeText(t, conn, "::subscribe::a/x")
	writeText(t, conn, "::subscribe::a/x")
	writeText(t, conn, "::ga::")

	reply := readText(t, conn)
	lines := strings.Split(strings.TrimSuffix(reply, "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("::ga:: reply has %d lines, want 1: %q", len(lines), reply)
	}
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

func TestDisconnect_DropsSubscriptionsAndGauge(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	writeText(t, conn, "::subscribe::a/x")
	writeText(t, conn, "::ga::")
	readText(t, conn)

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()

	waitFor(t, func() bool { return ts.meter.ClientsConnected.Load() == 0 },
		"connected gauge never fell")

	// With the dead client unsubscribed, fan-out has no one to drop frames
	// for.
	ts.events <- evt("a/x", alarm.StateSet, alarm.AckNotAck, 1)
	waitFor(t, func() bool { return ts.meter.EventsBroadcast.Load() == 1 },
		"event never broadcast")
	if got := ts.meter.EventsDropped.Load(); got != 0 {
		t.Errorf("dropped counter = %d, want 0", got)
	}
}
