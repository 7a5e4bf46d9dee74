package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsgrid/alarmd/internal/status"
)

// ProtocolVersion is the alarm status protocol version this server speaks.
// Clients present theirs as the first text frame after the websocket
// upgrade; anything but a byte-for-byte match is refused.
const ProtocolVersion = "1.0.0"

// Commands a client may send as text frames. Prefix commands carry the alarm
// name directly after the prefix.
const (
	cmdKeepAlive = "::ka::"
	cmdGetAll    = "::ga::"
	cmdSubscribe = "::subscribe::"
	cmdAck       = "::ack::"
)

const (
	// handshakeTimeout bounds the wait for the client's version frame. After
	// the handshake reads block indefinitely: keep-alives are client
	// initiated and the server enforces no heartbeat.
	handshakeTimeout = 10 * time.Second
	// writeTimeout applies to every frame written to a client.
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers are machine clients, not browsers; origin carries no
	// authority here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS responds to GET /ws.
//
// Upgrades the connection and serves the alarm status protocol on it until
// the client disconnects. The handler goroutine is the session goroutine.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err),
		)
		return
	}
	s.serveSession(r.Context(), conn)
}

// serveSession runs the protocol handshake and then the session loop,
// cleaning up the client's subscriptions when the loop ends. No subscription
// state exists until the handshake has passed.
func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	addr := conn.RemoteAddr().String()
	if !s.handshake(conn, addr) {
		s.meter.HandshakeFailures.Add(1)
		return
	}

	client := status.NewClient(addr, status.DefaultClientBuffer)
	s.meter.ClientsConnected.Add(1)
	s.logger.Info("client connected", slog.String("client", addr))

	sess := &session{
		ctx:    ctx,
		conn:   conn,
		client: client,
		subs:   s.subs,
		acks:   s.acks,
		logger: s.logger,
	}
	sess.run()

	s.subs.Drop(client)
	s.meter.ClientsConnected.Add(-1)
	s.logger.Info("client disconnected", slog.String("client", addr))
}

// handshake reads the client's version frame and answers it. A missing,
// non-text or mismatched frame fails the handshake: the server sends a close
// frame with status 1002 and reason "wrong version" and reports false.
func (s *Server) handshake(conn *websocket.Conn, addr string) bool {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("no version frame from client",
			slog.String("client", addr),
			slog.Any("error", err),
		)
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	if kind != websocket.TextMessage || string(data) != ProtocolVersion {
		s.logger.Warn("protocol version mismatch",
			slog.String("client", addr),
			slog.String("expected", ProtocolVersion),
			slog.String("received", string(data)),
		)
		msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "wrong version")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		return false
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("::protocol_version:: "+ProtocolVersion)); err != nil {
		s.logger.Warn("version reply failed",
			slog.String("client", addr),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// session is one established client connection. The run loop is the only
// writer on the connection; the read goroutine only feeds it.
type session struct {
	ctx    context.Context
	conn   *websocket.Conn
	client *status.Client
	subs   Subscriptions
	acks   AckRouter
	logger *slog.Logger

	// names records this session's subscriptions in the order they were
	// made, so ::ga:: replies preserve subscription order.
	names []string
}

// run multiplexes inbound command frames and outbound event pushes until the
// client goes away or a write fails.
func (s *session) run() {
	quit := make(chan struct{})
	defer close(quit)

	inbound := make(chan string)
	go s.readFrames(inbound, quit)

	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				// Close frame or transport error.
				return
			}
			if err := s.handleFrame(frame); err != nil {
				s.logger.Warn("write to client failed",
					slog.String("client", s.client.Addr()),
					slog.Any("error", err),
				)
				return
			}
		case body, ok := <-s.client.Send():
			if !ok {
				return
			}
			if err := s.writeText(body); err != nil {
				s.logger.Warn("write to client failed",
					slog.String("client", s.client.Addr()),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}

// readFrames delivers text frames to the run loop. Binary frames are
// ignored; control frames are handled inside ReadMessage, which returns an
// error once a close frame arrives or the transport breaks.
func (s *session) readFrames(inbound chan<- string, quit <-chan struct{}) {
	defer close(inbound)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		select {
		case inbound <- string(data):
		case <-quit:
			return
		}
	}
}

// handleFrame dispatches one command frame. The returned error is a write
// failure on this connection; command handling itself never errors.
func (s *session) handleFrame(frame string) error {
	switch {
	case frame == cmdKeepAlive:
		return nil

	case frame == cmdGetAll:
		return s.sendSubscribed()

	case strings.HasPrefix(frame, cmdSubscribe):
		name := strings.TrimPrefix(frame, cmdSubscribe)
		if s.subs.Subscribe(name, s.client) {
			s.names = append(s.names, name)
		}
		return nil

	case strings.HasPrefix(frame, cmdAck):
		name := strings.TrimPrefix(frame, cmdAck)
		if s.acks.Ack(s.ctx, name) {
			return nil
		}
		return s.writeText([]byte("Couldn't find " + name + " to ack"))

	default:
		s.logger.Warn("unknown command from client",
			slog.String("client", s.client.Addr()),
			slog.String("frame", frame),
		)
		return nil
	}
}

// sendSubscribed answers ::ga:: with one text frame holding the JSON of
// every projected event this session is subscribed to, one per line. With
// nothing projected the frame is empty.
func (s *session) sendSubscribed() error {
	var buf bytes.Buffer
	for _, e := range s.subs.Snapshot(s.names) {
		b, err := json.Marshal(e)
		if err != nil {
			s.logger.Error("marshalling event failed",
				slog.String("alarm", e.Name),
				slog.Any("error", err),
			)
			continue
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return s.writeText(buf.Bytes())
}

func (s *session) writeText(p []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, p)
}
