package status

import "sync"

// DefaultClientBuffer is the per-client send channel depth. Five frames of
// headroom absorbs a burst of state flips without letting one stalled
// websocket hold alarm frames for everyone else.
const DefaultClientBuffer = 5

// Client is the broadcaster-side handle for one connected websocket session.
// The session goroutine drains Send; the broadcaster delivers frames with
// TrySend. Create one with NewClient and release it with Broadcaster.Drop.
//
// Identity is the remote socket address: two handles with the same address
// are the same subscriber as far as the subscription table is concerned.
type Client struct {
	addr string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient allocates a client handle. addr is the remote address the
// connection came from; it identifies the client everywhere. buffer <= 0
// selects DefaultClientBuffer.
func NewClient(addr string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	return &Client{
		addr: addr,
		send: make(chan []byte, buffer),
	}
}

// Addr returns the remote address the client connected from.
func (c *Client) Addr() string { return c.addr }

// Send returns the receive-only channel on which JSON-encoded alarm frames
// are delivered. The channel is closed when the client is closed.
func (c *Client) Send() <-chan []byte { return c.send }

// TrySend performs a non-blocking delivery of p. It returns false when the
// buffer is full or the client has been closed; it never blocks and never
// panics on a closed client.
func (c *Client) TrySend(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- p:
		return true
	default:
		return false
	}
}

// Close closes the send channel so the session's write loop exits cleanly.
// Close is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
