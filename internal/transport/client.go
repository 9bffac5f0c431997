package transport

import (
	"bufio"
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foundryfi/titan-core/internal/codec"
	"github.com/foundryfi/titan-core/internal/errs"
)

// pendingCall is one in-flight request awaiting its correlation_id reply.
type pendingCall struct {
	replyCh chan *codec.Frame
}

// Client is the producer-side half of the fast-path transport: it
// dials the UNIX socket with exponential backoff (Connect) and
// maintains a correlation table of in-flight requests (spec §4.B, §5).
// When an established connection drops, the client fails its pending
// calls and moves to Disconnected; it does not reconnect on its own,
// and there is no attempt limit beyond Connect's ctx.
type Client struct {
	socketPath string
	codec      *codec.Codec
	maxBackoff time.Duration

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	pending map[string]pendingCall
	state   ConnState

	log zerolog.Logger
}

func NewClient(socketPath string, c *codec.Codec, log zerolog.Logger) *Client {
	return &Client{
		socketPath: socketPath,
		codec:      c,
		maxBackoff: 30 * time.Second,
		pending:    make(map[string]pendingCall),
		state:      Disconnected,
		log:        log,
	}
}

// Connect dials the socket with exponential backoff+jitter until
// success or ctx cancellation (spec §4.B: "exponential-backoff
// reconnect").
func (c *Client) Connect(ctx context.Context) error {
	c.setState(Connecting)
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", c.socketPath)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.writer = bufio.NewWriter(conn)
			c.mu.Unlock()
			c.setState(Connected)
			go c.readLoop(conn)
			return nil
		}
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return ctx.Err()
		case <-time.After(backoff + jitter(backoff)):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(d) / 2))
}

func (c *Client) setState(st ConnState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		f, err := codec.ReadFrame(reader)
		if err != nil {
			c.setState(Disconnected)
			c.failAllPending(errs.New(errs.KindNotConnected, "fast-path connection closed"))
			return
		}
		c.mu.Lock()
		call, ok := c.pending[f.CorrelationID]
		if ok {
			delete(c.pending, f.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			call.replyCh <- f
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, call := range c.pending {
		close(call.replyCh)
		delete(c.pending, id)
	}
	_ = err
}

// Call sends payload and blocks for the matching correlation_id reply
// or ctx cancellation (spec §5: "waits for correlation_id replies").
func (c *Client) Call(ctx context.Context, payload any) (*codec.Frame, error) {
	correlationID := uuid.NewString()
	frame, err := c.codec.NewFrame(correlationID, "producer", payload)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *codec.Frame, 1)
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil, errs.New(errs.KindNotConnected, "fast-path client not connected")
	}
	c.pending[correlationID] = pendingCall{replyCh: replyCh}
	w := c.writer
	c.mu.Unlock()

	if err := codec.WriteFrame(w, frame); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, errs.New(errs.KindNotConnected, "connection closed while awaiting reply")
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(Closing)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
