// Package transport implements the Signal Fast-Path Transport (spec
// §4.B): a local UNIX domain socket, duplex, framed/authenticated,
// request-response channel between producer phases and the core.
// Grounded on the teacher's EventBus connection lifecycle
// (internal/providers/kraken/websocket.go's isConnected flag,
// generalized here into the Disconnected/Connecting/Connected/Closing
// state set) and internal/net/ratelimit/limiter.go's token-bucket
// shape for backpressure accounting.
package transport

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundryfi/titan-core/internal/codec"
	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/lifecycle"
	"github.com/foundryfi/titan-core/internal/operator"
)

// ConnState is the connection lifecycle spec §4.B/§9 names.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Closing
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// RequestHandler processes one decoded request frame and returns the
// reply payload to sign and send back under the same correlation_id.
type RequestHandler func(ctx context.Context, payloadType codec.PayloadType, raw []byte) (any, codec.PayloadType, error)

// Server is the cooperative, single-threaded socket server the
// lifecycle engine and operator surface sit behind (spec §5: "the
// reactor owns the socket").
type Server struct {
	socketPath string
	codec      *codec.Codec
	replayWindow time.Duration
	highWaterMark int

	mu       sync.Mutex
	state    ConnState
	listener net.Listener
	inflight int

	router RequestHandler
	log    zerolog.Logger
}

type Option func(*Server)

func WithHighWaterMark(n int) Option { return func(s *Server) { s.highWaterMark = n } }
func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

func New(socketPath string, c *codec.Codec, replayWindow time.Duration, router RequestHandler, opts ...Option) *Server {
	s := &Server{
		socketPath:    socketPath,
		codec:         c,
		replayWindow:  replayWindow,
		highWaterMark: 1024,
		router:        router,
		state:         Disconnected,
		log:           zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve binds the UNIX socket and accepts connections until ctx is
// canceled. One goroutine per connection; each connection is read
// cooperatively, frame by frame (spec §5: "single-threaded cooperative").
func (s *Server) Serve(ctx context.Context) error {
	s.setState(Connecting)
	_ = os.Remove(s.socketPath)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		s.setState(Disconnected)
		return errs.Wrap(errs.KindNotConnected, "binding fast-path socket", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.setState(Connected)

	go func() {
		<-ctx.Done()
		s.setState(Closing)
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Wrap(errs.KindNotConnected, "accepting fast-path connection", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the server's current connection-lifecycle state.
func (s *Server) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		f, err := codec.ReadFrame(reader)
		if err != nil {
			return
		}

		if !s.admitBackpressure() {
			errFrame, _ := s.codec.NewFrame(f.CorrelationID, "titan-core", map[string]string{"reason": string(errs.KindBackpressure)})
			codec.WriteFrame(conn, errFrame)
			continue
		}

		s.processFrame(ctx, conn, f)
		s.releaseBackpressure()
	}
}

func (s *Server) admitBackpressure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight >= s.highWaterMark {
		return false
	}
	s.inflight++
	return true
}

func (s *Server) releaseBackpressure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
}

func (s *Server) processFrame(ctx context.Context, conn net.Conn, f *codec.Frame) {
	if err := s.codec.Verify(f, s.replayWindow, time.Now()); err != nil {
		reply, _ := s.codec.NewFrame(f.CorrelationID, "titan-core", map[string]string{"type": string(codec.TypeError), "reason": string(errs.KindOf(err))})
		codec.WriteFrame(conn, reply)
		return
	}

	payloadType, err := codec.PayloadTypeOf(f)
	if err != nil {
		reply, _ := s.codec.NewFrame(f.CorrelationID, "titan-core", map[string]string{"type": string(codec.TypeError), "reason": string(errs.KindInvalidFrame)})
		codec.WriteFrame(conn, reply)
		return
	}

	if payloadType == codec.TypePing {
		reply, _ := s.codec.NewFrame(f.CorrelationID, "titan-core", map[string]string{"type": string(codec.TypePong)})
		codec.WriteFrame(conn, reply)
		return
	}

	respPayload, respType, err := s.router(ctx, payloadType, f.Payload)
	if err != nil {
		reply, _ := s.codec.NewFrame(f.CorrelationID, "titan-core", map[string]any{"type": codec.TypeError, "reason": errs.KindOf(err)})
		codec.WriteFrame(conn, reply)
		return
	}
	reply, err := s.codec.NewFrame(f.CorrelationID, "titan-core", respPayload)
	if err != nil {
		return
	}
	_ = respType
	codec.WriteFrame(conn, reply)
}

// Router builds the dispatch table between wire payload types and the
// lifecycle engine / operator handler (spec §6: intent.prepare/confirm/
// abort/operator.cmd).
func Router(engine *lifecycle.Engine, opHandler *operator.Handler, opVerifier *operator.Verifier) RequestHandler {
	return func(ctx context.Context, payloadType codec.PayloadType, raw []byte) (any, codec.PayloadType, error) {
		switch payloadType {
		case codec.TypeIntentPrepare:
			intent, err := decodeIntentPrepare(raw)
			if err != nil {
				return nil, codec.TypeError, err
			}
			res := engine.Prepare(intent)
			if !res.Prepared {
				return map[string]any{"type": codec.TypeRejected, "reason": res.Reason}, codec.TypeRejected, nil
			}
			return map[string]any{"type": codec.TypePrepared, "intent_id": res.IntentID, "size": res.PositionSize}, codec.TypePrepared, nil

		case codec.TypeIntentConfirm:
			intentID, err := decodeIntentID(raw)
			if err != nil {
				return nil, codec.TypeError, err
			}
			res := engine.Confirm(ctx, intentID)
			if !res.Executed {
				return map[string]any{"type": codec.TypeRejected, "reason": res.Reason}, codec.TypeRejected, nil
			}
			return map[string]any{"type": codec.TypeExecuted, "price": res.Price}, codec.TypeExecuted, nil

		case codec.TypeIntentAbort:
			intentID, err := decodeIntentID(raw)
			if err != nil {
				return nil, codec.TypeError, err
			}
			if err := engine.Abort(intentID); err != nil {
				return nil, codec.TypeError, err
			}
			return map[string]any{"type": codec.TypeAborted}, codec.TypeAborted, nil

		case codec.TypeOperatorCmd:
			cmd, err := decodeOperatorCmd(raw)
			if err != nil {
				return nil, codec.TypeError, err
			}
			if err := opVerifier.Verify(cmd, time.Now()); err != nil {
				return nil, codec.TypeError, err
			}
			if err := opHandler.Apply(ctx, cmd); err != nil {
				return nil, codec.TypeError, err
			}
			return map[string]any{"type": codec.TypeExecuted}, codec.TypeExecuted, nil

		default:
			return nil, codec.TypeError, errs.New(errs.KindInvalidFrame, "unrecognized payload.type "+string(payloadType))
		}
	}
}
