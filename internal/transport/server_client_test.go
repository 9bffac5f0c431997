package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryfi/titan-core/internal/codec"
	"github.com/foundryfi/titan-core/internal/replay"
)

func testCodec() *codec.Codec {
	return codec.New([]byte("a-secret-that-is-at-least-32-bytes-long"), 5*time.Second, replay.NewMemoryStore())
}

func waitForState(t *testing.T, f func() ConnState, want ConnState) {
	t.Helper()
	assert.Eventually(t, func() bool { return f() == want }, time.Second, 5*time.Millisecond)
}

func TestServeAndConnectRoundTripsPing(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "titan.sock")
	router := func(ctx context.Context, typ codec.PayloadType, raw []byte) (any, codec.PayloadType, error) {
		t.Fatalf("router should not be invoked for ping frames, got %s", typ)
		return nil, codec.TypeError, nil
	}
	srv := New(sockPath, testCodec(), time.Minute, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	waitForState(t, srv.State, Connected)

	cl := NewClient(sockPath, testCodec(), zerolog.Nop())
	require.NoError(t, cl.Connect(context.Background()))
	defer cl.Close()

	reply, err := cl.Call(context.Background(), map[string]string{"type": string(codec.TypePing)})
	require.NoError(t, err)
	typ, err := codec.PayloadTypeOf(reply)
	require.NoError(t, err)
	assert.Equal(t, codec.TypePong, typ)
}

func TestServeRoutesNonPingFramesThroughRouter(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "titan.sock")
	called := make(chan codec.PayloadType, 1)
	router := func(ctx context.Context, typ codec.PayloadType, raw []byte) (any, codec.PayloadType, error) {
		called <- typ
		return map[string]any{"type": codec.TypeExecuted}, codec.TypeExecuted, nil
	}
	srv := New(sockPath, testCodec(), time.Minute, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	waitForState(t, srv.State, Connected)

	cl := NewClient(sockPath, testCodec(), zerolog.Nop())
	require.NoError(t, cl.Connect(context.Background()))
	defer cl.Close()

	reply, err := cl.Call(context.Background(), map[string]string{"type": "intent.abort", "intent_id": "i-1"})
	require.NoError(t, err)

	select {
	case typ := <-called:
		assert.Equal(t, codec.PayloadType("intent.abort"), typ)
	case <-time.After(time.Second):
		t.Fatal("router was never invoked")
	}

	typ, err := codec.PayloadTypeOf(reply)
	require.NoError(t, err)
	assert.Equal(t, codec.TypeExecuted, typ)
}

func TestAdmitBackpressureRejectsAboveHighWaterMark(t *testing.T) {
	srv := New("/tmp/unused.sock", testCodec(), time.Minute, nil, WithHighWaterMark(1))
	assert.True(t, srv.admitBackpressure())
	assert.False(t, srv.admitBackpressure())
	srv.releaseBackpressure()
	assert.True(t, srv.admitBackpressure())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Unknown", ConnState(99).String())
}
