package codec

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/replay"
)

var testSecret = []byte("a-secret-that-is-at-least-32-bytes-long")

func TestNewFrameRoundTripsThroughVerify(t *testing.T) {
	c := New(testSecret, time.Second, replay.NewMemoryStore())
	f, err := c.NewFrame("corr-1", "producer", map[string]string{"type": "ping"})
	require.NoError(t, err)

	err = c.Verify(f, time.Minute, time.Now())
	assert.NoError(t, err)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	c := New(testSecret, time.Second, replay.NewMemoryStore())
	f, err := c.NewFrame("corr-2", "producer", map[string]string{"type": "ping"})
	require.NoError(t, err)

	f.Payload = []byte(`{"type":"tampered"}`)

	err = c.Verify(f, time.Minute, time.Now())
	require.Error(t, err)
	assert.Equal(t, errs.KindSignatureMismatch, errs.KindOf(err))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	c := New(testSecret, 5*time.Second, replay.NewMemoryStore())
	f, err := c.NewFrame("corr-3", "producer", map[string]string{"type": "ping"})
	require.NoError(t, err)

	err = c.Verify(f, time.Minute, time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, errs.KindStale, errs.KindOf(err))
}

func TestVerifyRejectsReplayedCorrelationID(t *testing.T) {
	c := New(testSecret, time.Second, replay.NewMemoryStore())
	f, err := c.NewFrame("corr-4", "producer", map[string]string{"type": "ping"})
	require.NoError(t, err)

	require.NoError(t, c.Verify(f, time.Minute, time.Now()))

	f2, err := c.NewFrame("corr-4", "producer", map[string]string{"type": "ping"})
	require.NoError(t, err)
	err = c.Verify(f2, time.Minute, time.Now())
	require.Error(t, err)
	assert.Equal(t, errs.KindReplayDetected, errs.KindOf(err))
}

func TestWriteFrameThenReadFrame(t *testing.T) {
	c := New(testSecret, time.Second, replay.NewMemoryStore())
	f, err := c.NewFrame("corr-5", "producer", map[string]string{"type": "ping"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, f.CorrelationID, got.CorrelationID)
	assert.Equal(t, f.Signature, got.Signature)
}

func TestCanonicalPayloadBytesIsKeyOrderIndependent(t *testing.T) {
	a, err := CanonicalPayloadBytes([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := CanonicalPayloadBytes([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPayloadTypeOfExtractsTag(t *testing.T) {
	f := &Frame{Payload: []byte(`{"type":"intent.prepare"}`)}
	typ, err := PayloadTypeOf(f)
	require.NoError(t, err)
	assert.Equal(t, TypeIntentPrepare, typ)
}
