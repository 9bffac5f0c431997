package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/spine"
)

func newHandshakeSpine(t *testing.T) *spine.Spine {
	t.Helper()
	sp := spine.New("")
	require.NoError(t, sp.Declare(spine.StreamSpec{Name: "req", Subjects: []string{"titan.req."}, Replicas: 1}))
	return sp
}

func TestHandshakeSucceedsWithEmptyRemoteHash(t *testing.T) {
	sp := newHandshakeSpine(t)
	err := Handshake(sp, "hash-a", "")
	assert.NoError(t, err)
}

func TestHandshakeSucceedsWhenHashesMatch(t *testing.T) {
	sp := newHandshakeSpine(t)
	err := Handshake(sp, "hash-a", "hash-a")
	assert.NoError(t, err)
}

func TestHandshakeFailsOnMismatch(t *testing.T) {
	sp := newHandshakeSpine(t)
	err := Handshake(sp, "hash-a", "hash-b")
	require.Error(t, err)
	assert.Equal(t, errs.KindPolicyMismatch, errs.KindOf(err))
}

func TestExitCodeForMapsKinds(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCodeFor(nil))
	assert.Equal(t, ExitPolicyMismatch, ExitCodeFor(errs.New(errs.KindPolicyMismatch, "x")))
	assert.Equal(t, ExitDisarmed, ExitCodeFor(errs.New(errs.KindSystemDisarmed, "x")))
	assert.Equal(t, ExitUnauthorized, ExitCodeFor(errs.New(errs.KindSignatureMismatch, "x")))
	assert.Equal(t, ExitReplayDetected, ExitCodeFor(errs.New(errs.KindReplayDetected, "x")))
	assert.Equal(t, ExitUnauthorized, ExitCodeFor(errs.New(errs.KindMalformedIntent, "x")))
}
