package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNonceStoreAdmitsIncreasingNonces(t *testing.T) {
	s := NewMemoryNonceStore()
	require.NoError(t, s.Admit("op-1", 1))
	require.NoError(t, s.Admit("op-1", 2))
	assert.Error(t, s.Admit("op-1", 2), "equal nonce must be rejected")
	assert.Error(t, s.Admit("op-1", 1), "lower nonce must be rejected")
}

func TestMemoryNonceStoreTracksInitiatorsIndependently(t *testing.T) {
	s := NewMemoryNonceStore()
	require.NoError(t, s.Admit("op-a", 5))
	assert.NoError(t, s.Admit("op-b", 1))
}
