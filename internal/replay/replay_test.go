package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSeenRecentlyFalseForUnknownKey(t *testing.T) {
	s := NewMemoryStore()
	seen, err := s.SeenRecently("unknown", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryStoreRememberThenSeenRecently(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Remember("corr-1", time.Minute))

	seen, err := s.SeenRecently("corr-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryStoreEvictsOutsideWindow(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Remember("corr-1", 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	seen, err := s.SeenRecently("corr-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, seen, "entry older than the window must be evicted")
}
