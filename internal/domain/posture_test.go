package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostureStringMapping(t *testing.T) {
	assert.Equal(t, "NORMAL", Normal.String())
	assert.Equal(t, "DEFENSIVE", Defensive.String())
	assert.Equal(t, "HALTED", Halted.String())
	assert.Equal(t, "UNKNOWN", Posture(99).String())
}

func TestSpreadBpsComputesRelativeToMidpoint(t *testing.T) {
	l := L2Snapshot{BestBid: 99, BestAsk: 101}
	assert.InDelta(t, 200.0, l.SpreadBps(), 0.001)
}

func TestSpreadBpsZeroWithoutBook(t *testing.T) {
	assert.Equal(t, 0.0, L2Snapshot{}.SpreadBps())
	assert.Equal(t, 0.0, L2Snapshot{BestBid: 100}.SpreadBps())
}

func TestHasBookRequiresBothSides(t *testing.T) {
	assert.False(t, L2Snapshot{}.HasBook())
	assert.False(t, L2Snapshot{BestBid: 100}.HasBook())
	assert.True(t, L2Snapshot{BestBid: 100, BestAsk: 101}.HasBook())
}
