package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTerminal(t *testing.T) {
	terminal := []State{Filled, Rejected, Aborted, Expired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	nonTerminal := []State{Pending, Prepared, Confirmed, PartiallyFilled}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestCanTransitionAllowsDeclaredEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Pending, Prepared, true},
		{Pending, Rejected, true},
		{Pending, Confirmed, false},
		{Prepared, Confirmed, true},
		{Prepared, Aborted, true},
		{Prepared, Expired, true},
		{Confirmed, Filled, true},
		{Confirmed, PartiallyFilled, true},
		{PartiallyFilled, Filled, true},
		{PartiallyFilled, Rejected, true},
		{PartiallyFilled, Expired, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestCanTransitionRejectsFromTerminal(t *testing.T) {
	for _, s := range []State{Filled, Rejected, Aborted, Expired} {
		assert.False(t, CanTransition(s, Prepared), "%s is terminal, no outgoing edges", s)
	}
}

func TestCanTransitionUnknownStateHasNoEdges(t *testing.T) {
	assert.False(t, CanTransition(State("Bogus"), Prepared))
}
