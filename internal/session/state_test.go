package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDisconnected, StateInitializing, true},
		{StateDisconnected, StateConnected, false},
		{StateInitializing, StateAwaitingPairing, true},
		{StateInitializing, StateConnected, true},
		{StateInitializing, StateDisconnected, true},
		{StateAwaitingPairing, StateAwaitingPairing, true},
		{StateAwaitingPairing, StateConnected, true},
		{StateAwaitingPairing, StateInitializing, false},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateAwaitingPairing, false},
		{StateConnected, StateInitializing, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			err := checkTransition(tt.from, tt.to)
			assert.Equal(t, !tt.want, errors.Is(err, ErrIllegalTransition))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-pairing", StateAwaitingPairing.String())
	assert.Equal(t, "state(9)", State(9).String())

	text, err := StateConnected.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "connected", string(text))
}
