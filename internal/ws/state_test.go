package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnState_String(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpening, "opening"},
		{StateOpen, "open"},
		{StateAuthenticating, "authenticating"},
		{StateAuthenticated, "authenticated"},
		{StateClosing, "closing"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestConnState_IsOpen(t *testing.T) {
	assert.False(t, StateClosed.IsOpen())
	assert.False(t, StateOpening.IsOpen())
	assert.True(t, StateOpen.IsOpen())
	assert.True(t, StateAuthenticating.IsOpen())
	assert.True(t, StateAuthenticated.IsOpen())
	assert.False(t, StateClosing.IsOpen())
}

func TestState_CompareAndSwap(t *testing.T) {
	var s State
	assert.Equal(t, StateClosed, s.Load())

	assert.True(t, s.CompareAndSwap(StateClosed, StateOpening))
	assert.False(t, s.CompareAndSwap(StateClosed, StateOpening))
	assert.Equal(t, StateOpening, s.Load())

	s.Store(StateAuthenticated)
	assert.Equal(t, StateAuthenticated, s.Load())
}
