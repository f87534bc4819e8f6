package ws

import "sync/atomic"

// ConnState represents the lifecycle state of a streaming connection.
type ConnState int32

// Connection states. Closing leads back to Closed from any open state.
const (
	// StateClosed indicates no socket is held.
	StateClosed ConnState = iota
	// StateOpening indicates a dial is in progress.
	StateOpening
	// StateOpen indicates the socket is open and unauthenticated.
	StateOpen
	// StateAuthenticating indicates an auth request awaits its response.
	StateAuthenticating
	// StateAuthenticated indicates the socket carries the authenticated channel.
	StateAuthenticated
	// StateClosing indicates an intentional close is in progress.
	StateClosing
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	return [...]string{
		"closed",
		"opening",
		"open",
		"authenticating",
		"authenticated",
		"closing",
	}[s]
}

// IsOpen reports whether a socket is held and usable for sends.
func (s ConnState) IsOpen() bool {
	return s == StateOpen || s == StateAuthenticating || s == StateAuthenticated
}

// State provides thread-safe atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

// Load returns the current connection state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Store sets the connection state to the given value.
func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}

// CompareAndSwap atomically compares the current state with old and swaps to new if equal.
// It returns true if the swap was performed.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}
