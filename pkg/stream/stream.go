// Package stream implements one streaming connection: socket lifecycle,
// reconnection with resubscription, frame decoding, sequence auditing,
// subscription tracking, listener dispatch, managed order books and candles,
// and correlated order operations.
package stream

import (
	"github.com/rs/zerolog"

	"bfxstream/internal/signer"
	"bfxstream/internal/ws"
)

type ConnState = ws.ConnState

const (
	StateClosed         = ws.StateClosed
	StateOpening        = ws.StateOpening
	StateOpen           = ws.StateOpen
	StateAuthenticating = ws.StateAuthenticating
	StateAuthenticated  = ws.StateAuthenticated
	StateClosing        = ws.StateClosing
)

// Option customizes a Connection.
type Option func(*options)

type options struct {
	dialer ws.Dialer
	apiKey string
	signer *signer.Signer
	logger zerolog.Logger
	id     int
}

// WithDialer replaces the gws dialer, e.g. with an in-process fake.
func WithDialer(d ws.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithSigner authenticates with apiKey using a shared signer, so that several
// connections using one key draw nonces from a single sequence.
func WithSigner(apiKey string, s *signer.Signer) Option {
	return func(o *options) {
		o.apiKey = apiKey
		o.signer = s
	}
}

// WithLogger sets the connection logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithID tags the connection in logs and manager callbacks.
func WithID(id int) Option {
	return func(o *options) {
		o.id = id
	}
}
