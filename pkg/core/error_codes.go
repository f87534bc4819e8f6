package core

// Code is a numeric error or info code sent by the exchange in event frames.
type Code int

// Info codes carried by {event:'info'} frames.
const (
	// InfoServerRestart asks clients to reconnect.
	InfoServerRestart Code = 20051
	// InfoMaintenanceStart asks clients to pause activity.
	InfoMaintenanceStart Code = 20060
	// InfoMaintenanceEnd signals activity may resume; resubscribing is advised.
	InfoMaintenanceEnd Code = 20061
)

// Error codes carried by {event:'error'} frames.
const (
	ErrCodeUnknownEvent        Code = 10000
	ErrCodeUnknownPair         Code = 10001
	ErrCodeAuthFailed          Code = 10100
	ErrCodeSubscribeFailed     Code = 10300
	ErrCodeAlreadySubscribed   Code = 10301
	ErrCodeUnknownChannel      Code = 10302
	ErrCodeChannelLimitReached Code = 10305
	ErrCodeUnsubscribeFailed   Code = 10400
	ErrCodeNotSubscribed       Code = 10401
)

// ProtocolVersion is the only wire protocol version this client speaks.
const ProtocolVersion = 2

// ErrorTypeForCode maps an {event:'error'} code onto the error taxonomy.
func ErrorTypeForCode(code Code) ErrorType {
	switch {
	case code == ErrCodeAuthFailed:
		return ErrorTypeAuth
	case code >= ErrCodeSubscribeFailed && code <= ErrCodeNotSubscribed:
		return ErrorTypeSubscription
	default:
		return ErrorTypeProtocol
	}
}

// String returns a short description of well-known codes.
func (c Code) String() string {
	switch c {
	case InfoServerRestart:
		return "server restart"
	case InfoMaintenanceStart:
		return "maintenance start"
	case InfoMaintenanceEnd:
		return "maintenance end"
	case ErrCodeUnknownEvent:
		return "unknown event"
	case ErrCodeUnknownPair:
		return "unknown pair"
	case ErrCodeAuthFailed:
		return "auth failed"
	case ErrCodeSubscribeFailed:
		return "subscribe failed"
	case ErrCodeAlreadySubscribed:
		return "already subscribed"
	case ErrCodeUnknownChannel:
		return "unknown channel"
	case ErrCodeChannelLimitReached:
		return "channel limit reached"
	case ErrCodeUnsubscribeFailed:
		return "unsubscribe failed"
	case ErrCodeNotSubscribed:
		return "not subscribed"
	}
	return "unknown code"
}
