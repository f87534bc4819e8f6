package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		want      string
	}{
		{ErrorTypeUnknown, "UNKNOWN"},
		{ErrorTypeConnection, "CONNECTION"},
		{ErrorTypeProtocol, "PROTOCOL"},
		{ErrorTypeAuth, "AUTH"},
		{ErrorTypeSequence, "SEQUENCE"},
		{ErrorTypeChecksum, "CHECKSUM"},
		{ErrorTypeSubscription, "SUBSCRIPTION"},
		{ErrorTypeOrder, "ORDER"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.errorType.String())
		})
	}
}

func TestErrorType_Recoverable(t *testing.T) {
	assert.True(t, ErrorTypeSequence.Recoverable())
	assert.True(t, ErrorTypeChecksum.Recoverable())
	assert.True(t, ErrorTypeOrder.Recoverable())
	assert.False(t, ErrorTypeConnection.Recoverable())
	assert.False(t, ErrorTypeAuth.Recoverable())
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message", NewError(ErrorTypeProtocol, "bad frame"), "PROTOCOL: bad frame"},
		{"wrapped", WrapError(ErrorTypeConnection, "open", ErrNotOpen), "CONNECTION: open: not open"},
		{"cause only", WrapError(ErrorTypeConnection, "", ErrNotOpen), "CONNECTION: not open"},
		{"code", NewError(ErrorTypeSubscription, "subscribe: dup").WithCode(ErrCodeAlreadySubscribed), "SUBSCRIPTION (10301): subscribe: dup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestTypeOf(t *testing.T) {
	seq := &SequenceError{Authenticated: true, Expected: 4, Got: 5}
	cs := &ChecksumError{Symbol: "tBTCUSD", Local: 1, Remote: 2}
	ord := &OrderError{Op: "on-req", ID: 7, Status: "ERROR", Message: "no balance"}

	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"plain", errors.New("boom"), ErrorTypeUnknown},
		{"typed", NewError(ErrorTypeAuth, "denied"), ErrorTypeAuth},
		{"sequence", seq, ErrorTypeSequence},
		{"checksum", cs, ErrorTypeChecksum},
		{"order", ord, ErrorTypeOrder},
		{"wrapped order", fmt.Errorf("submit: %w", ord), ErrorTypeOrder},
		{"order inside typed", WrapError(ErrorTypeConnection, "submit", ord), ErrorTypeOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(tt.err))
		})
	}

	assert.True(t, IsSequenceError(seq))
	assert.True(t, IsChecksumError(cs))
	assert.True(t, IsOrderError(ord))
	assert.True(t, IsAuthError(WrapError(ErrorTypeAuth, "auth", ErrNoCredentials)))
	assert.False(t, IsType(nil, ErrorTypeUnknown))
}

func TestDetailErrors(t *testing.T) {
	assert.Equal(t, "SEQUENCE: invalid auth seq #; expected 4, got 6",
		(&SequenceError{Authenticated: true, Expected: 4, Got: 6}).Error())
	assert.Equal(t, "SEQUENCE: invalid public seq #; expected 1, got 3",
		(&SequenceError{Expected: 1, Got: 3}).Error())
	assert.Contains(t, (&ChecksumError{Symbol: "tETHUSD", Local: 10, Remote: 11}).Error(), "tETHUSD")

	err := WrapError(ErrorTypeSubscription, "unsubscribe", ErrUnknownChannel)
	assert.ErrorIs(t, err, ErrUnknownChannel)

	var base *Error
	require.ErrorAs(t, fmt.Errorf("outer: %w", err), &base)
	assert.Equal(t, ErrorTypeSubscription, base.Type)
}

func TestErrorTypeForCode(t *testing.T) {
	tests := []struct {
		code Code
		want ErrorType
	}{
		{ErrCodeAuthFailed, ErrorTypeAuth},
		{ErrCodeSubscribeFailed, ErrorTypeSubscription},
		{ErrCodeAlreadySubscribed, ErrorTypeSubscription},
		{ErrCodeChannelLimitReached, ErrorTypeSubscription},
		{ErrCodeNotSubscribed, ErrorTypeSubscription},
		{ErrCodeUnknownEvent, ErrorTypeProtocol},
		{ErrCodeUnknownPair, ErrorTypeProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorTypeForCode(tt.code))
		})
	}

	assert.Equal(t, "server restart", InfoServerRestart.String())
	assert.Equal(t, "unknown code", Code(1).String())
}
