// Package signer produces the HMAC-SHA384 signature used to authenticate a
// streaming connection.
package signer

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"sync"
	"time"
)

// Signer owns one API secret and the monotonic nonce sequence issued for it.
// Nonces must strictly increase per API key, so every connection sharing a key
// must share its Signer.
type Signer struct {
	secret []byte

	mu        sync.Mutex
	lastNonce int64
	now       func() time.Time
}

// Auth is the signed material for one {event:'auth'} request.
type Auth struct {
	Nonce   string
	Payload string
	Sig     string
}

// New creates a Signer for the given API secret.
func New(secret string) *Signer {
	return &Signer{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// NextNonce returns a microsecond timestamp nonce, bumped by one whenever the
// clock has not advanced past the previous nonce.
func (s *Signer) NextNonce() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.now().UnixMicro()
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return n
}

// Sign returns the hex encoded HMAC-SHA384 of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha512.New384, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Auth issues a fresh nonce and signs the "AUTH"+nonce+nonce payload.
func (s *Signer) Auth() Auth {
	nonce := strconv.FormatInt(s.NextNonce(), 10)
	payload := "AUTH" + nonce + nonce
	return Auth{
		Nonce:   nonce,
		Payload: payload,
		Sig:     s.Sign(payload),
	}
}
