// Package sequence verifies the per-connection frame counters enabled by the
// sequencing conf flag.
package sequence

import (
	"strings"
	"sync"

	"bfxstream/pkg/core"
)

const unset = -1

// Auditor tracks the last public and authenticated sequence numbers of one
// connection. A gap is reported once and the counter still advances to the
// received value, so a single missed frame yields a single error.
type Auditor struct {
	mu       sync.Mutex
	lastPub  int64
	lastAuth int64
}

// New creates an auditor with no sequence observed yet.
func New() *Auditor {
	return &Auditor{lastPub: unset, lastAuth: unset}
}

// Reset forgets the observed counters. Called when a socket is reopened.
func (a *Auditor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastPub = unset
	a.lastAuth = unset
}

// Last returns the last observed public and authenticated sequence numbers, -1 when none.
func (a *Auditor) Last() (pub, auth int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPub, a.lastAuth
}

// Audit checks one decoded data frame [chanId, ...]. Public frames carry their
// sequence as the last element; authenticated frames carry [..., pubSeq, authSeq].
func (a *Auditor) Audit(frame []any) []error {
	if len(frame) < 2 || core.String(frame, 1) == "hb" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if core.Int(frame, 0) != core.AuthChannelID {
		seq, ok := number(frame, len(frame)-1)
		if !ok {
			return nil
		}
		if err := check(&a.lastPub, seq, false); err != nil {
			return []error{err}
		}
		return nil
	}

	if len(frame) < 4 {
		return nil
	}
	authSeq, okAuth := number(frame, len(frame)-1)
	pubSeq, okPub := number(frame, len(frame)-2)
	if !okAuth || !okPub {
		return nil
	}

	var errs []error
	eventType := core.String(frame, 1)
	if !isRequestNotification(frame) {
		if err := check(&a.lastPub, pubSeq, false); err != nil {
			errs = append(errs, err)
		}
	}
	// Notifications carry their own status; their auth counter is not checked.
	if eventType != "n" && authSeq != 0 {
		if err := check(&a.lastAuth, authSeq, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func check(last *int64, seq int64, authenticated bool) error {
	if *last == unset {
		*last = seq
		return nil
	}
	expected := *last + 1
	*last = seq
	if seq != expected {
		return &core.SequenceError{Authenticated: authenticated, Expected: expected, Got: seq}
	}
	return nil
}

func isRequestNotification(frame []any) bool {
	if core.String(frame, 1) != "n" {
		return false
	}
	payload, _ := core.At(frame, 2).([]any)
	return strings.HasSuffix(core.String(payload, 1), "-req")
}

func number(frame []any, i int) (int64, bool) {
	switch v := core.At(frame, i).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
