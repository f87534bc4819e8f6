package order

import (
	"errors"
	"sync"

	"bfxstream/internal/metrics"
	"bfxstream/pkg/core"
)

// Notification types that acknowledge order operations.
const (
	OpNewRequest    = "on-req"
	OpCancelRequest = "oc-req"
	OpUpdateRequest = "ou-req"
)

// ErrDuplicatePending is returned when a correlation key is already outstanding.
var ErrDuplicatePending = errors.New("order operation already pending")

// Key identifies an outstanding operation: new orders correlate by cid,
// cancels and updates by order id.
type Key struct {
	Op string
	ID int64
}

// Result is the outcome of an acknowledged operation.
type Result struct {
	Order        *Order
	Notification core.Notification
	Err          error
}

// KeyFromNotification extracts the correlation key of an acknowledgement.
func KeyFromNotification(n core.Notification) (Key, bool) {
	switch n.Type {
	case OpNewRequest:
		return Key{Op: n.Type, ID: core.Int(n.Info, 2)}, true
	case OpCancelRequest, OpUpdateRequest:
		return Key{Op: n.Type, ID: core.Int(n.Info, 0)}, true
	}
	return Key{}, false
}

// ResultFromNotification resolves successful acknowledgements with the
// order echoed in the notification and rejects the rest with an OrderError.
func ResultFromNotification(key Key, n core.Notification) Result {
	res := Result{Notification: n}
	if len(n.Info) > 0 {
		res.Order = FromRaw(n.Info)
	}
	if !n.Success() {
		res.Err = &core.OrderError{Op: key.Op, ID: key.ID, Status: n.Status, Message: n.Text}
	}
	return res
}

// Pending maps correlation keys to the channel awaiting their result.
type Pending struct {
	mu      sync.Mutex
	entries map[Key]chan Result
}

// NewPending creates an empty table.
func NewPending() *Pending {
	return &Pending{entries: make(map[Key]chan Result)}
}

// Add registers key and returns the channel its result will be delivered on.
func (p *Pending) Add(key Key) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; ok {
		return nil, ErrDuplicatePending
	}
	ch := make(chan Result, 1)
	p.entries[key] = ch
	metrics.AddPendingOrders(1)
	return ch, nil
}

// Resolve delivers res to key's waiter and removes the entry. It reports
// whether the key was pending.
func (p *Pending) Resolve(key Key, res Result) bool {
	p.mu.Lock()
	ch, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	metrics.AddPendingOrders(-1)
	ch <- res
	return true
}

// Remove drops key without delivering a result.
func (p *Pending) Remove(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; ok {
		delete(p.entries, key)
		metrics.AddPendingOrders(-1)
	}
}

// Len returns the number of outstanding operations.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
