package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// MaxOpsPerFrame is the largest number of operations carried by one ox_multi frame.
const MaxOpsPerFrame = 15

// Operation names.
const (
	OpNew         = "on"
	OpCancel      = "oc"
	OpUpdate      = "ou"
	OpCancelMulti = "oc_multi"
	OpMulti       = "ox_multi"
)

// Op is one order mutation.
type Op struct {
	Name    string
	Payload any
}

// Frame encodes op as a standalone [0, name, null, payload] frame.
func (op Op) Frame() ([]byte, error) {
	return sonic.Marshal([]any{0, op.Name, nil, op.Payload})
}

// MultiFrame encodes ops as one [0, 'ox_multi', null, [[name, payload], ...]] frame.
func MultiFrame(ops []Op) ([]byte, error) {
	entries := make([][]any, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, []any{op.Name, op.Payload})
	}
	return sonic.Marshal([]any{0, OpMulti, nil, entries})
}

// Buffer coalesces order operations into multi-op frames. With a non-positive
// delay every operation is sent immediately as its own frame.
type Buffer struct {
	delay   time.Duration
	send    func([]byte) error
	onError func(error)
	logger  zerolog.Logger

	mu    sync.Mutex
	ops   []Op
	timer *time.Timer
}

// NewBuffer creates a buffer writing frames with send. Errors from scheduled
// flushes are passed to onError, which may be nil.
func NewBuffer(delay time.Duration, send func([]byte) error, onError func(error)) *Buffer {
	return &Buffer{
		delay:   delay,
		send:    send,
		onError: onError,
		logger:  zerolog.Nop(),
	}
}

// SetLogger configures the logger for the buffer.
func (b *Buffer) SetLogger(logger zerolog.Logger) {
	b.logger = logger
}

// Push sends op now or queues it for the next flush.
func (b *Buffer) Push(op Op) error {
	if b.delay <= 0 {
		frame, err := op.Frame()
		if err != nil {
			return fmt.Errorf("encode %s: %w", op.Name, err)
		}
		return b.send(frame)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ops = append(b.ops, op)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.flushScheduled)
	}
	return nil
}

func (b *Buffer) flushScheduled() {
	if err := b.Flush(); err != nil {
		b.logger.Error().Err(err).Msg("flush order operations")
		if b.onError != nil {
			b.onError(err)
		}
	}
}

// Flush sends every queued operation in chunks of MaxOpsPerFrame and clears
// the queue and schedule.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	ops := b.ops
	b.ops = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	for start := 0; start < len(ops); start += MaxOpsPerFrame {
		chunk := ops[start:min(start+MaxOpsPerFrame, len(ops))]
		frame, err := MultiFrame(chunk)
		if err != nil {
			return fmt.Errorf("encode %s: %w", OpMulti, err)
		}
		if err := b.send(frame); err != nil {
			return fmt.Errorf("send %s: %w", OpMulti, err)
		}
		b.logger.Debug().Int("ops", len(chunk)).Msg("flushed order operations")
	}
	return nil
}

// Stop cancels the scheduled flush and discards queued operations, returning how many were dropped.
func (b *Buffer) Stop() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	dropped := len(b.ops)
	b.ops = nil
	return dropped
}

// Len returns the number of queued operations.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}
