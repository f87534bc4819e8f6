// Package wstest provides an in-process ws.Dialer that plays the exchange's
// side of the event protocol, for tests of connections and the manager.
package wstest

import (
	"context"
	"errors"
	"sync"

	"github.com/bytedance/sonic"

	"bfxstream/internal/ws"
)

// ErrSocketClosed is returned by Send on a closed socket.
var ErrSocketClosed = errors.New("socket closed")

// ErrDialRefused is returned by Dial while failures are queued with FailNext.
var ErrDialRefused = errors.New("dial refused")

// Dialer hands out fake sockets. With AutoRespond set, every socket answers
// conf, auth, subscribe and unsubscribe requests the way the exchange does.
type Dialer struct {
	AutoRespond bool
	// AuthStatus is the status sent in auth replies; empty means "OK".
	AuthStatus string
	// Welcome sends an info frame with this protocol version on open; zero sends none.
	Welcome int

	mu         sync.Mutex
	sockets    []*Socket
	dials      int
	failures   int
	nextChanID int
}

// NewDialer creates an auto-responding dialer that greets with protocol version 2.
func NewDialer() *Dialer {
	return &Dialer{AutoRespond: true, Welcome: 2, nextChanID: 1}
}

// Dial returns a new socket unless a failure is queued.
func (d *Dialer) Dial(ctx context.Context, url string, handler ws.Handler) (ws.Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, ErrDialRefused
	}
	s := &Socket{
		dialer:  d,
		handler: handler,
		inbound: make(chan []byte, 1024),
		done:    make(chan struct{}),
	}
	d.sockets = append(d.sockets, s)
	return s, nil
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Sockets returns every socket handed out, oldest first.
func (d *Dialer) Sockets() []*Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Socket(nil), d.sockets...)
}

// Last returns the newest socket, or nil.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

func (d *Dialer) chanID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextChanID
	d.nextChanID++
	return id
}

// Socket is one fake connection. Frames pushed by the test are delivered to
// the handler from ReadLoop in order.
type Socket struct {
	dialer  *Dialer
	handler ws.Handler
	inbound chan []byte

	once     sync.Once
	done     chan struct{}
	closeErr error

	mu   sync.Mutex
	sent []string
}

// ReadLoop delivers OnOpen, the pushed frames, then OnClose.
func (s *Socket) ReadLoop() {
	s.handler.OnOpen()
	if v := s.dialer.Welcome; v != 0 {
		s.PushJSON(map[string]any{"event": "info", "version": v})
	}
	for {
		select {
		case data := <-s.inbound:
			s.handler.OnMessage(data)
		case <-s.done:
			s.handler.OnClose(s.closeErr)
			return
		}
	}
}

// Send records data and, when the dialer auto-responds, queues the reply.
func (s *Socket) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}

	s.mu.Lock()
	s.sent = append(s.sent, string(data))
	s.mu.Unlock()

	if s.dialer.AutoRespond {
		s.respond(data)
	}
	return nil
}

// Close ends the read loop with a nil error.
func (s *Socket) Close() error {
	s.Drop(nil)
	return nil
}

// Drop ends the read loop as if the server went away with err.
func (s *Socket) Drop(err error) {
	s.once.Do(func() {
		s.closeErr = err
		close(s.done)
	})
}

// Closed reports whether the socket has been closed or dropped.
func (s *Socket) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Push queues a raw frame for delivery.
func (s *Socket) Push(frame string) {
	s.inbound <- []byte(frame)
}

// PushJSON encodes v and queues it for delivery.
func (s *Socket) PushJSON(v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.inbound <- data
}

// Sent returns every frame written to the socket.
func (s *Socket) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// SentEvents returns the decoded event frames with the given event name.
func (s *Socket) SentEvents(event string) []map[string]any {
	var out []map[string]any
	for _, frame := range s.Sent() {
		var m map[string]any
		if err := sonic.UnmarshalString(frame, &m); err != nil {
			continue
		}
		if m["event"] == event {
			out = append(out, m)
		}
	}
	return out
}

// SentArrays returns the decoded array frames, such as order operations.
func (s *Socket) SentArrays() [][]any {
	var out [][]any
	for _, frame := range s.Sent() {
		var a []any
		if err := sonic.UnmarshalString(frame, &a); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func (s *Socket) respond(data []byte) {
	var req map[string]any
	if err := sonic.Unmarshal(data, &req); err != nil {
		return
	}

	switch req["event"] {
	case "conf":
		s.PushJSON(map[string]any{"event": "conf", "status": "OK", "flags": req["flags"]})
	case "auth":
		status := s.dialer.AuthStatus
		if status == "" {
			status = "OK"
		}
		reply := map[string]any{"event": "auth", "status": status, "chanId": 0}
		if status == "OK" {
			reply["userId"] = 1
		} else {
			reply["code"] = 10100
			reply["msg"] = "apikey: invalid"
		}
		s.PushJSON(reply)
	case "subscribe":
		reply := map[string]any{"event": "subscribed", "chanId": s.dialer.chanID()}
		for k, v := range req {
			if k != "event" {
				reply[k] = v
			}
		}
		s.PushJSON(reply)
	case "unsubscribe":
		s.PushJSON(map[string]any{"event": "unsubscribed", "status": "OK", "chanId": req["chanId"]})
	}
}
