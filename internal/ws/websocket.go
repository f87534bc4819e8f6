package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
)

// Handler receives the events of one socket. Calls are made from the socket's
// read loop, one at a time and in arrival order.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(err error)
}

// Socket is one dialed full-duplex connection.
type Socket interface {
	// ReadLoop blocks, delivering OnOpen, then every inbound frame, then OnClose.
	ReadLoop()
	// Send writes one text frame.
	Send(data []byte) error
	// Close tears the socket down; OnClose follows from the read loop.
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, handler Handler) (Socket, error)
}

// DialerConfig holds keepalive settings for gws sockets.
type DialerConfig struct {
	// PingInterval is the duration between ping frames sent to keep the connection alive.
	PingInterval time.Duration
	// PongWait is the extra time allowed past PingInterval before the read deadline expires.
	PongWait time.Duration
}

// GWSDialer dials sockets with github.com/lxzan/gws.
type GWSDialer struct {
	config DialerConfig
	logger zerolog.Logger
}

// NewGWSDialer creates a dialer. Default values are applied for any zero-valued fields.
func NewGWSDialer(config DialerConfig) *GWSDialer {
	if config.PingInterval == 0 {
		config.PingInterval = 10 * time.Second
	}
	if config.PongWait == 0 {
		config.PongWait = 20 * time.Second
	}
	return &GWSDialer{config: config, logger: zerolog.Nop()}
}

// SetLogger configures the logger for dialed sockets.
func (d *GWSDialer) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// Dial performs the websocket handshake. The read loop is not started.
func (d *GWSDialer) Dial(ctx context.Context, url string, handler Handler) (Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	eh := &gwsEventHandler{
		handler:  handler,
		deadline: d.config.PingInterval + d.config.PongWait,
		logger:   d.logger,
	}
	conn, _, err := gws.NewClient(eh, &gws.ClientOption{
		Addr: url,
	})
	if err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = conn.NetConn().Close()
		return nil, err
	}

	return &gwsSocket{
		conn:         conn,
		pingInterval: d.config.PingInterval,
		done:         make(chan struct{}),
	}, nil
}

type gwsSocket struct {
	conn         *gws.Conn
	pingInterval time.Duration

	once sync.Once
	done chan struct{}
}

func (s *gwsSocket) ReadLoop() {
	go s.keepalive()
	s.conn.ReadLoop()
	s.stop()
}

func (s *gwsSocket) keepalive() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WritePing(nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *gwsSocket) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *gwsSocket) Send(data []byte) error {
	return s.conn.WriteMessage(gws.OpcodeText, data)
}

func (s *gwsSocket) Close() error {
	s.stop()
	_ = s.conn.WriteClose(1000, nil)
	return s.conn.NetConn().Close()
}

type gwsEventHandler struct {
	handler  Handler
	deadline time.Duration
	logger   zerolog.Logger
}

func (h *gwsEventHandler) extend(socket *gws.Conn) {
	_ = socket.SetDeadline(time.Now().Add(h.deadline))
}

func (h *gwsEventHandler) OnOpen(socket *gws.Conn) {
	h.extend(socket)
	h.handler.OnOpen()
}

func (h *gwsEventHandler) OnClose(socket *gws.Conn, err error) {
	h.handler.OnClose(err)
}

func (h *gwsEventHandler) OnPing(socket *gws.Conn, payload []byte) {
	h.extend(socket)
	_ = socket.WritePong(nil)
}

func (h *gwsEventHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.extend(socket)
}

func (h *gwsEventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	h.extend(socket)

	data := message.Bytes()
	if len(data) == 0 {
		return
	}

	// The message buffer returns to a pool on Close.
	frame := make([]byte, len(data))
	copy(frame, data)

	h.logger.Debug().Str("data", string(frame)).Msg("received websocket message")
	h.handler.OnMessage(frame)
}
