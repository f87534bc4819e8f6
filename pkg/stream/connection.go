package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"bfxstream/internal/metrics"
	"bfxstream/internal/sequence"
	"bfxstream/internal/signer"
	"bfxstream/internal/watchdog"
	"bfxstream/internal/ws"
	"bfxstream/pkg/book"
	"bfxstream/pkg/candle"
	"bfxstream/pkg/core"
	"bfxstream/pkg/order"
)

const closeTimeout = 5 * time.Second

// Connection is one streaming socket and everything tracked on it. Inbound
// frames are handled one at a time in arrival order.
type Connection struct {
	config *core.Config
	id     int
	dialer ws.Dialer
	apiKey string
	signer *signer.Signer
	logger zerolog.Logger

	state      ws.State
	auditor    *sequence.Auditor
	watchdog   *watchdog.Watchdog
	buffer     *order.Buffer
	pending    *order.Pending
	dispatcher *dispatcher
	candles    *candle.Store

	mu                 sync.Mutex
	socket             ws.Socket
	gen                uint64
	opened             chan error
	closed             chan struct{}
	authResult         chan error
	closing            bool
	reconnectRequested bool
	reconnectCancel    context.CancelFunc
	snapshot           *reconnectSnapshot
	authenticated      bool
	flagsConfirmed     bool
	channels           map[int]core.ChannelDescriptor
	channelOrder       []int
	refs               map[string]int
	books              map[string]*book.Book
	lastCID            int64
	whenOpen           []func()
	hooks              hooks
}

// reconnectSnapshot survives the close transition and is cleared only after
// every channel in it has been resubscribed.
type reconnectSnapshot struct {
	channels      []core.ChannelDescriptor
	authenticated bool
}

type hooks struct {
	open         []func()
	close        []func(error)
	err          []func(error)
	auth         []func()
	subscribed   []func(core.ChannelDescriptor)
	unsubscribed []func(core.ChannelDescriptor)
	info         []func(core.Info)
}

// New creates a closed connection. A nil config uses core.DefaultConfig.
func New(config *core.Config, opts ...Option) *Connection {
	if config == nil {
		config = core.DefaultConfig()
	}
	o := &options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		d := ws.NewGWSDialer(ws.DialerConfig{})
		d.SetLogger(o.logger)
		o.dialer = d
	}
	if o.signer == nil && config.Credentials.Valid() {
		o.apiKey = config.Credentials.APIKey
		o.signer = signer.New(config.Credentials.APISecret)
	}

	c := &Connection{
		config:     config,
		id:         o.id,
		dialer:     o.dialer,
		apiKey:     o.apiKey,
		signer:     o.signer,
		logger:     o.logger.With().Int("conn_id", o.id).Logger(),
		auditor:    sequence.New(),
		pending:    order.NewPending(),
		dispatcher: newDispatcher(),
		candles:    candle.NewStore(),
		channels:   make(map[int]core.ChannelDescriptor),
		refs:       make(map[string]int),
		books:      make(map[string]*book.Book),
	}
	c.watchdog = watchdog.New(config.PacketWatchdogDelay, c.onWatchdog)
	c.buffer = order.NewBuffer(config.OrderOpBufferDelay, c.send, c.emitError)
	c.buffer.SetLogger(c.logger)
	c.state.Store(ws.StateClosed)
	return c
}

// SetLogger configures the logger for the connection. The read loop and
// timers use the logger without locking, so it only takes effect on a closed
// connection with no reconnect pending; otherwise it reports false.
func (c *Connection) SetLogger(logger zerolog.Logger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != ws.StateClosed || c.reconnectCancel != nil {
		c.logger.Warn().Msg("logger not replaced on an active connection")
		return false
	}
	c.logger = logger.With().Int("conn_id", c.id).Logger()
	c.buffer.SetLogger(c.logger)
	return true
}

// ID returns the identifier given with WithID.
func (c *Connection) ID() int {
	return c.id
}

// Config returns the connection configuration.
func (c *Connection) Config() *core.Config {
	return c.config
}

// State returns the lifecycle state.
func (c *Connection) State() ConnState {
	return c.state.Load()
}

// IsOpen reports whether the socket is open.
func (c *Connection) IsOpen() bool {
	return c.state.Load().IsOpen()
}

// IsAuthenticated reports whether the authenticated channel is active.
func (c *Connection) IsAuthenticated() bool {
	return c.state.Load() == ws.StateAuthenticated
}

// HasCredentials reports whether Auth can be called.
func (c *Connection) HasCredentials() bool {
	return c.signer != nil && c.apiKey != ""
}

// Open dials the socket and waits for it to open. It fails with
// core.ErrAlreadyOpen unless the connection is closed.
func (c *Connection) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(ws.StateClosed, ws.StateOpening) {
		return core.WrapError(core.ErrorTypeConnection, "open", core.ErrAlreadyOpen)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	opened := make(chan error, 1)
	c.opened = opened
	c.closed = make(chan struct{})
	c.closing = false
	c.reconnectRequested = false
	c.mu.Unlock()

	c.logger.Debug().Str("url", c.config.URL).Msg("opening connection")

	socket, err := c.dialer.Dial(ctx, c.config.URL, &socketHandler{conn: c, gen: gen})
	if err != nil {
		c.mu.Lock()
		c.opened = nil
		c.mu.Unlock()
		c.state.Store(ws.StateClosed)
		return core.WrapError(core.ErrorTypeConnection, "open", err)
	}

	c.mu.Lock()
	c.socket = socket
	c.mu.Unlock()

	go socket.ReadLoop()

	select {
	case err := <-opened:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		_ = socket.Close()
		return ctx.Err()
	}
}

// Close stops reconnection, discards buffered order operations and closes the
// socket. It fails with core.ErrNotOpen when no socket is open. Outstanding
// order operations are not resolved.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.snapshot = nil

	if !c.state.Load().IsOpen() || c.socket == nil {
		c.mu.Unlock()
		return core.WrapError(core.ErrorTypeConnection, "close", core.ErrNotOpen)
	}
	c.closing = true
	c.state.Store(ws.StateClosing)
	socket := c.socket
	closed := c.closed
	gen := c.gen
	c.mu.Unlock()

	c.watchdog.Stop()
	if dropped := c.buffer.Stop(); dropped > 0 {
		c.logger.Warn().Int("ops", dropped).Msg("dropped buffered order operations on close")
	}

	if err := socket.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("socket close")
	}

	select {
	case <-closed:
	case <-time.After(closeTimeout):
		c.logger.Warn().Msg("socket close not confirmed, forcing closed state")
		c.handleClose(gen, errors.New("close timeout"))
	}
	return nil
}

// Reconnect closes the socket and reopens it, restoring authentication and
// every subscription. A closed connection is reopened immediately.
func (c *Connection) Reconnect() error {
	c.mu.Lock()
	if c.state.Load().IsOpen() && c.socket != nil {
		c.reconnectRequested = true
		socket := c.socket
		c.mu.Unlock()

		c.logger.Info().Msg("reconnecting")
		return socket.Close()
	}
	if c.state.Load() == ws.StateClosed {
		c.scheduleReconnectLocked(0)
	}
	c.mu.Unlock()
	return nil
}

// Reconnecting reports whether a reconnect is scheduled or in progress.
func (c *Connection) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectCancel != nil
}

func (c *Connection) onWatchdog() {
	c.logger.Warn().Dur("delay", c.config.PacketWatchdogDelay).Msg("no frames received, reconnecting")
	if err := c.Reconnect(); err != nil {
		c.emitError(core.WrapError(core.ErrorTypeConnection, "watchdog reconnect", err))
	}
}

// scheduleReconnectLocked starts the reconnect loop unless one is running.
func (c *Connection) scheduleReconnectLocked(delay time.Duration) {
	if c.reconnectCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	go c.reconnect(ctx, delay)
}

func (c *Connection) reconnect(ctx context.Context, delay time.Duration) {
	defer func() {
		c.mu.Lock()
		c.reconnectCancel = nil
		c.mu.Unlock()
	}()

	metrics.RecordReconnect()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = max(c.config.ReconnectDelay, 100*time.Millisecond)
	if c.config.ReconnectMaxDelay > 0 {
		bo.MaxInterval = c.config.ReconnectMaxDelay
	}

	wait := delay
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		err := c.Open(ctx)
		if err == nil {
			err = c.restore(ctx)
			if err == nil {
				return
			}
			if c.state.Load() != ws.StateClosed {
				c.emitError(err)
				return
			}
		}
		if errors.Is(err, core.ErrAlreadyOpen) || ctx.Err() != nil {
			return
		}

		wait = bo.NextBackOff()
		if wait == backoff.Stop {
			wait = bo.MaxInterval
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("reconnect failed")
	}
}

// restore re-authenticates and resubscribes the reconnect snapshot in its
// original order, then clears it.
func (c *Connection) restore(ctx context.Context) error {
	c.mu.Lock()
	snap := c.snapshot
	c.mu.Unlock()
	if snap == nil {
		return nil
	}

	if snap.authenticated {
		if err := c.Auth(ctx); err != nil {
			return core.WrapError(core.ErrorTypeAuth, "re-authenticate", err)
		}
	}
	for _, d := range snap.channels {
		if err := c.Subscribe(d.Kind, d.Params()); err != nil {
			return core.WrapError(core.ErrorTypeSubscription, "resubscribe "+string(d.Kind)+" "+d.Identity(), err)
		}
	}

	c.mu.Lock()
	if c.snapshot == snap {
		c.snapshot = nil
	}
	c.mu.Unlock()

	c.logger.Info().Int("channels", len(snap.channels)).Bool("auth", snap.authenticated).Msg("reconnected")
	return nil
}

func (c *Connection) handleOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state.Store(ws.StateOpen)
	opened := c.opened
	c.opened = nil
	whenOpen := c.whenOpen
	c.whenOpen = nil
	hooks := slices.Clone(c.hooks.open)
	c.mu.Unlock()

	metrics.SocketOpened()
	c.watchdog.Reset()
	c.logger.Info().Str("url", c.config.URL).Msg("connection open")

	if flags := c.config.Flags(); flags != 0 {
		if err := c.sendJSON(confRequest{Event: "conf", Flags: flags}); err != nil {
			c.emitError(core.WrapError(core.ErrorTypeConnection, "send conf", err))
		}
	}

	if opened != nil {
		opened <- nil
	}
	for _, fn := range hooks {
		fn()
	}
	for _, fn := range whenOpen {
		fn()
	}
}

func (c *Connection) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.socket == nil {
		c.mu.Unlock()
		return
	}

	wasOpen := c.state.Load().IsOpen() || c.state.Load() == ws.StateClosing
	intentional := c.closing
	requested := c.reconnectRequested

	if !intentional && (c.config.AutoReconnect || requested) {
		if c.snapshot == nil {
			c.snapshot = c.snapshotLocked()
		}
		c.scheduleReconnectLocked(c.config.ReconnectDelay)
	}

	c.socket = nil
	c.closing = false
	c.reconnectRequested = false
	c.authenticated = false
	c.flagsConfirmed = false
	c.channels = make(map[int]core.ChannelDescriptor)
	c.channelOrder = nil
	c.books = make(map[string]*book.Book)
	c.state.Store(ws.StateClosed)

	opened := c.opened
	c.opened = nil
	authResult := c.authResult
	c.authResult = nil
	closed := c.closed
	hooks := slices.Clone(c.hooks.close)
	c.mu.Unlock()

	c.watchdog.Stop()
	c.auditor.Reset()
	if !intentional {
		if dropped := c.buffer.Stop(); dropped > 0 {
			c.logger.Warn().Int("ops", dropped).Msg("dropped buffered order operations")
		}
	}
	if wasOpen {
		metrics.SocketClosed()
	}

	closeErr := core.WrapError(core.ErrorTypeConnection, "socket closed", err)
	if opened != nil {
		opened <- closeErr
	}
	if authResult != nil {
		authResult <- closeErr
	}
	if closed != nil {
		close(closed)
	}

	if intentional {
		c.logger.Info().Msg("connection closed")
	} else {
		c.logger.Warn().Err(err).Bool("reconnect", c.config.AutoReconnect || requested).Msg("connection lost")
	}
	for _, fn := range hooks {
		fn(err)
	}
}

// snapshotLocked captures the data channels in subscription order.
func (c *Connection) snapshotLocked() *reconnectSnapshot {
	snap := &reconnectSnapshot{authenticated: c.authenticated}
	for _, id := range c.channelOrder {
		if d, ok := c.channels[id]; ok && d.Kind != core.ChannelAuth {
			snap.channels = append(snap.channels, d)
		}
	}
	return snap
}

func (c *Connection) send(data []byte) error {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()

	if socket == nil || !c.state.Load().IsOpen() {
		return core.WrapError(core.ErrorTypeConnection, "send", core.ErrNotOpen)
	}
	c.logger.Debug().Str("data", string(data)).Msg("sending frame")
	return socket.Send(data)
}

func (c *Connection) sendJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return c.send(data)
}

func (c *Connection) emitError(err error) {
	if err == nil {
		return
	}
	errorType := core.TypeOf(err)
	metrics.RecordError(errorType.String())
	if errorType.Recoverable() {
		c.logger.Warn().Err(err).Msg("stream error")
	} else {
		c.logger.Error().Err(err).Msg("stream error")
	}

	c.mu.Lock()
	hooks := slices.Clone(c.hooks.err)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(err)
	}
}

// socketHandler ties socket events to the dial that produced them, so events
// from a replaced socket are ignored.
type socketHandler struct {
	conn *Connection
	gen  uint64
}

func (h *socketHandler) OnOpen() {
	h.conn.handleOpen(h.gen)
}

func (h *socketHandler) OnMessage(data []byte) {
	h.conn.mu.Lock()
	current := h.gen == h.conn.gen
	h.conn.mu.Unlock()
	if current {
		h.conn.handleMessage(data)
	}
}

func (h *socketHandler) OnClose(err error) {
	h.conn.handleClose(h.gen, err)
}

// OnOpen registers fn to run every time the socket opens.
func (c *Connection) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks.open = append(c.hooks.open, fn)
}

// OnClose registers fn to run every time the socket closes.
func (c *Connection) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks.close = append(c.hooks.close, fn)
}

// OnError registers fn to receive asynchronous errors.
func (c *Connection) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks.err = append(c.hooks.err, fn)
}

// OnAuth registers fn to run after each successful authentication.
func (c *Connection) OnAuth(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks.auth = append(c.hooks.auth, fn)
}

// OnSubscribed registers fn to receive every subscription confirmation.
func (c *Connection) OnSubscribed(fn func(core.ChannelDescriptor)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks.subscribed = append(c.hooks.subscribed, fn)
}

// OnUnsubscribed registers fn to receive every unsubscription confirmation.
func (c *Connection) OnUnsubscribed(fn func(core.ChannelDescriptor)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks.unsubscribed = append(c.hooks.unsubscribed, fn)
}

// OnInfo registers fn to receive info events, including maintenance notices.
func (c *Connection) OnInfo(fn func(core.Info)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks.info = append(c.hooks.info, fn)
}

// WhenOpen runs fn now if the socket is open, otherwise once on the next open.
// Hooks run on the read loop; blocking calls such as Auth must be started in
// their own goroutine.
func (c *Connection) WhenOpen(fn func()) {
	c.mu.Lock()
	if !c.state.Load().IsOpen() {
		c.whenOpen = append(c.whenOpen, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}
