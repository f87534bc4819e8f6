// Package manager pools streaming connections: it spreads subscriptions over
// sockets with free capacity, opens new sockets as needed, authenticates them
// with pooled credentials and forwards listeners and order operations.
package manager

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"bfxstream/internal/keyring"
	"bfxstream/internal/ratelimit"
	"bfxstream/internal/ws"
	"bfxstream/pkg/book"
	"bfxstream/pkg/core"
	"bfxstream/pkg/order"
	"bfxstream/pkg/stream"
)

// Manager owns a pool of connections sharing one configuration.
type Manager struct {
	config  *core.Config
	dialer  ws.Dialer
	keys    *keyring.KeyRing
	limiter *ratelimit.Limiter
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sockets   []*socketState
	nextID    int
	closed    bool
	listeners []registration
	errHooks  []func(*stream.Connection, error)
}

// socketState is one pooled connection and its unconfirmed requests.
type socketState struct {
	conn          *stream.Connection
	pendingSubs   []pendingSub
	pendingUnsubs []int
}

type pendingSub struct {
	kind   core.ChannelKind
	params core.ChannelParams
	// sent is set once the subscribe request went out on the socket.
	sent     bool
	reroutes int
}

// maxReroutes bounds how often a pending subscription moves to another
// socket after the one holding it closed for good.
const maxReroutes = 3

// registration replays a listener registration on every pooled connection.
type registration struct {
	group string
	apply func(*stream.Connection)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the socket dialer for every pooled connection.
func WithDialer(d ws.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithKeyRing authenticates sockets with keys drawn from ring instead of the
// configured credentials.
func WithKeyRing(ring *keyring.KeyRing) Option {
	return func(m *Manager) {
		m.keys = ring
	}
}

// WithLogger sets the manager logger; pooled connections derive theirs from it.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a manager with an empty pool. A nil config uses core.DefaultConfig.
func New(config *core.Config, opts ...Option) *Manager {
	if config == nil {
		config = core.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:  config,
		limiter: ratelimit.PerMinute(max(config.ConnectRatePerMinute, 1)),
		logger:  zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.keys == nil {
		m.keys = keyring.FromCredentials(config.Credentials)
	}
	m.keys.SetLogger(m.logger)
	return m
}

// SetLogger configures the logger for the manager.
func (m *Manager) SetLogger(logger zerolog.Logger) {
	m.logger = logger
	m.keys.SetLogger(logger)
}

func (m *Manager) limit() int {
	if m.config.ChannelsPerConnection > 0 {
		return m.config.ChannelsPerConnection
	}
	return core.DefaultChannelsPerConnection
}

// load is the channel count the socket will carry once pending requests
// settle. A pending subscription already confirmed on the connection is not
// counted twice.
func (s *socketState) load() int {
	n := s.conn.ChannelCount() - len(s.pendingUnsubs)
	for _, p := range s.pendingSubs {
		if _, confirmed := s.conn.FindChannel(p.kind, p.params); !confirmed {
			n++
		}
	}
	return n
}

// getFreeSocketLocked returns the first socket below the channel limit,
// opening a new one when every socket is full.
func (m *Manager) getFreeSocketLocked() *socketState {
	for _, s := range m.sockets {
		if s.load() < m.limit() {
			return s
		}
	}
	return m.openSocketLocked()
}

// openSocketLocked adds a connection to the pool and opens it in the background.
func (m *Manager) openSocketLocked() *socketState {
	m.nextID++
	id := m.nextID

	opts := []stream.Option{stream.WithID(id), stream.WithLogger(m.logger)}
	if m.dialer != nil {
		opts = append(opts, stream.WithDialer(m.dialer))
	}
	key := m.keys.Next()
	if key != nil {
		opts = append(opts, stream.WithSigner(key.Key, key.Signer()))
	}

	conn := stream.New(m.config, opts...)
	s := &socketState{conn: conn}
	m.sockets = append(m.sockets, s)
	m.wireLocked(s, key)

	m.logger.Info().Int("conn_id", id).Int("sockets", len(m.sockets)).Msg("opening pooled socket")
	go m.open(s)
	return s
}

func (m *Manager) wireLocked(s *socketState, key *keyring.APIKey) {
	conn := s.conn

	conn.OnSubscribed(func(d core.ChannelDescriptor) {
		m.mu.Lock()
		defer m.mu.Unlock()
		s.pendingSubs = slices.DeleteFunc(s.pendingSubs, func(p pendingSub) bool {
			return d.Matches(p.kind, p.params)
		})
		m.logger.Debug().Int("conn_id", conn.ID()).Str("channel", stream.ChannelLabel(d)).Msg("channel confirmed")
	})
	conn.OnUnsubscribed(func(d core.ChannelDescriptor) {
		m.mu.Lock()
		defer m.mu.Unlock()
		s.pendingUnsubs = slices.DeleteFunc(s.pendingUnsubs, func(id int) bool { return id == d.ID })
	})
	conn.OnClose(func(err error) {
		if !conn.IsOpen() && !conn.Reconnecting() {
			m.retire(s, err)
			return
		}
		// Requests not yet sent are still queued for the next open.
		m.mu.Lock()
		defer m.mu.Unlock()
		s.pendingSubs = slices.DeleteFunc(s.pendingSubs, func(p pendingSub) bool { return p.sent })
		s.pendingUnsubs = nil
	})
	conn.OnError(func(err error) {
		if key != nil && core.IsAuthError(err) {
			m.keys.OnAuthError(key.ID, err)
		}
		m.emitError(conn, err)
	})

	if conn.HasCredentials() {
		conn.WhenOpen(func() {
			go func() {
				if err := conn.Auth(m.ctx); err != nil && !errors.Is(err, core.ErrAlreadyAuthenticated) {
					m.logger.Warn().Err(err).Int("conn_id", conn.ID()).Msg("auto auth failed")
				}
			}()
		})
	}

	for _, r := range m.listeners {
		r.apply(conn)
	}
}

func (m *Manager) open(s *socketState) {
	if err := m.limiter.Wait(m.ctx); err != nil {
		return
	}
	err := s.conn.Open(m.ctx)
	if err == nil || m.ctx.Err() != nil {
		return
	}
	m.emitError(s.conn, err)

	if m.config.AutoReconnect {
		m.logger.Warn().Err(err).Int("conn_id", s.conn.ID()).Msg("pooled socket failed to open, retrying")
		if err := s.conn.Reconnect(); err != nil {
			m.logger.Warn().Err(err).Int("conn_id", s.conn.ID()).Msg("schedule reconnect")
		}
		return
	}
	m.retire(s, err)
}

// retire removes a permanently closed socket from the pool and moves its
// pending subscriptions to sockets that can still serve them.
func (m *Manager) retire(s *socketState, cause error) {
	type reroute struct {
		to *socketState
		p  pendingSub
	}

	m.mu.Lock()
	i := slices.Index(m.sockets, s)
	if m.closed || i < 0 {
		m.mu.Unlock()
		return
	}
	m.sockets = slices.Delete(m.sockets, i, i+1)
	orphans := s.pendingSubs
	s.pendingSubs = nil
	s.pendingUnsubs = nil

	var moved []reroute
	var lost []pendingSub
	for _, p := range orphans {
		if p.reroutes >= maxReroutes {
			lost = append(lost, p)
			continue
		}
		p.sent = false
		p.reroutes++
		to := m.socketWithDataChannelLocked(p.kind, p.params)
		if to == nil {
			to = m.queueSubLocked(p)
		}
		moved = append(moved, reroute{to: to, p: p})
	}
	m.mu.Unlock()

	m.logger.Warn().Err(cause).Int("conn_id", s.conn.ID()).Int("rerouted", len(moved)).Int("lost", len(lost)).Msg("pooled socket retired")

	for _, r := range moved {
		r.to.conn.WhenOpen(func() { m.sendSub(r.to, r.p.kind, r.p.params) })
	}
	for _, p := range lost {
		m.emitError(s.conn, core.WrapError(core.ErrorTypeSubscription, "subscribe "+string(p.kind)+" "+p.identity(), core.ErrNoSocket))
	}
}

func (m *Manager) emitError(conn *stream.Connection, err error) {
	m.mu.Lock()
	hooks := slices.Clone(m.errHooks)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(conn, err)
	}
}

// OnError registers fn to receive errors from every pooled connection, tagged
// with the connection that raised them.
func (m *Manager) OnError(fn func(*stream.Connection, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errHooks = append(m.errHooks, fn)
}

// Subscribe routes a managed subscription to the socket already serving the
// channel, or to a socket with free capacity. The request is sent once that
// socket is open.
func (m *Manager) Subscribe(kind core.ChannelKind, params core.ChannelParams) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.WrapError(core.ErrorTypeConnection, "subscribe", core.ErrNotOpen)
	}
	s := m.socketWithDataChannelLocked(kind, params)
	if s == nil {
		s = m.queueSubLocked(pendingSub{kind: kind, params: maps.Clone(params)})
	}
	m.mu.Unlock()

	s.conn.WhenOpen(func() { m.sendSub(s, kind, params) })
	return nil
}

// queueSubLocked records p as pending on a socket with free capacity.
func (m *Manager) queueSubLocked(p pendingSub) *socketState {
	s := m.getFreeSocketLocked()
	s.pendingSubs = append(s.pendingSubs, p)
	return s
}

func (m *Manager) sendSub(s *socketState, kind core.ChannelKind, params core.ChannelParams) {
	m.mu.Lock()
	if i := slices.IndexFunc(s.pendingSubs, func(p pendingSub) bool { return !p.sent && p.matches(kind, params) }); i >= 0 {
		s.pendingSubs[i].sent = true
	}
	m.mu.Unlock()

	if _, err := s.conn.ManagedSubscribe(kind, params); err != nil {
		m.dropPendingSub(s, kind, params)
		m.emitError(s.conn, err)
	}
}

func (m *Manager) dropPendingSub(s *socketState, kind core.ChannelKind, params core.ChannelParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.IndexFunc(s.pendingSubs, func(p pendingSub) bool { return p.matches(kind, params) }); i >= 0 {
		s.pendingSubs = slices.Delete(s.pendingSubs, i, i+1)
	}
}

// Unsubscribe drops one reference to the channel on the socket serving it.
func (m *Manager) Unsubscribe(kind core.ChannelKind, params core.ChannelParams) error {
	m.mu.Lock()
	s := m.socketWithDataChannelLocked(kind, params)
	if s == nil {
		m.mu.Unlock()
		return core.WrapError(core.ErrorTypeSubscription, "unsubscribe "+string(kind), core.ErrNoSocket)
	}
	// Recorded before sending so the confirmation cannot overtake it.
	chanID, found := s.conn.FindChannel(kind, params)
	if found {
		s.pendingUnsubs = append(s.pendingUnsubs, chanID)
	}
	m.mu.Unlock()

	sent, err := s.conn.ManagedUnsubscribe(kind, params)
	if found && (err != nil || !sent) {
		m.mu.Lock()
		if i := slices.Index(s.pendingUnsubs, chanID); i >= 0 {
			s.pendingUnsubs = slices.Delete(s.pendingUnsubs, i, i+1)
		}
		m.mu.Unlock()
	}
	return err
}

// SubscribeTicker subscribes to the ticker of symbol on a pooled socket.
func (m *Manager) SubscribeTicker(symbol string) error {
	return m.Subscribe(core.ChannelTicker, stream.TickerParams(symbol))
}

// SubscribeTrades subscribes to public trades of symbol on a pooled socket.
func (m *Manager) SubscribeTrades(symbol string) error {
	return m.Subscribe(core.ChannelTrades, stream.TradesParams(symbol))
}

// SubscribeOrderBook subscribes to the book of symbol on a pooled socket.
func (m *Manager) SubscribeOrderBook(symbol, prec, length string) error {
	return m.Subscribe(core.ChannelBook, stream.BookParams(symbol, prec, length))
}

// SubscribeCandles subscribes to the candle series key on a pooled socket.
func (m *Manager) SubscribeCandles(key string) error {
	return m.Subscribe(core.ChannelCandles, stream.CandleParams(key))
}

func (p pendingSub) matches(kind core.ChannelKind, params core.ChannelParams) bool {
	return p.kind == kind && maps.Equal(p.params, params)
}

func (p pendingSub) identity() string {
	if p.kind == core.ChannelCandles {
		return p.params["key"]
	}
	return p.params["symbol"]
}

// socketWithDataChannelLocked finds the socket subscribing or subscribed to
// the channel, checking pending subscriptions first. Channels with a pending
// unsubscribe are skipped.
func (m *Manager) socketWithDataChannelLocked(kind core.ChannelKind, params core.ChannelParams) *socketState {
	for _, s := range m.sockets {
		if slices.ContainsFunc(s.pendingSubs, func(p pendingSub) bool { return p.matches(kind, params) }) {
			return s
		}
	}
	for _, s := range m.sockets {
		if id, ok := s.conn.FindChannel(kind, params); ok && !slices.Contains(s.pendingUnsubs, id) {
			return s
		}
	}
	return nil
}

// GetSocketWithDataChannel returns the connection serving the channel with
// the given subscribe params.
func (m *Manager) GetSocketWithDataChannel(kind core.ChannelKind, params core.ChannelParams) (*stream.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.socketWithDataChannelLocked(kind, params); s != nil {
		return s.conn, true
	}
	return nil, false
}

// GetSocketWithChannel returns the connection serving any channel of kind for
// identity, a symbol or candle key.
func (m *Manager) GetSocketWithChannel(kind core.ChannelKind, identity string) (*stream.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sockets {
		if slices.ContainsFunc(s.pendingSubs, func(p pendingSub) bool { return p.kind == kind && p.identity() == identity }) {
			return s.conn, true
		}
	}
	for _, s := range m.sockets {
		for _, d := range s.conn.Channels() {
			if d.Kind == kind && d.Identity() == identity && !slices.Contains(s.pendingUnsubs, d.ID) {
				return s.conn, true
			}
		}
	}
	return nil, false
}

// Sockets returns the pooled connections in the order they were opened.
func (m *Manager) Sockets() []*stream.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*stream.Connection, 0, len(m.sockets))
	for _, s := range m.sockets {
		out = append(out, s.conn)
	}
	return out
}

// SocketCount returns the pool size.
func (m *Manager) SocketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sockets)
}

// OpenSocket adds a socket to the pool regardless of capacity, e.g. one
// reserved for order traffic, and waits for it to open.
func (m *Manager) OpenSocket(ctx context.Context) (*stream.Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, core.WrapError(core.ErrorTypeConnection, "open socket", core.ErrNotOpen)
	}
	s := m.openSocketLocked()
	m.mu.Unlock()

	opened := make(chan struct{})
	s.conn.WhenOpen(func() { close(opened) })
	select {
	case <-opened:
		return s.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Auth authenticates every open, unauthenticated socket.
func (m *Manager) Auth(ctx context.Context) error {
	p := pool.New().WithErrors()
	for _, conn := range m.Sockets() {
		if !conn.IsOpen() || conn.IsAuthenticated() {
			continue
		}
		p.Go(func() error {
			return conn.Auth(ctx)
		})
	}
	return p.Wait()
}

// Reconnect reconnects every pooled socket.
func (m *Manager) Reconnect() error {
	p := pool.New().WithErrors()
	for _, conn := range m.Sockets() {
		p.Go(conn.Reconnect)
	}
	return p.Wait()
}

// Close closes every pooled socket and empties the pool. The manager cannot
// be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sockets := m.sockets
	m.sockets = nil
	m.mu.Unlock()
	m.cancel()

	p := pool.New().WithErrors()
	for _, s := range sockets {
		p.Go(func() error {
			if err := s.conn.Close(); err != nil && !errors.Is(err, core.ErrNotOpen) {
				return err
			}
			return nil
		})
	}
	err := p.Wait()
	m.logger.Info().Int("sockets", len(sockets)).Msg("manager closed")
	return err
}

func (m *Manager) authenticatedSocket() (*stream.Connection, error) {
	for _, conn := range m.Sockets() {
		if conn.IsAuthenticated() {
			return conn, nil
		}
	}
	return nil, core.WrapError(core.ErrorTypeConnection, "order operation", core.ErrNotAuthenticated)
}

// SubmitOrder places o through the first authenticated socket.
func (m *Manager) SubmitOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	conn, err := m.authenticatedSocket()
	if err != nil {
		return nil, err
	}
	return conn.SubmitOrder(ctx, o)
}

// UpdateOrder changes a live order through the first authenticated socket.
func (m *Manager) UpdateOrder(ctx context.Context, changes order.UpdatePayload) (*order.Order, error) {
	conn, err := m.authenticatedSocket()
	if err != nil {
		return nil, err
	}
	return conn.UpdateOrder(ctx, changes)
}

// CancelOrder cancels order id through the first authenticated socket.
func (m *Manager) CancelOrder(ctx context.Context, id int64) error {
	conn, err := m.authenticatedSocket()
	if err != nil {
		return err
	}
	return conn.CancelOrder(ctx, id)
}

// CancelOrders cancels ids with one operation through the first authenticated socket.
func (m *Manager) CancelOrders(ids []int64) error {
	conn, err := m.authenticatedSocket()
	if err != nil {
		return err
	}
	return conn.CancelOrders(ids)
}

// OrderBook returns a copy of the managed book of symbol from the socket serving it.
func (m *Manager) OrderBook(symbol string) (*book.Book, error) {
	conn, ok := m.GetSocketWithChannel(core.ChannelBook, symbol)
	if !ok {
		return nil, core.WrapError(core.ErrorTypeSubscription, "order book "+symbol, core.ErrNoSocket)
	}
	return conn.GetOrderBook(symbol)
}

// Candles returns a copy of the managed candle series key from the socket serving it.
func (m *Manager) Candles(key string) ([]core.Candle, bool) {
	conn, ok := m.GetSocketWithChannel(core.ChannelCandles, key)
	if !ok {
		return nil, false
	}
	return conn.GetCandles(key)
}
