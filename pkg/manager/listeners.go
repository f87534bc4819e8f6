package manager

import (
	"slices"

	"bfxstream/pkg/core"
	"bfxstream/pkg/order"
	"bfxstream/pkg/stream"
)

// register applies a listener registration to every pooled connection and
// to each connection opened later.
func (m *Manager) register(group string, apply func(*stream.Connection)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, registration{group: group, apply: apply})
	conns := make([]*stream.Connection, 0, len(m.sockets))
	for _, s := range m.sockets {
		conns = append(conns, s.conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		apply(conn)
	}
}

// OnMessage registers a catch-all listener on every pooled connection.
func (m *Manager) OnMessage(group string, fn func(*stream.Connection, stream.Message)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnMessage(group, func(msg stream.Message) { fn(conn, msg) })
	})
}

// OnTicker registers a ticker listener on every pooled connection.
func (m *Manager) OnTicker(group string, filter core.ChannelParams, fn func(core.Ticker)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnTicker(group, filter, fn)
	})
}

// OnTrades registers a trades listener on every pooled connection.
func (m *Manager) OnTrades(group string, filter core.ChannelParams, fn func([]core.Trade)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnTrades(group, filter, fn)
	})
}

// OnOrderBook registers an order book listener on every pooled connection.
func (m *Manager) OnOrderBook(group string, filter core.ChannelParams, fn func(stream.BookUpdate)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnOrderBook(group, filter, fn)
	})
}

// OnCandles registers a candle listener on every pooled connection.
func (m *Manager) OnCandles(group string, filter core.ChannelParams, fn func(stream.CandleUpdate)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnCandles(group, filter, fn)
	})
}

// OnOrderSnapshot registers an order snapshot listener on every pooled connection.
func (m *Manager) OnOrderSnapshot(group string, pred order.Predicate, fn func([]*order.Order)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnOrderSnapshot(group, pred, fn)
	})
}

// OnOrderNew registers a new order listener on every pooled connection.
func (m *Manager) OnOrderNew(group string, pred order.Predicate, fn func(*order.Order)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnOrderNew(group, pred, fn)
	})
}

// OnOrderUpdate registers an order update listener on every pooled connection.
func (m *Manager) OnOrderUpdate(group string, pred order.Predicate, fn func(*order.Order)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnOrderUpdate(group, pred, fn)
	})
}

// OnOrderClose registers an order close listener on every pooled connection.
func (m *Manager) OnOrderClose(group string, pred order.Predicate, fn func(*order.Order)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnOrderClose(group, pred, fn)
	})
}

// OnNotification registers a notification listener on every pooled connection.
func (m *Manager) OnNotification(group string, pred func(core.Notification) bool, fn func(core.Notification)) {
	m.register(group, func(conn *stream.Connection) {
		conn.OnNotification(group, pred, fn)
	})
}

// RemoveListeners drops group from every pooled connection and from future ones.
func (m *Manager) RemoveListeners(group string) {
	m.mu.Lock()
	m.listeners = slices.DeleteFunc(m.listeners, func(r registration) bool { return r.group == group })
	conns := make([]*stream.Connection, 0, len(m.sockets))
	for _, s := range m.sockets {
		conns = append(conns, s.conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.RemoveListeners(group)
	}
}
