package stream

import (
	"bfxstream/pkg/book"
	"bfxstream/pkg/core"
	"bfxstream/pkg/order"
)

// Auth channel event tags.
const (
	EventOrderSnapshot = "os"
	EventOrderNew      = "on"
	EventOrderUpdate   = "ou"
	EventOrderClose    = "oc"
	EventNotification  = "n"
	EventTradeExecuted = "te"
	EventTradeUpdate   = "tu"
)

// BookUpdate is a decoded order book frame.
type BookUpdate struct {
	Symbol   string
	Raw      bool
	Snapshot bool
	Levels   []book.Level
}

// CandleUpdate is a decoded candle frame.
type CandleUpdate struct {
	Key      string
	Snapshot bool
	Candles  []core.Candle
}

// OnMessage registers a catch-all listener receiving every data frame.
func (c *Connection) OnMessage(group string, fn func(Message)) {
	c.dispatcher.add(group, listener{catchAll: true, call: fn})
}

// OnTicker registers fn for ticker updates of channels matching filter.
func (c *Connection) OnTicker(group string, filter core.ChannelParams, fn func(core.Ticker)) {
	c.dispatcher.add(group, listener{
		match: channelMatch(core.ChannelTicker, filter),
		call: func(m Message) {
			fn(core.TickerFromRaw(m.Channel.Symbol, m.Data))
		},
	})
}

// OnTrades registers fn for trade snapshots and executed trades of channels
// matching filter. Trade update ('tu') frames are skipped.
func (c *Connection) OnTrades(group string, filter core.ChannelParams, fn func([]core.Trade)) {
	match := channelMatch(core.ChannelTrades, filter)
	c.dispatcher.add(group, listener{
		match: func(m Message) bool {
			return match(m) && (m.Event == "" || m.Event == EventTradeExecuted)
		},
		call: func(m Message) {
			fn(tradesFromMessage(m))
		},
	})
}

// OnOrderBook registers fn for book snapshots and updates of channels matching filter.
func (c *Connection) OnOrderBook(group string, filter core.ChannelParams, fn func(BookUpdate)) {
	c.dispatcher.add(group, listener{
		match: channelMatch(core.ChannelBook, filter),
		call: func(m Message) {
			fn(BookUpdate{
				Symbol:   m.Channel.Symbol,
				Raw:      m.Channel.RawBook(),
				Snapshot: m.Snapshot,
				Levels:   levelsFromMessage(m),
			})
		},
	})
}

// OnCandles registers fn for candle snapshots and updates of channels matching filter.
func (c *Connection) OnCandles(group string, filter core.ChannelParams, fn func(CandleUpdate)) {
	c.dispatcher.add(group, listener{
		match: channelMatch(core.ChannelCandles, filter),
		call: func(m Message) {
			fn(CandleUpdate{
				Key:      m.Channel.Key,
				Snapshot: m.Snapshot,
				Candles:  candlesFromMessage(m),
			})
		},
	})
}

// OnOrderSnapshot registers fn for the order snapshot sent after auth. Orders
// not accepted by pred are left out; a nil pred accepts all.
func (c *Connection) OnOrderSnapshot(group string, pred order.Predicate, fn func([]*order.Order)) {
	c.dispatcher.add(group, listener{
		match: authEventMatch(EventOrderSnapshot),
		call: func(m Message) {
			var orders []*order.Order
			for _, o := range ordersFromMessage(m) {
				if pred == nil || pred(o) {
					orders = append(orders, o)
				}
			}
			fn(orders)
		},
	})
}

// OnOrderNew registers fn for new order events accepted by pred.
func (c *Connection) OnOrderNew(group string, pred order.Predicate, fn func(*order.Order)) {
	c.onOrderEvent(group, EventOrderNew, pred, fn)
}

// OnOrderUpdate registers fn for order update events accepted by pred.
func (c *Connection) OnOrderUpdate(group string, pred order.Predicate, fn func(*order.Order)) {
	c.onOrderEvent(group, EventOrderUpdate, pred, fn)
}

// OnOrderClose registers fn for order close events accepted by pred.
func (c *Connection) OnOrderClose(group string, pred order.Predicate, fn func(*order.Order)) {
	c.onOrderEvent(group, EventOrderClose, pred, fn)
}

func (c *Connection) onOrderEvent(group, event string, pred order.Predicate, fn func(*order.Order)) {
	match := authEventMatch(event)
	c.dispatcher.add(group, listener{
		match: func(m Message) bool {
			return match(m) && len(m.Data) > 0 && (pred == nil || pred(order.FromRaw(m.Data)))
		},
		call: func(m Message) {
			fn(order.FromRaw(m.Data))
		},
	})
}

// OnNotification registers fn for notifications accepted by pred, which may be nil.
func (c *Connection) OnNotification(group string, pred func(core.Notification) bool, fn func(core.Notification)) {
	match := authEventMatch(EventNotification)
	c.dispatcher.add(group, listener{
		match: func(m Message) bool {
			return match(m) && (pred == nil || pred(core.NotificationFromRaw(m.Data)))
		},
		call: func(m Message) {
			fn(core.NotificationFromRaw(m.Data))
		},
	})
}

// RemoveListeners drops every listener registered under group and returns how many were removed.
func (c *Connection) RemoveListeners(group string) int {
	return c.dispatcher.removeGroup(group)
}

// ListenerCount returns the number of registered listeners.
func (c *Connection) ListenerCount() int {
	return c.dispatcher.len()
}

func channelMatch(kind core.ChannelKind, filter core.ChannelParams) func(Message) bool {
	return func(m Message) bool {
		return m.Channel.Matches(kind, filter)
	}
}

func authEventMatch(event string) func(Message) bool {
	return func(m Message) bool {
		return m.Channel.Kind == core.ChannelAuth && m.Event == event
	}
}

func records(m Message) [][]any {
	if !m.Snapshot {
		return [][]any{m.Data}
	}
	out := make([][]any, 0, len(m.Data))
	for _, entry := range m.Data {
		if raw, ok := entry.([]any); ok {
			out = append(out, raw)
		}
	}
	return out
}

func tradesFromMessage(m Message) []core.Trade {
	raws := records(m)
	trades := make([]core.Trade, 0, len(raws))
	for _, raw := range raws {
		trades = append(trades, core.TradeFromRaw(m.Channel.Symbol, raw))
	}
	return trades
}

func levelsFromMessage(m Message) []book.Level {
	raws := records(m)
	levels := make([]book.Level, 0, len(raws))
	for _, raw := range raws {
		levels = append(levels, book.LevelFromRaw(raw, m.Channel.RawBook()))
	}
	return levels
}

func candlesFromMessage(m Message) []core.Candle {
	raws := records(m)
	candles := make([]core.Candle, 0, len(raws))
	for _, raw := range raws {
		candles = append(candles, core.CandleFromRaw(raw))
	}
	return candles
}

func ordersFromMessage(m Message) []*order.Order {
	raws := records(m)
	orders := make([]*order.Order, 0, len(raws))
	for _, raw := range raws {
		orders = append(orders, order.FromRaw(raw))
	}
	return orders
}

// transform returns the named-field form of a message for catch-all
// listeners, or nil for frames without one.
func transform(m Message) any {
	switch m.Channel.Kind {
	case core.ChannelTicker:
		return core.TickerFromRaw(m.Channel.Symbol, m.Data)
	case core.ChannelTrades:
		return tradesFromMessage(m)
	case core.ChannelBook:
		return levelsFromMessage(m)
	case core.ChannelCandles:
		return candlesFromMessage(m)
	case core.ChannelAuth:
		switch m.Event {
		case EventOrderSnapshot:
			return ordersFromMessage(m)
		case EventOrderNew, EventOrderUpdate, EventOrderClose:
			return order.FromRaw(m.Data)
		case EventNotification:
			return core.NotificationFromRaw(m.Data)
		}
	}
	return nil
}
