package stream

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"bfxstream/internal/ws"
	"bfxstream/pkg/core"
)

// Auth sends the signed auth request and waits for the server's answer.
func (c *Connection) Auth(ctx context.Context) error {
	if !c.HasCredentials() {
		return core.WrapError(core.ErrorTypeAuth, "auth", core.ErrNoCredentials)
	}

	c.mu.Lock()
	switch state := c.state.Load(); {
	case state == ws.StateAuthenticated || state == ws.StateAuthenticating:
		c.mu.Unlock()
		return core.WrapError(core.ErrorTypeConnection, "auth", core.ErrAlreadyAuthenticated)
	case state != ws.StateOpen || c.socket == nil:
		c.mu.Unlock()
		return core.WrapError(core.ErrorTypeConnection, "auth", core.ErrNotOpen)
	}
	c.state.Store(ws.StateAuthenticating)
	result := make(chan error, 1)
	c.authResult = result
	c.mu.Unlock()

	auth := c.signer.Auth()
	req := authRequest{
		Event:       "auth",
		APIKey:      c.apiKey,
		AuthSig:     auth.Sig,
		AuthPayload: auth.Payload,
		AuthNonce:   auth.Nonce,
		DMS:         c.config.DeadManSwitch,
		Filter:      c.config.AuthFilter,
	}
	if c.config.CalcEnabled {
		req.Calc = 1
	}

	c.logger.Debug().Str("nonce", auth.Nonce).Msg("authenticating")
	if err := c.sendJSON(req); err != nil {
		c.abortAuth(result)
		return core.WrapError(core.ErrorTypeConnection, "send auth", err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		c.abortAuth(result)
		return ctx.Err()
	}
}

func (c *Connection) abortAuth(result chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authResult == result {
		c.authResult = nil
		c.state.CompareAndSwap(ws.StateAuthenticating, ws.StateOpen)
	}
}

// Subscribe sends a subscribe request without reference counting.
func (c *Connection) Subscribe(kind core.ChannelKind, params core.ChannelParams) error {
	req := map[string]any{"event": "subscribe", "channel": string(kind)}
	for k, v := range params {
		req[k] = v
	}
	if err := c.sendJSON(req); err != nil {
		return core.WrapError(core.ErrorTypeConnection, "subscribe "+string(kind), err)
	}
	c.logger.Debug().Str("channel", string(kind)).Str("params", refKey(kind, params)).Msg("subscribe sent")
	return nil
}

// Unsubscribe sends an unsubscribe request for chanID without reference counting.
func (c *Connection) Unsubscribe(chanID int) error {
	err := c.sendJSON(map[string]any{"event": "unsubscribe", "chanId": chanID})
	if err != nil {
		return core.WrapError(core.ErrorTypeConnection, fmt.Sprintf("unsubscribe %d", chanID), err)
	}
	c.logger.Debug().Int("chan_id", chanID).Msg("unsubscribe sent")
	return nil
}

// ManagedSubscribe subscribes on the first reference to (kind, params) and
// only counts later ones. It reports whether a frame was sent.
func (c *Connection) ManagedSubscribe(kind core.ChannelKind, params core.ChannelParams) (bool, error) {
	key := refKey(kind, params)

	c.mu.Lock()
	c.refs[key]++
	first := c.refs[key] == 1
	c.mu.Unlock()

	if !first {
		return false, nil
	}
	if err := c.Subscribe(kind, params); err != nil {
		c.mu.Lock()
		if c.refs[key]--; c.refs[key] <= 0 {
			delete(c.refs, key)
		}
		c.mu.Unlock()
		return false, err
	}
	return true, nil
}

// ManagedUnsubscribe drops one reference to (kind, params) and unsubscribes
// when none remain. It reports whether a frame was sent.
func (c *Connection) ManagedUnsubscribe(kind core.ChannelKind, params core.ChannelParams) (bool, error) {
	key := refKey(kind, params)

	c.mu.Lock()
	count, ok := c.refs[key]
	if !ok {
		c.mu.Unlock()
		return false, core.WrapError(core.ErrorTypeSubscription, "unsubscribe "+key, core.ErrUnknownChannel)
	}
	if count > 1 {
		c.refs[key] = count - 1
		c.mu.Unlock()
		return false, nil
	}
	delete(c.refs, key)
	chanID, found := c.findChannelLocked(kind, params)
	c.mu.Unlock()

	if !found {
		return false, core.WrapError(core.ErrorTypeSubscription, "unsubscribe "+key, core.ErrUnknownChannel)
	}
	if err := c.Unsubscribe(chanID); err != nil {
		return false, err
	}
	return true, nil
}

// SubscribeTicker subscribes to the ticker of symbol.
func (c *Connection) SubscribeTicker(symbol string) (bool, error) {
	return c.ManagedSubscribe(core.ChannelTicker, TickerParams(symbol))
}

// UnsubscribeTicker releases a ticker subscription.
func (c *Connection) UnsubscribeTicker(symbol string) (bool, error) {
	return c.ManagedUnsubscribe(core.ChannelTicker, TickerParams(symbol))
}

// SubscribeTrades subscribes to public trades of symbol.
func (c *Connection) SubscribeTrades(symbol string) (bool, error) {
	return c.ManagedSubscribe(core.ChannelTrades, TradesParams(symbol))
}

// UnsubscribeTrades releases a trades subscription.
func (c *Connection) UnsubscribeTrades(symbol string) (bool, error) {
	return c.ManagedUnsubscribe(core.ChannelTrades, TradesParams(symbol))
}

// SubscribeOrderBook subscribes to the book of symbol. Empty prec and length
// use the server defaults; prec "R0" selects the raw book.
func (c *Connection) SubscribeOrderBook(symbol, prec, length string) (bool, error) {
	return c.ManagedSubscribe(core.ChannelBook, BookParams(symbol, prec, length))
}

// UnsubscribeOrderBook releases a book subscription.
func (c *Connection) UnsubscribeOrderBook(symbol, prec, length string) (bool, error) {
	return c.ManagedUnsubscribe(core.ChannelBook, BookParams(symbol, prec, length))
}

// SubscribeCandles subscribes to the candle series key, e.g. "trade:1m:tBTCUSD".
func (c *Connection) SubscribeCandles(key string) (bool, error) {
	return c.ManagedSubscribe(core.ChannelCandles, CandleParams(key))
}

// UnsubscribeCandles releases a candle subscription.
func (c *Connection) UnsubscribeCandles(key string) (bool, error) {
	return c.ManagedUnsubscribe(core.ChannelCandles, CandleParams(key))
}

// TickerParams returns the subscribe params of a ticker channel.
func TickerParams(symbol string) core.ChannelParams {
	return core.ChannelParams{"symbol": symbol}
}

// TradesParams returns the subscribe params of a trades channel.
func TradesParams(symbol string) core.ChannelParams {
	return core.ChannelParams{"symbol": symbol}
}

// BookParams returns the subscribe params of a book channel.
func BookParams(symbol, prec, length string) core.ChannelParams {
	params := core.ChannelParams{"symbol": symbol}
	if prec != "" {
		params["prec"] = prec
	}
	if length != "" {
		params["len"] = length
	}
	return params
}

// CandleParams returns the subscribe params of a candles channel.
func CandleParams(key string) core.ChannelParams {
	return core.ChannelParams{"key": key}
}

// refKey is the reference count key: the kind plus the params in name order.
func refKey(kind core.ChannelKind, params core.ChannelParams) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	slices.Sort(names)

	var sb strings.Builder
	sb.WriteString(string(kind))
	for _, k := range names {
		sb.WriteString("|")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(params[k])
	}
	return sb.String()
}

func (c *Connection) findChannelLocked(kind core.ChannelKind, params core.ChannelParams) (int, bool) {
	for _, id := range c.channelOrder {
		if d, ok := c.channels[id]; ok && d.Matches(kind, params) {
			return id, true
		}
	}
	return 0, false
}

// FindChannel returns the id of the first confirmed channel matching kind and params.
func (c *Connection) FindChannel(kind core.ChannelKind, params core.ChannelParams) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findChannelLocked(kind, params)
}

// Channel returns the descriptor of chanID.
func (c *Connection) Channel(chanID int) (core.ChannelDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.channels[chanID]
	return d, ok
}

// Channels returns the confirmed descriptors in subscription order, the
// auth channel included.
func (c *Connection) Channels() []core.ChannelDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]core.ChannelDescriptor, 0, len(c.channelOrder))
	for _, id := range c.channelOrder {
		if d, ok := c.channels[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// ChannelCount returns the number of confirmed data channels.
func (c *Connection) ChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.channels)
	if _, ok := c.channels[core.AuthChannelID]; ok {
		n--
	}
	return n
}

// Refs returns the reference count held for (kind, params).
func (c *Connection) Refs(kind core.ChannelKind, params core.ChannelParams) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[refKey(kind, params)]
}

// ChannelLabel formats a descriptor for logs, e.g. "book:tBTCUSD:P0".
func ChannelLabel(d core.ChannelDescriptor) string {
	label := string(d.Kind) + ":" + d.Identity()
	if d.Prec != "" {
		label += ":" + d.Prec
	}
	if d.ID != 0 {
		label += "#" + strconv.Itoa(d.ID)
	}
	return label
}
