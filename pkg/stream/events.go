package stream

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bytedance/sonic"

	"bfxstream/internal/metrics"
	"bfxstream/internal/ws"
	"bfxstream/pkg/core"
)

type confRequest struct {
	Event string    `json:"event"`
	Flags core.Flag `json:"flags"`
}

type authRequest struct {
	Event       string   `json:"event"`
	APIKey      string   `json:"apiKey"`
	AuthSig     string   `json:"authSig"`
	AuthPayload string   `json:"authPayload"`
	AuthNonce   string   `json:"authNonce"`
	Calc        int      `json:"calc,omitempty"`
	DMS         int      `json:"dms,omitempty"`
	Filter      []string `json:"filter,omitempty"`
}

// eventFrame is the union of every {event: ...} frame field this client reads.
type eventFrame struct {
	Event   string    `json:"event"`
	Version int       `json:"version"`
	Code    core.Code `json:"code"`
	Msg     string    `json:"msg"`
	Status  string    `json:"status"`
	ChanID  int       `json:"chanId"`
	Channel string    `json:"channel"`
	Symbol  string    `json:"symbol"`
	Key     string    `json:"key"`
	Prec    string    `json:"prec"`
	Freq    string    `json:"freq"`
	Len     string    `json:"len"`
	Flags   core.Flag `json:"flags"`
	UserID  int64     `json:"userId"`
}

func (e *eventFrame) descriptor() core.ChannelDescriptor {
	return core.ChannelDescriptor{
		ID:     e.ChanID,
		Kind:   core.ChannelKind(e.Channel),
		Symbol: e.Symbol,
		Key:    e.Key,
		Prec:   e.Prec,
		Freq:   e.Freq,
		Len:    e.Len,
	}
}

func (c *Connection) handleMessage(data []byte) {
	c.watchdog.Reset()

	if len(data) == 0 {
		return
	}
	switch data[0] {
	case '{':
		var ev eventFrame
		if err := sonic.Unmarshal(data, &ev); err != nil {
			c.invalidFrame(data, err)
			return
		}
		metrics.RecordFrame(metrics.KindEvent)
		c.handleEvent(&ev)
	case '[':
		var frame []any
		if err := sonic.Unmarshal(data, &frame); err != nil {
			c.invalidFrame(data, err)
			return
		}
		c.handleChannelMessage(frame)
	default:
		c.invalidFrame(data, fmt.Errorf("unexpected frame"))
	}
}

func (c *Connection) invalidFrame(data []byte, err error) {
	metrics.RecordFrame(metrics.KindInvalid)
	c.emitError(core.WrapError(core.ErrorTypeProtocol, "decode frame "+truncate(data, 64), err))
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}

func (c *Connection) handleEvent(ev *eventFrame) {
	switch ev.Event {
	case "info":
		c.handleInfo(ev)
	case "subscribed":
		c.handleSubscribed(ev)
	case "unsubscribed":
		c.handleUnsubscribed(ev)
	case "auth":
		c.handleAuth(ev)
	case "conf":
		c.handleConf(ev)
	case "error":
		c.handleErrorEvent(ev)
	case "pong":
	default:
		c.logger.Debug().Str("event", ev.Event).Msg("unhandled event")
	}
}

func (c *Connection) handleInfo(ev *eventFrame) {
	info := core.Info{Version: ev.Version, Code: ev.Code, Msg: ev.Msg}

	if ev.Version != 0 && ev.Version != core.ProtocolVersion {
		c.emitError(core.NewError(core.ErrorTypeProtocol, fmt.Sprintf("server runs protocol version %d, expected %d", ev.Version, core.ProtocolVersion)))
		go func() {
			_ = c.Close()
		}()
		return
	}

	switch ev.Code {
	case core.InfoServerRestart:
		c.logger.Info().Int("code", int(ev.Code)).Msg("server restarting, reconnecting")
		go func() {
			if err := c.Reconnect(); err != nil {
				c.emitError(core.WrapError(core.ErrorTypeConnection, "reconnect", err))
			}
		}()
	case core.InfoMaintenanceStart, core.InfoMaintenanceEnd:
		c.logger.Info().Int("code", int(ev.Code)).Str("msg", ev.Msg).Msg(ev.Code.String())
	}

	c.mu.Lock()
	hooks := slices.Clone(c.hooks.info)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(info)
	}
}

func (c *Connection) handleSubscribed(ev *eventFrame) {
	desc := ev.descriptor()

	c.mu.Lock()
	if _, exists := c.channels[desc.ID]; !exists {
		c.channelOrder = append(c.channelOrder, desc.ID)
	}
	c.channels[desc.ID] = desc
	if c.config.ManageOrderBooks && desc.Kind == core.ChannelBook {
		c.ensureBookLocked(desc)
	}
	hooks := slices.Clone(c.hooks.subscribed)
	c.mu.Unlock()

	c.logger.Debug().Int("chan_id", desc.ID).Str("channel", string(desc.Kind)).Str("symbol", desc.Identity()).Msg("subscribed")
	for _, fn := range hooks {
		fn(desc)
	}
}

func (c *Connection) handleUnsubscribed(ev *eventFrame) {
	if ev.Status != "" && ev.Status != "OK" {
		c.emitError(core.NewError(core.ErrorTypeSubscription, fmt.Sprintf("unsubscribe %d: %s", ev.ChanID, ev.Status)))
		return
	}

	c.mu.Lock()
	desc, ok := c.channels[ev.ChanID]
	if ok {
		delete(c.channels, ev.ChanID)
		c.channelOrder = slices.DeleteFunc(c.channelOrder, func(id int) bool { return id == ev.ChanID })
		if desc.Kind == core.ChannelBook {
			delete(c.books, desc.Symbol)
		}
	}
	hooks := slices.Clone(c.hooks.unsubscribed)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn().Int("chan_id", ev.ChanID).Msg("unsubscribed from unknown channel")
		desc = core.ChannelDescriptor{ID: ev.ChanID}
	}
	if desc.Kind == core.ChannelCandles {
		c.candles.Delete(desc.Key)
	}

	c.logger.Debug().Int("chan_id", ev.ChanID).Str("channel", string(desc.Kind)).Msg("unsubscribed")
	for _, fn := range hooks {
		fn(desc)
	}
}

func (c *Connection) handleAuth(ev *eventFrame) {
	c.mu.Lock()
	result := c.authResult
	c.authResult = nil

	if ev.Status != "OK" {
		if c.state.Load() == ws.StateAuthenticating {
			c.state.Store(ws.StateOpen)
		}
		c.mu.Unlock()

		err := core.NewError(core.ErrorTypeAuth, "auth failed: "+ev.Msg).WithCode(ev.Code)
		if result != nil {
			result <- err
		}
		c.emitError(err)
		return
	}

	desc := core.ChannelDescriptor{ID: core.AuthChannelID, Kind: core.ChannelAuth}
	if _, exists := c.channels[desc.ID]; !exists {
		c.channelOrder = append(c.channelOrder, desc.ID)
	}
	c.channels[desc.ID] = desc
	c.authenticated = true
	c.state.Store(ws.StateAuthenticated)
	hooks := slices.Clone(c.hooks.auth)
	c.mu.Unlock()

	c.logger.Info().Int64("user_id", ev.UserID).Msg("authenticated")
	if result != nil {
		result <- nil
	}
	for _, fn := range hooks {
		fn()
	}
}

func (c *Connection) handleConf(ev *eventFrame) {
	if ev.Status != "OK" {
		c.emitError(core.NewError(core.ErrorTypeProtocol, fmt.Sprintf("conf flags %d rejected: %s", ev.Flags, ev.Status)))
		return
	}

	c.mu.Lock()
	c.flagsConfirmed = true
	c.mu.Unlock()

	c.logger.Debug().Int("flags", int(ev.Flags)).Msg("conf flags accepted")
}

func (c *Connection) handleErrorEvent(ev *eventFrame) {
	errorType := core.ErrorTypeForCode(ev.Code)
	msg := ev.Msg
	if ev.Channel != "" {
		msg = fmt.Sprintf("%s (channel %s %s)", msg, ev.Channel, ev.descriptor().Identity())
	}
	err := core.NewError(errorType, msg).WithCode(ev.Code)

	if errorType == core.ErrorTypeAuth {
		c.mu.Lock()
		result := c.authResult
		c.authResult = nil
		if result != nil && c.state.Load() == ws.StateAuthenticating {
			c.state.Store(ws.StateOpen)
		}
		c.mu.Unlock()
		if result != nil {
			result <- err
		}
	}
	c.emitError(err)
}

// handleChannelMessage processes a data frame [chanId, ...].
func (c *Connection) handleChannelMessage(frame []any) {
	if len(frame) < 2 {
		c.invalidFrame(nil, fmt.Errorf("short data frame"))
		return
	}
	if _, ok := frame[0].(float64); !ok {
		c.invalidFrame(nil, fmt.Errorf("non-numeric channel id %v", frame[0]))
		return
	}
	chanID := int(core.Int(frame, 0))

	c.mu.Lock()
	audit := c.config.SeqAudit && c.flagsConfirmed
	desc, known := c.channels[chanID]
	c.mu.Unlock()

	if audit {
		for _, err := range c.auditor.Audit(frame) {
			var seqErr *core.SequenceError
			metrics.RecordSequenceGap(errors.As(err, &seqErr) && seqErr.Authenticated)
			c.emitError(err)
		}
	}

	if core.String(frame, 1) == "hb" {
		metrics.RecordFrame(metrics.KindHeartbeat)
		return
	}
	metrics.RecordFrame(metrics.KindData)

	if !known {
		c.logger.Warn().Int("chan_id", chanID).Msg("data frame for unknown channel")
		c.emitError(core.WrapError(core.ErrorTypeSubscription, fmt.Sprintf("channel %d", chanID), core.ErrUnknownChannel))
		return
	}

	if core.String(frame, 1) == "cs" {
		c.handleChecksum(desc, core.Int(frame, 2))
		return
	}

	msg := decodeMessage(desc, frame)
	if desc.Kind == core.ChannelAuth {
		c.handleAuthMessage(msg)
	} else if !c.applyManaged(msg) {
		return
	}
	if c.config.Transform {
		msg.Record = transform(msg)
	}
	c.dispatcher.dispatch(msg)
}

// decodeMessage splits [chanId, payload] and [chanId, event, payload] frames.
func decodeMessage(desc core.ChannelDescriptor, frame []any) Message {
	msg := Message{Channel: desc}

	payloadAt := 1
	if name, ok := frame[1].(string); ok {
		msg.Event = name
		payloadAt = 2
	}
	data, _ := core.At(frame, payloadAt).([]any)
	msg.Data = data
	msg.Snapshot = isSnapshot(data)
	return msg
}

func isSnapshot(data []any) bool {
	if len(data) == 0 {
		return true
	}
	_, nested := data[0].([]any)
	return nested
}
