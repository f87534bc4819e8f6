package core

import (
	"strconv"
	"time"
)

// ChannelKind identifies the type of data carried by a subscribed channel.
type ChannelKind string

// Channel kinds supported by the streaming protocol.
const (
	ChannelTicker  ChannelKind = "ticker"
	ChannelTrades  ChannelKind = "trades"
	ChannelBook    ChannelKind = "book"
	ChannelCandles ChannelKind = "candles"
	ChannelAuth    ChannelKind = "auth"
)

// AuthChannelID is the fixed channel id of the authenticated channel.
const AuthChannelID = 0

// RawBookPrecision is the book precision that selects order-id keyed books.
const RawBookPrecision = "R0"

// Flag is a bit in the {event:'conf'} flags mask.
type Flag int

// Connection configuration flags.
const (
	FlagTimestamp Flag = 32768
	FlagSeqAll    Flag = 65536
	FlagChecksum  Flag = 131072
)

// Has reports whether all bits of flag are set in the mask m.
func (m Flag) Has(flag Flag) bool {
	return m&flag == flag
}

// ChannelParams are the filter fields sent with a subscribe request and echoed
// back in the subscribed confirmation (symbol, key, prec, freq, len).
type ChannelParams map[string]string

// ChannelDescriptor describes one confirmed subscription on a connection.
type ChannelDescriptor struct {
	// ID is the connection-local channel id assigned by the server.
	ID     int         `json:"chanId"`
	Kind   ChannelKind `json:"channel"`
	Symbol string      `json:"symbol,omitempty"`
	Key    string      `json:"key,omitempty"`
	Prec   string      `json:"prec,omitempty"`
	Freq   string      `json:"freq,omitempty"`
	Len    string      `json:"len,omitempty"`
}

// Identity returns the symbol or composite key that identifies the channel within its kind.
func (d ChannelDescriptor) Identity() string {
	if d.Kind == ChannelCandles {
		return d.Key
	}
	return d.Symbol
}

// RawBook reports whether the channel is an order-id keyed book.
func (d ChannelDescriptor) RawBook() bool {
	return d.Kind == ChannelBook && d.Prec == RawBookPrecision
}

// Field returns the named filter field of the descriptor.
func (d ChannelDescriptor) Field(name string) string {
	switch name {
	case "symbol":
		return d.Symbol
	case "key":
		return d.Key
	case "prec":
		return d.Prec
	case "freq":
		return d.Freq
	case "len":
		return d.Len
	case "channel":
		return string(d.Kind)
	}
	return ""
}

// Matches reports whether every param equals the corresponding descriptor field.
func (d ChannelDescriptor) Matches(kind ChannelKind, params ChannelParams) bool {
	if d.Kind != kind {
		return false
	}
	for k, v := range params {
		if d.Field(k) != v {
			return false
		}
	}
	return true
}

// Params returns the filter fields needed to subscribe to this channel again.
func (d ChannelDescriptor) Params() ChannelParams {
	params := ChannelParams{}
	for _, name := range []string{"symbol", "key", "prec", "freq", "len"} {
		if v := d.Field(name); v != "" {
			params[name] = v
		}
	}
	return params
}

// Ticker is a transformed ticker channel record.
type Ticker struct {
	Symbol              string  `json:"symbol"`
	Bid                 float64 `json:"bid"`
	BidSize             float64 `json:"bid_size"`
	Ask                 float64 `json:"ask"`
	AskSize             float64 `json:"ask_size"`
	DailyChange         float64 `json:"daily_change"`
	DailyChangeRelative float64 `json:"daily_change_relative"`
	LastPrice           float64 `json:"last_price"`
	Volume              float64 `json:"volume"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
}

// TickerFromRaw projects a positional ticker record onto named fields.
func TickerFromRaw(symbol string, raw []any) Ticker {
	return Ticker{
		Symbol:              symbol,
		Bid:                 Float(raw, 0),
		BidSize:             Float(raw, 1),
		Ask:                 Float(raw, 2),
		AskSize:             Float(raw, 3),
		DailyChange:         Float(raw, 4),
		DailyChangeRelative: Float(raw, 5),
		LastPrice:           Float(raw, 6),
		Volume:              Float(raw, 7),
		High:                Float(raw, 8),
		Low:                 Float(raw, 9),
	}
}

// Trade is a transformed public trade record.
type Trade struct {
	ID     int64     `json:"id"`
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Amount float64   `json:"amount"`
	Price  float64   `json:"price"`
}

// TradeFromRaw projects a positional trade record onto named fields.
func TradeFromRaw(symbol string, raw []any) Trade {
	return Trade{
		ID:     Int(raw, 0),
		Symbol: symbol,
		Time:   time.UnixMilli(Int(raw, 1)),
		Amount: Float(raw, 2),
		Price:  Float(raw, 3),
	}
}

// Candle is one OHLCV entry of a candle series.
type Candle struct {
	// MTS is the candle open time in milliseconds.
	MTS    int64   `json:"mts"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Volume float64 `json:"volume"`
}

// CandleFromRaw projects a positional candle record onto named fields.
func CandleFromRaw(raw []any) Candle {
	return Candle{
		MTS:    Int(raw, 0),
		Open:   Float(raw, 1),
		Close:  Float(raw, 2),
		High:   Float(raw, 3),
		Low:    Float(raw, 4),
		Volume: Float(raw, 5),
	}
}

// Notification is a transformed authenticated-channel notification ('n').
type Notification struct {
	Time time.Time `json:"time"`
	// Type is the notification type, e.g. "on-req" or "oc-req".
	Type   string `json:"type"`
	Info   []any  `json:"info,omitempty"`
	Code   int64  `json:"code"`
	Status string `json:"status"`
	Text   string `json:"text"`
}

// NotificationFromRaw projects a positional notification record onto named fields.
func NotificationFromRaw(raw []any) Notification {
	info, _ := At(raw, 4).([]any)
	return Notification{
		Time:   time.UnixMilli(Int(raw, 0)),
		Type:   String(raw, 1),
		Info:   info,
		Code:   Int(raw, 5),
		Status: String(raw, 6),
		Text:   String(raw, 7),
	}
}

// Success reports whether the notification acknowledges a successful request.
func (n Notification) Success() bool {
	return n.Status == "SUCCESS"
}

// Info is a decoded {event:'info'} frame.
type Info struct {
	Version int    `json:"version"`
	Code    Code   `json:"code"`
	Msg     string `json:"msg"`
}

// At returns raw[i] or nil when out of range.
func At(raw []any, i int) any {
	if i < 0 || i >= len(raw) {
		return nil
	}
	return raw[i]
}

// Float reads a numeric field of a positional record.
func Float(raw []any, i int) float64 {
	switch v := At(raw, i).(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Int reads an integer field of a positional record.
func Int(raw []any, i int) int64 {
	switch v := At(raw, i).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// String reads a string field of a positional record.
func String(raw []any, i int) string {
	s, _ := At(raw, i).(string)
	return s
}
