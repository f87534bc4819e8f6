// Package order models exchange orders, their wire payloads, the correlation
// of order requests with acknowledgement notifications, and the outbound
// operation buffer.
package order

import (
	"time"

	"github.com/cockroachdb/apd/v3"

	"bfxstream/pkg/core"
)

// Type is the exchange order type.
type Type string

// Order types.
const (
	TypeLimit                Type = "LIMIT"
	TypeMarket               Type = "MARKET"
	TypeStop                 Type = "STOP"
	TypeStopLimit            Type = "STOP LIMIT"
	TypeTrailingStop         Type = "TRAILING STOP"
	TypeFOK                  Type = "FOK"
	TypeIOC                  Type = "IOC"
	TypeExchangeLimit        Type = "EXCHANGE LIMIT"
	TypeExchangeMarket       Type = "EXCHANGE MARKET"
	TypeExchangeStop         Type = "EXCHANGE STOP"
	TypeExchangeStopLimit    Type = "EXCHANGE STOP LIMIT"
	TypeExchangeTrailingStop Type = "EXCHANGE TRAILING STOP"
	TypeExchangeFOK          Type = "EXCHANGE FOK"
	TypeExchangeIOC          Type = "EXCHANGE IOC"
)

// RequiresPrice reports whether orders of this type carry a limit or trigger price.
func (t Type) RequiresPrice() bool {
	switch t {
	case TypeMarket, TypeExchangeMarket, TypeTrailingStop, TypeExchangeTrailingStop:
		return false
	}
	return true
}

// Order flags, combined with bitwise OR.
const (
	FlagHidden     = 64
	FlagClose      = 512
	FlagReduceOnly = 1024
	FlagPostOnly   = 4096
	FlagOCO        = 16384
	FlagNoVarRates = 524288
)

// Order is an exchange order. Amount is signed: positive buys, negative sells.
type Order struct {
	ID            int64          `json:"id,omitempty"`
	GID           int64          `json:"gid,omitempty"`
	CID           int64          `json:"cid,omitempty"`
	Symbol        string         `json:"symbol" validate:"required"`
	Type          Type           `json:"type" validate:"required"`
	Amount        apd.Decimal    `json:"amount"`
	AmountOrig    apd.Decimal    `json:"amount_orig"`
	Price         apd.Decimal    `json:"price"`
	PriceAvg      apd.Decimal    `json:"price_avg"`
	PriceTrailing apd.Decimal    `json:"price_trailing"`
	PriceAuxLimit apd.Decimal    `json:"price_aux_limit"`
	Flags         int            `json:"flags,omitempty"`
	Status        string         `json:"status,omitempty"`
	TIF           time.Time      `json:"tif,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// FromRaw decodes a positional order record as sent on the authenticated
// channel and inside order notifications.
func FromRaw(raw []any) *Order {
	o := &Order{
		ID:        core.Int(raw, 0),
		GID:       core.Int(raw, 1),
		CID:       core.Int(raw, 2),
		Symbol:    core.String(raw, 3),
		CreatedAt: millis(core.Int(raw, 4)),
		UpdatedAt: millis(core.Int(raw, 5)),
		Type:      Type(core.String(raw, 8)),
		TIF:       millis(core.Int(raw, 10)),
		Flags:     int(core.Int(raw, 12)),
		Status:    core.String(raw, 13),
	}
	setDecimal(&o.Amount, raw, 6)
	setDecimal(&o.AmountOrig, raw, 7)
	setDecimal(&o.Price, raw, 16)
	setDecimal(&o.PriceAvg, raw, 17)
	setDecimal(&o.PriceTrailing, raw, 18)
	setDecimal(&o.PriceAuxLimit, raw, 19)
	return o
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func setDecimal(d *apd.Decimal, raw []any, i int) {
	switch v := core.At(raw, i).(type) {
	case float64:
		_, _ = d.SetFloat64(v)
	case string:
		_, _, _ = d.SetString(v)
	}
}

// IsBuy reports whether the order buys.
func (o *Order) IsBuy() bool {
	return !o.Amount.Negative && !o.Amount.IsZero()
}

// NewPayload is the body of an 'on' operation.
type NewPayload struct {
	GID           int64          `json:"gid,omitempty"`
	CID           int64          `json:"cid"`
	Type          Type           `json:"type"`
	Symbol        string         `json:"symbol"`
	Amount        string         `json:"amount"`
	Price         string         `json:"price,omitempty"`
	PriceTrailing string         `json:"price_trailing,omitempty"`
	PriceAuxLimit string         `json:"price_aux_limit,omitempty"`
	Flags         int            `json:"flags,omitempty"`
	TIF           string         `json:"tif,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// NewPayload builds the 'on' body for the order.
func (o *Order) NewPayload() NewPayload {
	p := NewPayload{
		GID:           o.GID,
		CID:           o.CID,
		Type:          o.Type,
		Symbol:        o.Symbol,
		Amount:        o.Amount.Text('f'),
		Price:         decimalText(&o.Price),
		PriceTrailing: decimalText(&o.PriceTrailing),
		PriceAuxLimit: decimalText(&o.PriceAuxLimit),
		Flags:         o.Flags,
		Meta:          o.Meta,
	}
	if !o.TIF.IsZero() {
		p.TIF = o.TIF.UTC().Format(time.DateTime)
	}
	return p
}

func decimalText(d *apd.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.Text('f')
}

// UpdatePayload is the body of an 'ou' operation. Empty fields are left unchanged.
type UpdatePayload struct {
	ID            int64  `json:"id" validate:"required"`
	Price         string `json:"price,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Delta         string `json:"delta,omitempty"`
	PriceTrailing string `json:"price_trailing,omitempty"`
	PriceAuxLimit string `json:"price_aux_limit,omitempty"`
	Flags         int    `json:"flags,omitempty"`
	TIF           string `json:"tif,omitempty"`
}

// CancelPayload is the body of an 'oc' operation.
type CancelPayload struct {
	ID int64 `json:"id"`
}

// CancelMultiPayload is the body of an 'oc_multi' operation.
type CancelMultiPayload struct {
	IDs []int64 `json:"id,omitempty"`
	All int     `json:"all,omitempty"`
}
