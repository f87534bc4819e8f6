package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Builder provides a fluent interface for constructing orders.
// It keeps the first error and reports it on Build.
//
// Example:
//
//	o, err := order.NewBuilder("tBTCUSD").
//	    ExchangeLimit().
//	    Buy("0.01").
//	    Price("50000").
//	    PostOnly().
//	    Build()
type Builder struct {
	order *Order
	err   error
}

// NewBuilder creates a builder for the given symbol.
func NewBuilder(symbol string) *Builder {
	return &Builder{order: &Order{Symbol: symbol}}
}

// Type sets the order type.
func (b *Builder) Type(t Type) *Builder {
	if b.err != nil {
		return b
	}
	b.order.Type = t
	return b
}

// Limit sets the order type to margin LIMIT.
func (b *Builder) Limit() *Builder {
	return b.Type(TypeLimit)
}

// Market sets the order type to margin MARKET.
func (b *Builder) Market() *Builder {
	return b.Type(TypeMarket)
}

// ExchangeLimit sets the order type to EXCHANGE LIMIT.
func (b *Builder) ExchangeLimit() *Builder {
	return b.Type(TypeExchangeLimit)
}

// ExchangeMarket sets the order type to EXCHANGE MARKET.
func (b *Builder) ExchangeMarket() *Builder {
	return b.Type(TypeExchangeMarket)
}

// Amount sets the signed order amount.
func (b *Builder) Amount(amount string) *Builder {
	if b.err != nil {
		return b
	}
	if _, _, err := b.order.Amount.SetString(amount); err != nil {
		b.err = fmt.Errorf("parse amount: %w", err)
	}
	return b
}

// Buy sets a positive amount of qty.
func (b *Builder) Buy(qty string) *Builder {
	b.Amount(qty)
	if b.err == nil {
		b.order.Amount.Negative = false
	}
	return b
}

// Sell sets a negative amount of qty.
func (b *Builder) Sell(qty string) *Builder {
	b.Amount(qty)
	if b.err == nil && !b.order.Amount.IsZero() {
		b.order.Amount.Negative = true
	}
	return b
}

// Price sets the limit or trigger price.
func (b *Builder) Price(price string) *Builder {
	if b.err != nil {
		return b
	}
	if _, _, err := b.order.Price.SetString(price); err != nil {
		b.err = fmt.Errorf("parse price: %w", err)
	}
	return b
}

// PriceDecimal sets the price from an apd.Decimal value.
func (b *Builder) PriceDecimal(price apd.Decimal) *Builder {
	if b.err != nil {
		return b
	}
	b.order.Price.Set(&price)
	return b
}

// PriceAuxLimit sets the limit price of a STOP LIMIT order.
func (b *Builder) PriceAuxLimit(price string) *Builder {
	if b.err != nil {
		return b
	}
	if _, _, err := b.order.PriceAuxLimit.SetString(price); err != nil {
		b.err = fmt.Errorf("parse aux limit price: %w", err)
	}
	return b
}

// GID sets the group id.
func (b *Builder) GID(gid int64) *Builder {
	b.order.GID = gid
	return b
}

// CID sets the client id. When unset, the connection assigns one on submit.
func (b *Builder) CID(cid int64) *Builder {
	b.order.CID = cid
	return b
}

// Flags ORs flags into the order.
func (b *Builder) Flags(flags int) *Builder {
	b.order.Flags |= flags
	return b
}

// Hidden hides the order from the public book.
func (b *Builder) Hidden() *Builder {
	return b.Flags(FlagHidden)
}

// PostOnly rejects the order if it would take liquidity.
func (b *Builder) PostOnly() *Builder {
	return b.Flags(FlagPostOnly)
}

// ReduceOnly restricts a margin order to reducing the position.
func (b *Builder) ReduceOnly() *Builder {
	return b.Flags(FlagReduceOnly)
}

// TIF sets the automatic cancellation time.
func (b *Builder) TIF(at time.Time) *Builder {
	b.order.TIF = at
	return b
}

// Meta attaches free-form metadata.
func (b *Builder) Meta(meta map[string]any) *Builder {
	b.order.Meta = meta
	return b
}

// Build validates and returns the constructed order.
func (b *Builder) Build() (*Order, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := Validate(b.order); err != nil {
		return nil, err
	}
	return b.order, nil
}

// Validate checks the fields required to submit o.
func Validate(o *Order) error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("order validation: %w", err)
	}
	if o.Amount.IsZero() {
		return errors.New("amount must be non-zero")
	}
	if o.Type.RequiresPrice() && (o.Price.IsZero() || o.Price.Negative) {
		return fmt.Errorf("price must be positive for %s orders", o.Type)
	}
	return nil
}
