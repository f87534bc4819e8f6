// Package book maintains locally consistent order books from snapshot and
// incremental update frames, and computes the checksum the exchange uses to
// detect divergence.
package book

import (
	"cmp"
	"hash/crc32"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/rs/zerolog"

	"bfxstream/pkg/core"
)

// ChecksumDepth is the number of levels per side covered by the checksum.
const ChecksumDepth = 25

// Level is one book entry. Aggregated books key levels by Price and carry
// Count; raw books key them by OrderID.
type Level struct {
	Price   float64 `json:"price"`
	Count   int64   `json:"count,omitempty"`
	Amount  float64 `json:"amount"`
	OrderID int64   `json:"order_id,omitempty"`
}

// LevelFromRaw decodes a positional entry: [price, count, amount] for
// aggregated books, [orderId, price, amount] for raw books.
func LevelFromRaw(raw []any, rawBook bool) Level {
	if rawBook {
		return Level{
			OrderID: core.Int(raw, 0),
			Price:   core.Float(raw, 1),
			Amount:  core.Float(raw, 2),
		}
	}
	return Level{
		Price:  core.Float(raw, 0),
		Count:  core.Int(raw, 1),
		Amount: core.Float(raw, 2),
	}
}

// Book is the order book of one symbol. Bids are sorted by descending price
// and asks by ascending price. A Book is not safe for concurrent mutation; its
// owning connection serialises updates.
type Book struct {
	Symbol string  `json:"symbol"`
	Raw    bool    `json:"raw"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`

	logger zerolog.Logger
}

// New creates an empty book.
func New(symbol string, raw bool) *Book {
	return &Book{Symbol: symbol, Raw: raw, logger: zerolog.Nop()}
}

// SetLogger configures the logger used for update anomalies.
func (b *Book) SetLogger(logger zerolog.Logger) {
	b.logger = logger
}

// Snapshot replaces the book contents. Entries are split by amount sign and sorted.
func (b *Book) Snapshot(levels []Level) {
	b.Bids = b.Bids[:0]
	b.Asks = b.Asks[:0]
	for _, l := range levels {
		switch {
		case l.Amount > 0:
			b.Bids = append(b.Bids, l)
		case l.Amount < 0:
			b.Asks = append(b.Asks, l)
		}
	}
	slices.SortStableFunc(b.Bids, func(x, y Level) int { return cmp.Compare(y.Price, x.Price) })
	slices.SortStableFunc(b.Asks, func(x, y Level) int { return cmp.Compare(x.Price, y.Price) })
}

// Update applies one incremental entry and reports whether the book changed.
// Removing a level that is not present is logged and ignored.
func (b *Book) Update(entry Level) bool {
	var side *[]Level
	bid := entry.Amount > 0
	switch {
	case entry.Amount > 0:
		side = &b.Bids
	case entry.Amount < 0:
		side = &b.Asks
	default:
		return false
	}

	removal := b.isRemoval(entry)
	if len(*side) == 0 && !removal {
		*side = append(*side, entry)
		return true
	}

	idx := slices.IndexFunc(*side, func(l Level) bool { return b.sameLevel(l, entry) })
	switch {
	case idx >= 0 && removal:
		*side = slices.Delete(*side, idx, idx+1)
		return true
	case idx >= 0 && (!b.Raw || (*side)[idx].Price == entry.Price):
		(*side)[idx] = entry
		return true
	case idx >= 0:
		// A raw order moved price; reinsert it to keep the side sorted.
		*side = slices.Delete(*side, idx, idx+1)
	case removal:
		b.logger.Warn().
			Str("symbol", b.Symbol).
			Float64("price", entry.Price).
			Int64("order_id", entry.OrderID).
			Msg("update removes unknown level")
		return false
	}

	*side = slices.Insert(*side, insertIndex(*side, entry.Price, bid), entry)
	return true
}

func (b *Book) isRemoval(entry Level) bool {
	if b.Raw {
		return entry.Price == 0
	}
	return entry.Count == 0
}

func (b *Book) sameLevel(l, entry Level) bool {
	if b.Raw {
		return l.OrderID == entry.OrderID
	}
	return l.Price == entry.Price
}

// insertIndex returns the first index whose price is further from the best
// price than price, or len(side) when there is none.
func insertIndex(side []Level, price float64, bid bool) int {
	for i, l := range side {
		if (bid && l.Price < price) || (!bid && l.Price > price) {
			return i
		}
	}
	return len(side)
}

// Checksum returns the signed CRC-32 of the top levels, interleaved bid then
// ask, each contributing its price rounded to five significant figures (the
// order id for raw books) and its amount, joined with ':'.
func (b *Book) Checksum() int32 {
	parts := make([]string, 0, ChecksumDepth*4)
	for i := 0; i < ChecksumDepth; i++ {
		if i < len(b.Bids) {
			parts = append(parts, b.checksumKey(b.Bids[i]), formatAmount(b.Bids[i].Amount))
		}
		if i < len(b.Asks) {
			parts = append(parts, b.checksumKey(b.Asks[i]), formatAmount(b.Asks[i].Amount))
		}
	}
	return int32(crc32.ChecksumIEEE([]byte(strings.Join(parts, ":"))))
}

// Verify compares the local checksum with a server-delivered value.
func (b *Book) Verify(remote int32) error {
	local := b.Checksum()
	if local != remote {
		return &core.ChecksumError{Symbol: b.Symbol, Local: local, Remote: remote}
	}
	return nil
}

func (b *Book) checksumKey(l Level) string {
	if b.Raw {
		return strconv.FormatInt(l.OrderID, 10)
	}
	return formatPrice(l.Price)
}

var significant = apd.Context{
	Precision:   5,
	MaxExponent: apd.MaxExponent,
	MinExponent: apd.MinExponent,
	Traps:       apd.DefaultTraps,
	Rounding:    apd.RoundHalfUp,
}

func formatPrice(price float64) string {
	var d apd.Decimal
	if _, err := d.SetFloat64(price); err != nil {
		return formatAmount(price)
	}
	if _, err := significant.Round(&d, &d); err != nil {
		return formatAmount(price)
	}
	rounded, err := d.Float64()
	if err != nil {
		return formatAmount(price)
	}
	return formatAmount(rounded)
}

// formatAmount renders v the way the exchange's reference client stringifies
// numbers: shortest digits, with exponent form below 1e-6 and from 1e21.
func formatAmount(v float64) string {
	if abs := math.Abs(v); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		mant, exp, _ := strings.Cut(strconv.FormatFloat(v, 'e', -1, 64), "e")
		return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns the average of the best bid and ask.
func (b *Book) MidPrice() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Copy returns a deep copy that shares no slices with b.
func (b *Book) Copy() *Book {
	return &Book{
		Symbol: b.Symbol,
		Raw:    b.Raw,
		Bids:   slices.Clone(b.Bids),
		Asks:   slices.Clone(b.Asks),
		logger: b.logger,
	}
}
