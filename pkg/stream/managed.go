package stream

import (
	"fmt"

	"bfxstream/internal/metrics"
	"bfxstream/pkg/book"
	"bfxstream/pkg/core"
)

// ensureBookLocked creates the managed book for a book channel. Books are
// keyed by symbol.
func (c *Connection) ensureBookLocked(desc core.ChannelDescriptor) *book.Book {
	b, ok := c.books[desc.Symbol]
	if !ok || b.Raw != desc.RawBook() {
		b = book.New(desc.Symbol, desc.RawBook())
		b.SetLogger(c.logger)
		c.books[desc.Symbol] = b
	}
	return b
}

// applyManaged folds a book or candle frame into the local aggregates. It
// reports false when the frame was rejected; rejected frames are not
// dispatched.
func (c *Connection) applyManaged(msg Message) bool {
	switch msg.Channel.Kind {
	case core.ChannelBook:
		if !c.config.ManageOrderBooks {
			return true
		}
		levels := levelsFromMessage(msg)

		applied := true
		c.mu.Lock()
		b := c.ensureBookLocked(msg.Channel)
		if msg.Snapshot {
			b.Snapshot(levels)
		} else {
			for _, l := range levels {
				if !b.Update(l) {
					applied = false
				}
			}
		}
		c.mu.Unlock()
		return applied

	case core.ChannelCandles:
		if !c.config.ManageCandles {
			return true
		}
		candles := candlesFromMessage(msg)
		if msg.Snapshot {
			c.candles.Snapshot(msg.Channel.Key, candles)
			return true
		}
		for _, cd := range candles {
			if err := c.candles.Update(msg.Channel.Key, cd); err != nil {
				c.emitError(err)
				return false
			}
		}
	}
	return true
}

func (c *Connection) handleChecksum(desc core.ChannelDescriptor, remote int64) {
	if !c.config.Checksums || !c.config.ManageOrderBooks || desc.Kind != core.ChannelBook {
		return
	}

	c.mu.Lock()
	b, ok := c.books[desc.Symbol]
	var err error
	if ok {
		err = b.Verify(int32(remote))
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("symbol", desc.Symbol).Msg("checksum for book without local state")
		return
	}
	if err != nil {
		metrics.RecordChecksumMismatch(desc.Symbol)
		c.emitError(err)
	}
}

// GetOrderBook returns a copy of the managed book for symbol.
func (c *Connection) GetOrderBook(symbol string) (*book.Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.books[symbol]
	if !ok {
		return nil, core.WrapError(core.ErrorTypeSubscription, fmt.Sprintf("order book %s", symbol), core.ErrUnknownChannel)
	}
	return b.Copy(), nil
}

// GetCandles returns a copy of the managed candle series for key, newest first.
func (c *Connection) GetCandles(key string) ([]core.Candle, bool) {
	return c.candles.Get(key)
}

// SeedCandles merges historical candles, e.g. fetched over REST, into the
// series for key. Entries already received on the stream are kept.
func (c *Connection) SeedCandles(key string, candles []core.Candle) {
	c.candles.Seed(key, candles)
}
