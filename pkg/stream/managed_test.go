package stream

import (
	"hash/crc32"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bfxstream/pkg/book"
	"bfxstream/pkg/core"
)

func TestManagedOrderBook(t *testing.T) {
	cfg := testConfig().WithManagedState(true, false).WithSequencing(false, true)
	c, d, sink := openConnection(t, cfg)
	require.Eventually(t, c.confirmed, waitFor, tick)

	params := BookParams("tBTCUSD", "P0", "25")
	id := subscribeAndWait(t, c, core.ChannelBook, params)

	var mu sync.Mutex
	var updates []BookUpdate
	c.OnOrderBook("book", core.ChannelParams{"symbol": "tBTCUSD"}, func(u BookUpdate) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})

	d.Last().PushJSON([]any{id, []any{
		[]any{100, 2, 10},
		[]any{200, 2, -10},
	}})
	d.Last().PushJSON([]any{id, "cs", int32(crc32.ChecksumIEEE([]byte("100:10:200:-10")))})
	d.Last().PushJSON([]any{id, []any{100, 0, 1}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 2
	}, waitFor, tick)
	assert.Empty(t, sink.ofType(core.ErrorTypeChecksum))

	b, err := c.GetOrderBook("tBTCUSD")
	require.NoError(t, err)
	assert.Empty(t, b.Bids)
	require.Len(t, b.Asks, 1)
	assert.Equal(t, 200.0, b.Asks[0].Price)

	mu.Lock()
	assert.True(t, updates[0].Snapshot)
	assert.Len(t, updates[0].Levels, 2)
	assert.False(t, updates[1].Snapshot)
	assert.Equal(t, []book.Level{{Price: 100, Count: 0, Amount: 1}}, updates[1].Levels)
	mu.Unlock()

	d.Last().PushJSON([]any{id, "cs", 12345})
	require.Eventually(t, func() bool { return len(sink.ofType(core.ErrorTypeChecksum)) == 1 }, waitFor, tick)

	var csErr *core.ChecksumError
	require.ErrorAs(t, sink.ofType(core.ErrorTypeChecksum)[0], &csErr)
	assert.Equal(t, "tBTCUSD", csErr.Symbol)
	assert.Equal(t, int32(12345), csErr.Remote)
	assert.Equal(t, b.Checksum(), csErr.Local)
	assert.True(t, c.IsOpen())
}

func TestManagedOrderBook_RejectedUpdateNotDispatched(t *testing.T) {
	cfg := testConfig().WithManagedState(true, false)
	c, d, _ := openConnection(t, cfg)
	id := subscribeAndWait(t, c, core.ChannelBook, BookParams("tBTCUSD", "P0", "25"))

	var mu sync.Mutex
	var updates []BookUpdate
	var messages int
	c.OnOrderBook("book", nil, func(u BookUpdate) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})
	c.OnMessage("all", func(Message) {
		mu.Lock()
		defer mu.Unlock()
		messages++
	})

	d.Last().PushJSON([]any{id, []any{[]any{100, 1, 1}}})
	d.Last().PushJSON([]any{id, []any{555, 0, 1}})
	d.Last().PushJSON([]any{id, []any{101, 1, 2}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 2
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, 2, messages)
	assert.True(t, updates[0].Snapshot)
	assert.Equal(t, []book.Level{{Price: 101, Count: 1, Amount: 2}}, updates[1].Levels)
	mu.Unlock()

	b, err := c.GetOrderBook("tBTCUSD")
	require.NoError(t, err)
	assert.Equal(t, []book.Level{{Price: 101, Count: 1, Amount: 2}, {Price: 100, Count: 1, Amount: 1}}, b.Bids)
}

func TestManagedOrderBook_CopyIsIsolated(t *testing.T) {
	cfg := testConfig().WithManagedState(true, false)
	c, d, _ := openConnection(t, cfg)
	id := subscribeAndWait(t, c, core.ChannelBook, BookParams("tBTCUSD", "", ""))

	d.Last().PushJSON([]any{id, []any{[]any{100, 1, 1}}})
	require.Eventually(t, func() bool {
		b, err := c.GetOrderBook("tBTCUSD")
		return err == nil && len(b.Bids) == 1
	}, waitFor, tick)

	b, err := c.GetOrderBook("tBTCUSD")
	require.NoError(t, err)
	b.Bids[0].Amount = 99

	again, err := c.GetOrderBook("tBTCUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.Bids[0].Amount)

	_, err = c.GetOrderBook("tETHUSD")
	assert.ErrorIs(t, err, core.ErrUnknownChannel)

	_, err = c.UnsubscribeOrderBook("tBTCUSD", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := c.GetOrderBook("tBTCUSD")
		return err != nil
	}, waitFor, tick)
}

func TestManagedCandles(t *testing.T) {
	cfg := testConfig().WithManagedState(false, true)
	c, d, sink := openConnection(t, cfg)

	key := "trade:1m:tBTCUSD"
	c.SeedCandles(key, []core.Candle{{MTS: 500, Open: 1}})
	id := subscribeAndWait(t, c, core.ChannelCandles, CandleParams(key))

	d.Last().PushJSON([]any{id, []any{
		[]any{2000, 1, 2, 3, 0.5, 10},
		[]any{1000, 1, 2, 3, 0.5, 10},
	}})
	d.Last().PushJSON([]any{id, []any{3000, 2, 3, 4, 1, 5}})
	d.Last().PushJSON([]any{id, []any{3000, 2, 4, 4, 1, 6}})

	require.Eventually(t, func() bool {
		series, ok := c.GetCandles(key)
		return ok && len(series) == 3 && series[0].Volume == 6
	}, waitFor, tick)

	series, _ := c.GetCandles(key)
	assert.Equal(t, []int64{3000, 2000, 1000}, []int64{series[0].MTS, series[1].MTS, series[2].MTS})
	assert.Equal(t, 4.0, series[0].Close)
	assert.Empty(t, sink.all())

	_, err := c.UnsubscribeCandles(key)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := c.GetCandles(key)
		return !ok
	}, waitFor, tick)
}

func TestManagedCandles_UpdateWithoutSnapshot(t *testing.T) {
	cfg := testConfig().WithManagedState(false, true)
	c, d, sink := openConnection(t, cfg)

	key := "trade:5m:tETHUSD"
	id := subscribeAndWait(t, c, core.ChannelCandles, CandleParams(key))
	d.Last().PushJSON([]any{id, []any{3000, 2, 3, 4, 1, 5}})

	require.Eventually(t, func() bool { return len(sink.ofType(core.ErrorTypeSubscription)) == 1 }, waitFor, tick)
	_, ok := c.GetCandles(key)
	assert.False(t, ok)
}

func TestManagedCandles_UnknownKeyNotDispatched(t *testing.T) {
	cfg := testConfig().WithManagedState(false, true)
	c, d, sink := openConnection(t, cfg)

	key := "trade:1m:tETHUSD"
	id := subscribeAndWait(t, c, core.ChannelCandles, CandleParams(key))

	var mu sync.Mutex
	var updates []CandleUpdate
	var messages int
	c.OnCandles("candles", nil, func(u CandleUpdate) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})
	c.OnMessage("all", func(Message) {
		mu.Lock()
		defer mu.Unlock()
		messages++
	})

	d.Last().PushJSON([]any{id, []any{3000, 2, 3, 4, 1, 5}})
	require.Eventually(t, func() bool { return len(sink.ofType(core.ErrorTypeSubscription)) == 1 }, waitFor, tick)

	d.Last().PushJSON([]any{id, []any{[]any{4000, 2, 3, 4, 1, 5}}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, 1, messages)
	assert.True(t, updates[0].Snapshot)
	mu.Unlock()
}
