package stream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bfxstream/pkg/core"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func subscribeAndWait(t *testing.T, c *Connection, kind core.ChannelKind, params core.ChannelParams) int {
	t.Helper()
	_, err := c.ManagedSubscribe(kind, params)
	require.NoError(t, err)

	var id int
	require.Eventually(t, func() bool {
		var ok bool
		id, ok = c.FindChannel(kind, params)
		return ok
	}, waitFor, tick)
	return id
}

func TestDispatch_GroupsAndFilters(t *testing.T) {
	c, d, _ := openConnection(t, testConfig())
	btc := subscribeAndWait(t, c, core.ChannelTicker, TickerParams("tBTCUSD"))
	eth := subscribeAndWait(t, c, core.ChannelTicker, TickerParams("tETHUSD"))

	rec := &recorder{}
	c.OnTicker("a", TickerParams("tBTCUSD"), func(tk core.Ticker) { rec.add("a:btc:%v", tk.LastPrice) })
	c.OnMessage("a", func(m Message) { rec.add("a:all:%s", m.Channel.Symbol) })
	c.OnTicker("b", nil, func(tk core.Ticker) { rec.add("b:ticker:%s", tk.Symbol) })
	assert.Equal(t, 3, c.ListenerCount())

	ticker := []any{1, 1, 2, 1, 0, 0, 1.5, 100, 2, 1}
	d.Last().PushJSON([]any{btc, ticker})
	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"a:all:tBTCUSD", "a:btc:1.5", "b:ticker:tBTCUSD"}, rec.get())

	rec.reset()
	d.Last().PushJSON([]any{eth, ticker})
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"a:all:tETHUSD", "b:ticker:tETHUSD"}, rec.get())

	assert.Equal(t, 2, c.RemoveListeners("a"))
	assert.Equal(t, 0, c.RemoveListeners("a"))

	rec.reset()
	d.Last().PushJSON([]any{btc, ticker})
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"b:ticker:tBTCUSD"}, rec.get())
}

func TestDispatch_HeartbeatsAreNotDelivered(t *testing.T) {
	c, d, _ := openConnection(t, testConfig())
	id := subscribeAndWait(t, c, core.ChannelTicker, TickerParams("tBTCUSD"))

	rec := &recorder{}
	c.OnMessage("all", func(m Message) { rec.add("%s", m.Event) })

	d.Last().PushJSON([]any{id, "hb"})
	d.Last().PushJSON([]any{id, []any{1, 1, 2, 1, 0, 0, 1.5, 100, 2, 1}})

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{""}, rec.get())
}

func TestDispatch_Trades(t *testing.T) {
	c, d, _ := openConnection(t, testConfig())
	id := subscribeAndWait(t, c, core.ChannelTrades, TradesParams("tBTCUSD"))

	var mu sync.Mutex
	var batches [][]core.Trade
	c.OnTrades("t", nil, func(trades []core.Trade) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, trades)
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(batches)
	}

	d.Last().PushJSON([]any{id, []any{
		[]any{2, 1700000001000, -0.5, 101},
		[]any{1, 1700000000000, 0.25, 100},
	}})
	d.Last().PushJSON([]any{id, "te", []any{3, 1700000002000, 1, 102}})
	d.Last().PushJSON([]any{id, "tu", []any{3, 1700000002000, 1, 102}})
	d.Last().PushJSON([]any{id, "te", []any{4, 1700000003000, 2, 103}})

	require.Eventually(t, func() bool { return count() == 3 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches[0], 2)
	assert.Equal(t, int64(2), batches[0][0].ID)
	assert.Equal(t, -0.5, batches[0][0].Amount)
	assert.Equal(t, "tBTCUSD", batches[0][0].Symbol)
	require.Len(t, batches[1], 1)
	assert.Equal(t, int64(3), batches[1][0].ID)
	assert.Equal(t, 102.0, batches[1][0].Price)
	assert.Equal(t, int64(4), batches[2][0].ID)
}

func TestDispatch_TransformRecords(t *testing.T) {
	cfg := testConfig()
	cfg.Transform = true
	c, d, _ := openConnection(t, cfg)
	id := subscribeAndWait(t, c, core.ChannelTicker, TickerParams("tBTCUSD"))

	records := make(chan any, 1)
	c.OnMessage("all", func(m Message) { records <- m.Record })

	d.Last().PushJSON([]any{id, []any{1, 1, 2, 1, 0, 0, 1.5, 100, 2, 1}})

	rec := <-records
	tk, ok := rec.(core.Ticker)
	require.True(t, ok)
	assert.Equal(t, "tBTCUSD", tk.Symbol)
	assert.Equal(t, 100.0, tk.Volume)
}

func TestRefKey(t *testing.T) {
	a := refKey(core.ChannelBook, core.ChannelParams{"symbol": "tBTCUSD", "prec": "P0", "len": "25"})
	b := refKey(core.ChannelBook, core.ChannelParams{"len": "25", "symbol": "tBTCUSD", "prec": "P0"})
	assert.Equal(t, a, b)
	assert.Equal(t, "book|len=25|prec=P0|symbol=tBTCUSD", a)

	assert.NotEqual(t, refKey(core.ChannelTicker, TickerParams("tBTCUSD")), refKey(core.ChannelTrades, TradesParams("tBTCUSD")))
}

func TestDecodeMessage(t *testing.T) {
	desc := core.ChannelDescriptor{ID: 5, Kind: core.ChannelBook, Symbol: "tBTCUSD"}

	tests := []struct {
		name     string
		frame    []any
		event    string
		snapshot bool
		size     int
	}{
		{"snapshot", []any{5.0, []any{[]any{100.0, 1.0, 1.0}}}, "", true, 1},
		{"update", []any{5.0, []any{100.0, 1.0, 1.0}}, "", false, 3},
		{"tagged", []any{5.0, "te", []any{1.0, 2.0, 3.0, 4.0}}, "te", false, 4},
		{"empty snapshot", []any{5.0, []any{}}, "", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := decodeMessage(desc, tt.frame)
			assert.Equal(t, tt.event, m.Event)
			assert.Equal(t, tt.snapshot, m.Snapshot)
			assert.Len(t, m.Data, tt.size)
			assert.Equal(t, desc, m.Channel)
		})
	}
}

func TestChannelLabel(t *testing.T) {
	assert.Equal(t, "book:tBTCUSD:P0#7", ChannelLabel(core.ChannelDescriptor{ID: 7, Kind: core.ChannelBook, Symbol: "tBTCUSD", Prec: "P0"}))
	assert.Equal(t, "candles:trade:1m:tBTCUSD#2", ChannelLabel(core.ChannelDescriptor{ID: 2, Kind: core.ChannelCandles, Key: "trade:1m:tBTCUSD"}))
	assert.Equal(t, "ticker:tETHUSD", ChannelLabel(core.ChannelDescriptor{Kind: core.ChannelTicker, Symbol: "tETHUSD"}))
}
