package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bfxstream/internal/ws/wstest"
	"bfxstream/pkg/core"
	"bfxstream/pkg/order"
)

func authedConnection(t *testing.T, cfg *core.Config) (*Connection, *wstest.Dialer, *errorSink) {
	t.Helper()
	c, d, sink := openConnection(t, cfg.WithCredentials("key", "secret"))
	require.NoError(t, c.Auth(context.Background()))
	return c, d, sink
}

func notificationFrame(op, status, text string, info []any) []any {
	return []any{0, "n", []any{1700000000000, op, nil, nil, info, nil, status, text}}
}

type orderResult struct {
	order *order.Order
	err   error
}

func TestSubmitOrder_Acknowledged(t *testing.T) {
	c, d, _ := authedConnection(t, testConfig())

	o, err := order.NewBuilder("tBTCUSD").Limit().Buy("0.5").Price("100").CID(42).Build()
	require.NoError(t, err)

	done := make(chan orderResult, 1)
	go func() {
		placed, err := c.SubmitOrder(context.Background(), o)
		done <- orderResult{placed, err}
	}()

	require.Eventually(t, func() bool { return len(d.Last().SentArrays()) == 1 }, waitFor, tick)
	frame := d.Last().SentArrays()[0]
	require.Len(t, frame, 4)
	assert.EqualValues(t, 0, frame[0])
	assert.Equal(t, order.OpNew, frame[1])
	assert.Nil(t, frame[2])
	payload := frame[3].(map[string]any)
	assert.EqualValues(t, 42, payload["cid"])
	assert.Equal(t, "tBTCUSD", payload["symbol"])
	assert.Equal(t, "0.5", payload["amount"])
	assert.Equal(t, "100", payload["price"])
	assert.Equal(t, 1, c.PendingOrderOps())

	d.Last().PushJSON(notificationFrame(order.OpNewRequest, "SUCCESS", "Submitting 1 orders.", []any{777, nil, 42, "tBTCUSD"}))

	res := <-done
	require.NoError(t, res.err)
	require.NotNil(t, res.order)
	assert.Equal(t, int64(777), res.order.ID)
	assert.Equal(t, int64(42), res.order.CID)
	assert.Equal(t, 0, c.PendingOrderOps())
}

func TestSubmitOrder_Rejected(t *testing.T) {
	c, d, sink := authedConnection(t, testConfig())

	o, err := order.NewBuilder("tBTCUSD").ExchangeLimit().Sell("1").Price("1").CID(7).Build()
	require.NoError(t, err)

	done := make(chan orderResult, 1)
	go func() {
		placed, err := c.SubmitOrder(context.Background(), o)
		done <- orderResult{placed, err}
	}()

	require.Eventually(t, func() bool { return c.PendingOrderOps() == 1 }, waitFor, tick)
	d.Last().PushJSON(notificationFrame(order.OpNewRequest, "ERROR", "Invalid order: not enough balance", []any{nil, nil, 7}))

	res := <-done
	require.Error(t, res.err)
	assert.True(t, core.IsOrderError(res.err))

	var orderErr *core.OrderError
	require.ErrorAs(t, res.err, &orderErr)
	assert.Equal(t, order.OpNewRequest, orderErr.Op)
	assert.Equal(t, int64(7), orderErr.ID)
	assert.Equal(t, "Invalid order: not enough balance", orderErr.Message)
	assert.True(t, c.IsAuthenticated())
	assert.Empty(t, sink.ofType(core.ErrorTypeOrder))
}

func TestSubmitOrder_AssignsCID(t *testing.T) {
	c, _, _ := authedConnection(t, testConfig())

	first := c.nextCID()
	second := c.nextCID()
	assert.Greater(t, second, first)

	o, err := order.NewBuilder("tBTCUSD").Market().Buy("1").Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.SubmitOrder(ctx, o)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, o.CID, second)
	assert.Equal(t, 0, c.PendingOrderOps())
}

func TestSubmitOrder_Errors(t *testing.T) {
	t.Run("not authenticated", func(t *testing.T) {
		c, _, _ := openConnection(t, testConfig())
		o, err := order.NewBuilder("tBTCUSD").Market().Buy("1").Build()
		require.NoError(t, err)

		_, err = c.SubmitOrder(context.Background(), o)
		assert.ErrorIs(t, err, core.ErrNotAuthenticated)
		assert.ErrorIs(t, c.CancelOrder(context.Background(), 1), core.ErrNotAuthenticated)
		assert.ErrorIs(t, c.CancelOrders([]int64{1}), core.ErrNotAuthenticated)
	})

	t.Run("invalid order", func(t *testing.T) {
		c, d, _ := authedConnection(t, testConfig())

		_, err := c.SubmitOrder(context.Background(), &order.Order{Symbol: "tBTCUSD", Type: order.TypeLimit})
		require.Error(t, err)
		assert.True(t, core.IsOrderError(err))
		assert.Empty(t, d.Last().SentArrays())
	})

	t.Run("duplicate cid", func(t *testing.T) {
		c, _, _ := authedConnection(t, testConfig())
		o, err := order.NewBuilder("tBTCUSD").Market().Buy("1").CID(5).Build()
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			_, _ = c.SubmitOrder(ctx, o)
		}()
		require.Eventually(t, func() bool { return c.PendingOrderOps() == 1 }, waitFor, tick)

		_, err = c.SubmitOrder(context.Background(), o)
		assert.ErrorIs(t, err, order.ErrDuplicatePending)
	})
}

func TestCancelAndUpdateOrder(t *testing.T) {
	c, d, _ := authedConnection(t, testConfig())

	cancelled := make(chan error, 1)
	go func() {
		cancelled <- c.CancelOrder(context.Background(), 99)
	}()
	require.Eventually(t, func() bool { return c.PendingOrderOps() == 1 }, waitFor, tick)
	d.Last().PushJSON(notificationFrame(order.OpCancelRequest, "SUCCESS", "Submitted for cancellation", []any{99}))
	require.NoError(t, <-cancelled)

	updated := make(chan orderResult, 1)
	go func() {
		o, err := c.UpdateOrder(context.Background(), order.UpdatePayload{ID: 99, Price: "101"})
		updated <- orderResult{o, err}
	}()
	require.Eventually(t, func() bool { return c.PendingOrderOps() == 1 }, waitFor, tick)
	d.Last().PushJSON(notificationFrame(order.OpUpdateRequest, "ERROR", "order not found", []any{99}))
	res := <-updated
	assert.True(t, core.IsOrderError(res.err))

	frames := d.Last().SentArrays()
	require.Len(t, frames, 2)
	assert.Equal(t, order.OpCancel, frames[0][1])
	assert.Equal(t, order.OpUpdate, frames[1][1])
	assert.Equal(t, "101", frames[1][3].(map[string]any)["price"])

	_, err := c.UpdateOrder(context.Background(), order.UpdatePayload{})
	assert.True(t, core.IsOrderError(err))
}

func TestOrderOps_Buffered(t *testing.T) {
	cfg := testConfig().WithOrderOpBuffer(20 * time.Millisecond)
	c, d, _ := authedConnection(t, cfg)

	for i := 0; i < order.MaxOpsPerFrame+1; i++ {
		require.NoError(t, c.CancelOrders([]int64{int64(i + 1)}))
	}
	assert.Empty(t, d.Last().SentArrays())

	require.Eventually(t, func() bool { return len(d.Last().SentArrays()) == 2 }, waitFor, tick)
	frames := d.Last().SentArrays()
	for _, f := range frames {
		assert.Equal(t, order.OpMulti, f[1])
	}
	assert.Len(t, frames[0][3], order.MaxOpsPerFrame)
	assert.Len(t, frames[1][3], 1)

	first := frames[0][3].([]any)[0].([]any)
	assert.Equal(t, order.OpCancelMulti, first[0])
	assert.Equal(t, []any{1.0}, first[1].(map[string]any)["id"])
}

func TestOrderListeners(t *testing.T) {
	c, d, _ := authedConnection(t, testConfig())

	rec := &recorder{}
	c.OnOrderSnapshot("orders", order.BySymbol("tBTCUSD"), func(orders []*order.Order) { rec.add("snapshot:%d", len(orders)) })
	c.OnOrderNew("orders", order.ByCID(42), func(o *order.Order) { rec.add("new:%d", o.ID) })
	c.OnOrderUpdate("orders", nil, func(o *order.Order) { rec.add("update:%d", o.ID) })
	c.OnOrderClose("orders", order.ByGID(3), func(o *order.Order) { rec.add("close:%d", o.ID) })
	c.OnNotification("orders", nil, func(n core.Notification) { rec.add("n:%s", n.Type) })

	d.Last().PushJSON([]any{0, "os", []any{
		[]any{1, nil, 10, "tBTCUSD"},
		[]any{2, nil, 11, "tETHUSD"},
	}})
	d.Last().PushJSON([]any{0, "on", []any{3, nil, 42, "tBTCUSD"}})
	d.Last().PushJSON([]any{0, "on", []any{4, nil, 43, "tBTCUSD"}})
	d.Last().PushJSON([]any{0, "ou", []any{3, nil, 42, "tBTCUSD"}})
	d.Last().PushJSON([]any{0, "oc", []any{3, 3, 42, "tBTCUSD"}})
	d.Last().PushJSON(notificationFrame("uca", "SUCCESS", "", nil))

	require.Eventually(t, func() bool { return len(rec.get()) == 5 }, waitFor, tick)
	assert.Equal(t, []string{"snapshot:1", "new:3", "update:3", "close:3", "n:uca"}, rec.get())
}
