package stream

import (
	"context"
	"time"

	"bfxstream/pkg/core"
	"bfxstream/pkg/order"
)

// SubmitOrder places o and waits for its on-req acknowledgement. A zero CID
// is assigned before sending. The returned order is the exchange's echo.
func (c *Connection) SubmitOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	if err := c.requireAuth("submit order"); err != nil {
		return nil, err
	}
	if err := order.Validate(o); err != nil {
		return nil, core.WrapError(core.ErrorTypeOrder, "submit order", err)
	}
	if o.CID == 0 {
		o.CID = c.nextCID()
	}

	key := order.Key{Op: order.OpNewRequest, ID: o.CID}
	return c.await(ctx, key, order.Op{Name: order.OpNew, Payload: o.NewPayload()})
}

// UpdateOrder changes a live order and waits for its ou-req acknowledgement.
func (c *Connection) UpdateOrder(ctx context.Context, changes order.UpdatePayload) (*order.Order, error) {
	if err := c.requireAuth("update order"); err != nil {
		return nil, err
	}
	if changes.ID == 0 {
		return nil, core.NewError(core.ErrorTypeOrder, "update order: id is required")
	}

	key := order.Key{Op: order.OpUpdateRequest, ID: changes.ID}
	return c.await(ctx, key, order.Op{Name: order.OpUpdate, Payload: changes})
}

// CancelOrder cancels order id and waits for its oc-req acknowledgement.
func (c *Connection) CancelOrder(ctx context.Context, id int64) error {
	if err := c.requireAuth("cancel order"); err != nil {
		return err
	}

	key := order.Key{Op: order.OpCancelRequest, ID: id}
	_, err := c.await(ctx, key, order.Op{Name: order.OpCancel, Payload: order.CancelPayload{ID: id}})
	return err
}

// CancelOrders cancels every order in ids with one oc_multi operation. The
// per-order acknowledgements reach OnNotification listeners.
func (c *Connection) CancelOrders(ids []int64) error {
	if err := c.requireAuth("cancel orders"); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	op := order.Op{Name: order.OpCancelMulti, Payload: order.CancelMultiPayload{IDs: ids}}
	if err := c.buffer.Push(op); err != nil {
		return core.WrapError(core.ErrorTypeConnection, "cancel orders", err)
	}
	return nil
}

// FlushOrderOps sends buffered order operations without waiting for the delay.
func (c *Connection) FlushOrderOps() error {
	return c.buffer.Flush()
}

// PendingOrderOps returns the number of order operations awaiting acknowledgement.
func (c *Connection) PendingOrderOps() int {
	return c.pending.Len()
}

func (c *Connection) requireAuth(op string) error {
	if !c.IsAuthenticated() {
		return core.WrapError(core.ErrorTypeConnection, op, core.ErrNotAuthenticated)
	}
	return nil
}

// await registers key, queues op and blocks until the acknowledgement or ctx
// ends. A cancelled wait forgets the key; a later acknowledgement is ignored.
func (c *Connection) await(ctx context.Context, key order.Key, op order.Op) (*order.Order, error) {
	results, err := c.pending.Add(key)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeOrder, op.Name, err)
	}
	if err := c.buffer.Push(op); err != nil {
		c.pending.Remove(key)
		return nil, core.WrapError(core.ErrorTypeConnection, op.Name, err)
	}
	c.logger.Debug().Str("op", op.Name).Int64("id", key.ID).Msg("order operation queued")

	select {
	case res := <-results:
		return res.Order, res.Err
	case <-ctx.Done():
		c.pending.Remove(key)
		return nil, ctx.Err()
	}
}

// nextCID returns a millisecond timestamp, bumped past the last one issued
// so that rapid submissions do not collide.
func (c *Connection) nextCID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cid := max(time.Now().UnixMilli(), c.lastCID+1)
	c.lastCID = cid
	return cid
}

// handleAuthMessage resolves pending order operations from notifications.
func (c *Connection) handleAuthMessage(msg Message) {
	if msg.Event != EventNotification {
		return
	}
	n := core.NotificationFromRaw(msg.Data)
	key, ok := order.KeyFromNotification(n)
	if !ok {
		return
	}
	if c.pending.Resolve(key, order.ResultFromNotification(key, n)) {
		c.logger.Debug().Str("op", key.Op).Int64("id", key.ID).Str("status", n.Status).Msg("order operation acknowledged")
		return
	}
	if !n.Success() {
		c.logger.Warn().Str("op", key.Op).Int64("id", key.ID).Str("status", n.Status).Str("text", n.Text).Msg("order operation failed")
	}
}
