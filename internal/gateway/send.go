package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"gwc-core/internal/order"
	"gwc-core/internal/record"
	"gwc-core/internal/session"
)

// sendableLocked 校验会话可发送。调用方持有 mu。
func (c *Connector) sendableLocked() error {
	if c.registry == nil {
		return ErrNotInitialised
	}
	if !c.machine.State().Active() || c.rt == nil {
		return fmt.Errorf("%w: state %s", ErrNotLoggedOn, c.machine.State())
	}
	return nil
}

// SendOrder 登记并发送新订单。恢复期间拒绝新单，改撤单不受限。入队失败时登记被撤销。
func (c *Connector) SendOrder(rec *record.Record) error {
	o, err := order.FromRecord(rec)
	if err != nil {
		return err
	}
	out := withMsgType(rec, record.MsgTypeNewOrder)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendableLocked(); err != nil {
		return err
	}
	if st := c.machine.State(); st == session.Recovering {
		return fmt.Errorf("%w: state %s", ErrRecovering, st)
	}
	if _, err := c.registry.Submit(o); err != nil {
		return err
	}
	if err := c.enqueueLocked(out); err != nil {
		_ = c.registry.Rollback(o.ClientOrderID)
		return err
	}
	if err := c.registry.Commit(o.ClientOrderID); err != nil {
		return err
	}
	c.logger.Debug("订单已发送", zap.String("client_order_id", o.ClientOrderID))
	return nil
}

// SendModify 以新的 ClOrdID 改单，OrigClOrdID 指向当前链头。
func (c *Connector) SendModify(rec *record.Record) error {
	return c.sendSupersede(rec, record.MsgTypeOrderReplace, (*order.Registry).Modify)
}

// SendCancel 以新的 ClOrdID 撤单。
func (c *Connector) SendCancel(rec *record.Record) error {
	return c.sendSupersede(rec, record.MsgTypeOrderCancel, (*order.Registry).Cancel)
}

func (c *Connector) sendSupersede(rec *record.Record, msgType string,
	apply func(*order.Registry, string, order.Order) (order.Order, error)) error {
	o, err := order.FromRecord(rec)
	if err != nil {
		return err
	}
	out := withMsgType(rec, msgType)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendableLocked(); err != nil {
		return err
	}
	if _, err := apply(c.registry, o.ClientOrderID, o); err != nil {
		return err
	}
	if err := c.enqueueLocked(out); err != nil {
		_ = c.registry.Rollback(o.ClientOrderID)
		return err
	}
	c.logger.Debug("改撤单已发送",
		zap.String("msg_type", msgType),
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("orig_client_order_id", o.OrigClientOrderID),
	)
	return nil
}

// SendMsg 发送不经订单登记的记录，记录必须带 MsgType。
func (c *Connector) SendMsg(rec *record.Record) error {
	if rec == nil || rec.MsgType() == "" {
		return fmt.Errorf("gateway: 记录缺少 %s", record.FieldMsgType)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendableLocked(); err != nil {
		return err
	}
	return c.enqueueLocked(rec)
}

// TraderLogon 在已登录的会话上登录交易员，rec 可携带场所要求的额外字段。
// 结果经 OnTraderLogonOn 或 OnAdmin 异步返回。
func (c *Connector) TraderLogon(traderID string, rec *record.Record) error {
	if traderID == "" {
		return fmt.Errorf("gateway: trader id 不能为空")
	}
	out := record.NewMessage(record.MsgTypeTraderLogon)
	if rec != nil {
		out = rec.Clone()
		out.SetString(record.FieldMsgType, record.MsgTypeTraderLogon)
	}
	out.SetString(record.FieldTraderID, traderID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendableLocked(); err != nil {
		return err
	}
	if err := c.enqueueLocked(out); err != nil {
		return err
	}
	c.logger.Info("发送交易员登录", zap.String("trader_id", traderID))
	return nil
}

// SendRaw 原样发送字节，需开启 enable_raw_messages。
func (c *Connector) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.raw {
		return ErrRawDisabled
	}
	if err := c.sendableLocked(); err != nil {
		return err
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	if !c.rt.enqueue(frame) {
		return ErrOutboundFull
	}
	return nil
}

func withMsgType(rec *record.Record, msgType string) *record.Record {
	if rec.MsgType() != "" {
		return rec
	}
	out := rec.Clone()
	out.SetString(record.FieldMsgType, msgType)
	return out
}
