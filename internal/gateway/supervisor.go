package gateway

import (
	"go.uber.org/zap"

	"gwc-core/internal/dispatch"
	"gwc-core/internal/record"
)

// supervisor 为分发器提供链路层动作，全部在事件循环上执行。
type supervisor Connector

func (s *supervisor) c() *Connector { return (*Connector)(s) }

// RequestRetransmit 发送重传请求，区间为 [Expected, Received)。恢复链路未建立时
// 先在后台拨号，请求挂起到链路就绪，期间事件循环照常运行。
func (s *supervisor) RequestRetransmit(gap *dispatch.GapError) error {
	c := s.c()
	if c.observer != nil {
		c.observer.Gap(gap.Expected, gap.Received)
	}
	if c.recovery != nil {
		return c.sendRetransmit(gap)
	}

	dialing := c.pendingGap != nil
	c.pendingGap = gap
	if !dialing {
		c.recoveryGen++
		c.logger.Info("连接恢复端点", zap.String("addr", c.cfg.recoveryHost))
		c.dial(EndpointRecovery, c.cfg.recoveryHost, c.recoveryGen)
	}
	return nil
}

func (c *Connector) sendRetransmit(gap *dispatch.GapError) error {
	req := record.NewMessage(record.MsgTypeRetransmitRequest)
	req.SetInteger(record.FieldBeginSeqNo, int64(gap.Expected))
	req.SetInteger(record.FieldEndSeqNo, int64(gap.Received-1))
	req.SetInteger(record.FieldMessageCount, int64(gap.Received-gap.Expected))
	frame, err := c.codec.Encode(req)
	if err != nil {
		return err
	}
	if !c.recovery.enqueue(frame) {
		return &ConnectionError{Endpoint: EndpointRecovery, Addr: c.cfg.recoveryHost, Err: ErrOutboundFull}
	}
	c.logger.Info("请求重传",
		zap.Uint64("from", gap.Expected),
		zap.Uint64("to", gap.Received),
	)
	return nil
}

func (s *supervisor) LoggedOn(seqno uint64) {
	c := s.c()
	c.failures.Store(0)
	c.logonC = nil
	c.logger.Info("会话已登录", zap.Uint64("next_seqno", seqno))
}

// LoggedOff 会话结束：关闭链路，不再重连。停止流程中由 shutdown 负责关闭。
func (s *supervisor) LoggedOff() {
	c := s.c()
	if c.stopping {
		return
	}
	c.reconnectC = nil
	if err := c.closeLinks(c.cfg.logoffTimeout); err != nil {
		c.logger.Debug("关闭链路出错", zap.Error(err))
	}
	c.logger.Info("会话已登出")
}

func (s *supervisor) Fail(err error) {
	s.c().fail(err)
}

// Checkpoint 持久化最后处理的序号。
func (s *supervisor) Checkpoint(seqno uint64) {
	c := s.c()
	if c.seqno == nil {
		return
	}
	if err := c.seqno.SaveSeqno(c.loopCtx, c.cfg.seqnoKey, seqno); err != nil {
		c.logger.Warn("持久化序号失败", zap.Uint64("seqno", seqno), zap.Error(err))
	}
}
