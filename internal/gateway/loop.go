package gateway

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gwc-core/internal/dispatch"
	"gwc-core/internal/record"
	"gwc-core/internal/session"
)

// run 为事件循环，也是唯一的分发线程。
func (c *Connector) run(ctx context.Context, cancel context.CancelFunc) {
	defer close(c.loopDone)
	defer cancel()

	c.stopping = false
	c.recovery = nil
	c.pendingGap = nil
	c.reconnectC = nil
	c.logonC = nil

	var heartbeatC <-chan time.Time
	if c.cfg.heartbeat > 0 {
		ticker := time.NewTicker(c.cfg.heartbeat)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	c.connect()
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.reconnectC:
			c.reconnectC = nil
			c.connect()
		case <-c.logonC:
			c.logonC = nil
			if c.machine.State() == session.LoggingOn {
				c.fail(&ConnectionError{Endpoint: EndpointRealTime, Addr: c.cfg.realTimeHost, Err: ErrLogonTimeout})
			}
		case <-heartbeatC:
			c.heartbeat()
		case reply := <-c.stopCh:
			reply <- c.shutdown()
			return
		}
	}
}

func (c *Connector) handle(ev event) {
	switch ev := ev.(type) {
	case dialEvent:
		if ev.endpoint == EndpointRecovery {
			c.onRecoveryDial(ev)
			return
		}
		c.onDial(ev)
	case frameEvent:
		c.onFrame(ev)
	case linkDownEvent:
		c.onLinkDown(ev)
	}
}

func (c *Connector) connect() {
	if c.stopping {
		return
	}
	c.mu.Lock()
	err := c.machine.Transition(session.Connecting)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("无法发起连接", zap.Error(err))
		return
	}

	c.dialGen++
	c.logger.Info("连接实时端点", zap.String("addr", c.cfg.realTimeHost), zap.Int32("attempt", c.failures.Load()+1))
	c.dial(EndpointRealTime, c.cfg.realTimeHost, c.dialGen)
}

// dial 在后台拨号，结果以 dialEvent 回到事件循环。
func (c *Connector) dial(endpoint, addr string, gen uint64) {
	ctx := c.loopCtx
	go func() {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancel()
		conn, err := c.dialer.Dial(dctx, addr)
		select {
		case c.events <- dialEvent{endpoint: endpoint, gen: gen, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (c *Connector) onDial(ev dialEvent) {
	if ev.gen != c.dialGen || c.stopping {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		c.fail(&ConnectionError{Endpoint: EndpointRealTime, Addr: c.cfg.realTimeHost, Err: ev.err})
		return
	}

	l := startLink(c.loopCtx, EndpointRealTime, c.cfg.realTimeHost, ev.conn, c.cfg.queueSize, c.limiter, c.events, c.logger)
	c.mu.Lock()
	c.rt = l
	c.dispatcher.Reset()
	if next := c.tracker.Next(); next > 0 {
		c.dispatcher.Resume(next)
	}
	err := c.machine.Transition(session.Connected)
	c.mu.Unlock()
	if err != nil {
		c.fail(err)
		return
	}
	c.sawInbound, c.missed = false, 0
	c.logger.Info("实时链路已建立", zap.String("addr", c.cfg.realTimeHost))
	c.session.OnConnected()

	c.mu.Lock()
	err = c.machine.Transition(session.LoggingOn)
	c.mu.Unlock()
	if err != nil {
		c.fail(err)
		return
	}

	logon := record.NewMessage(record.MsgTypeLogon)
	if c.cfg.heartbeat > 0 {
		logon.SetInteger(record.FieldHeartbeatInterval, int64(c.cfg.heartbeat/time.Second))
	}
	c.session.OnLoggingOn(logon)

	c.mu.Lock()
	err = c.enqueueLocked(logon)
	c.mu.Unlock()
	if err != nil {
		c.fail(&ConnectionError{Endpoint: EndpointRealTime, Addr: c.cfg.realTimeHost, Err: err})
		return
	}
	c.logonC = time.After(c.cfg.connectTimeout)
}

// onRecoveryDial 建立恢复链路并发出挂起的重传请求。链路重建后旧的拨号结果作废。
func (c *Connector) onRecoveryDial(ev dialEvent) {
	gap := c.pendingGap
	if ev.gen != c.recoveryGen || c.stopping || gap == nil {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	c.pendingGap = nil
	if ev.err != nil {
		c.fail(&ConnectionError{Endpoint: EndpointRecovery, Addr: c.cfg.recoveryHost, Err: ev.err})
		return
	}
	c.recovery = startLink(c.loopCtx, EndpointRecovery, c.cfg.recoveryHost, ev.conn, c.cfg.queueSize, nil, c.events, c.logger)
	c.logger.Info("恢复链路已建立", zap.String("addr", c.cfg.recoveryHost))
	if err := c.sendRetransmit(gap); err != nil {
		c.fail(err)
	}
}

func (c *Connector) onFrame(ev frameEvent) {
	c.mu.Lock()
	current := ev.link == c.rt
	c.mu.Unlock()

	origin := dispatch.RealTime
	switch {
	case current:
	case ev.link == c.recovery && c.recovery != nil:
		origin = dispatch.Recovery
	default:
		return
	}
	c.sawInbound = true

	rec, err := c.codec.Decode(ev.data)
	if err != nil {
		c.logger.Debug("无法解码入站帧", zap.String("endpoint", ev.link.endpoint), zap.Error(err))
		if origin == dispatch.RealTime {
			c.dispatcher.DispatchRaw(ev.data)
		}
		return
	}
	if rec.MsgType() == record.MsgTypeLogonReply {
		c.logonC = nil
	}
	c.dispatcher.Dispatch(rec, origin)
}

func (c *Connector) onLinkDown(ev linkDownEvent) {
	c.mu.Lock()
	current := ev.link == c.rt
	c.mu.Unlock()

	if current {
		c.fail(&ConnectionError{Endpoint: EndpointRealTime, Addr: ev.link.addr, Err: ev.err})
		return
	}
	if ev.link != c.recovery || c.recovery == nil {
		return
	}
	c.recovery = nil
	_ = ev.link.shutdown(0)
	if c.machine.State() == session.Recovering {
		c.fail(&ConnectionError{Endpoint: EndpointRecovery, Addr: ev.link.addr, Err: ev.err})
		return
	}
	c.logger.Info("恢复链路关闭", zap.Error(ev.err))
}

// fail 关闭链路，交给 OnError 与重连上限决定重连或进入 FAILED。
func (c *Connector) fail(err error) {
	if c.stopping {
		return
	}
	state := c.machine.State()
	if state == session.Failed {
		return
	}
	if closeErr := c.closeLinks(0); closeErr != nil {
		c.logger.Debug("关闭链路出错", zap.Error(closeErr))
	}

	c.mu.Lock()
	if tErr := c.machine.Transition(session.Disconnected); tErr != nil {
		c.logger.Error("断开状态迁移失败", zap.Error(tErr))
	}
	c.dispatcher.Reset()
	c.mu.Unlock()

	attempt := int(c.failures.Add(1))
	c.reportError(err)
	decision := c.session.OnError(err)
	if decision == session.GiveUp || attempt >= c.cfg.maxAttempts {
		c.logger.Error("会话失败",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Stringer("decision", decision),
			zap.Stringer("from", state),
		)
		c.mu.Lock()
		if tErr := c.machine.Transition(session.Failed); tErr != nil {
			c.logger.Error("失败状态迁移失败", zap.Error(tErr))
		}
		c.mu.Unlock()
		return
	}

	wait := backoff(attempt, c.cfg.minDelay, c.cfg.maxDelay)
	c.logger.Warn("连接中断，等待重连",
		zap.Error(err),
		zap.Int("attempt", attempt),
		zap.Duration("wait", wait),
		zap.Stringer("from", state),
	)
	c.reconnectC = time.After(wait)
}

// backoff 自 min 起每次翻倍，不超过 max。
func backoff(attempt int, min, max time.Duration) time.Duration {
	delay := min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// closeLinks 关闭两条链路，并使在途的拨号失效。
func (c *Connector) closeLinks(drain time.Duration) error {
	c.dialGen++
	c.recoveryGen++
	c.pendingGap = nil
	c.logonC = nil

	c.mu.Lock()
	rt := c.rt
	c.rt = nil
	if rt != nil {
		rt.seal()
	}
	c.mu.Unlock()

	rec := c.recovery
	c.recovery = nil
	if rec != nil {
		rec.seal()
	}

	var err error
	if rt != nil {
		err = multierr.Append(err, rt.shutdown(drain))
	}
	if rec != nil {
		err = multierr.Append(err, rec.shutdown(0))
	}
	return err
}

// heartbeat 在活跃会话上发送心跳，连续两个周期无入站流量视为链路失效。
func (c *Connector) heartbeat() {
	if !c.machine.State().Active() {
		return
	}
	if c.sawInbound {
		c.missed = 0
	} else {
		c.missed++
	}
	c.sawInbound = false
	if c.missed >= 2 {
		c.fail(&ConnectionError{Endpoint: EndpointRealTime, Addr: c.cfg.realTimeHost, Err: ErrMissedHeartbeats})
		return
	}

	c.mu.Lock()
	err := c.enqueueLocked(record.NewMessage(record.MsgTypeHeartbeat))
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("心跳发送失败", zap.Error(err))
	}
}

// shutdown 在事件循环内完成登出、排空与关闭。
func (c *Connector) shutdown() error {
	c.stopping = true
	c.reconnectC = nil
	c.logonC = nil

	if c.machine.State().Active() {
		c.logoff()
	}

	err := c.closeLinks(c.cfg.logoffTimeout)

	c.mu.Lock()
	c.machine.Reset()
	c.dispatcher.Reset()
	c.mu.Unlock()
	c.machine.Release(session.ErrStopped)

	c.logger.Info("连接器已停止", zap.Uint64("last_seqno", c.lastSeqno()), zap.Error(err))
	return err
}

func (c *Connector) logoff() {
	c.mu.Lock()
	err := c.machine.Transition(session.LoggingOff)
	if err == nil {
		err = c.enqueueLocked(record.NewMessage(record.MsgTypeLogout))
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("登出请求发送失败", zap.Error(err))
	} else {
		timer := time.NewTimer(c.cfg.logoffTimeout)
		defer timer.Stop()
	wait:
		for c.machine.State() == session.LoggingOff {
			select {
			case ev := <-c.events:
				c.handle(ev)
			case <-timer.C:
				c.logger.Warn("等待登出应答超时", zap.Duration("timeout", c.cfg.logoffTimeout))
				break wait
			}
		}
	}

	if c.machine.State() != session.LoggingOff {
		return
	}
	// 场所未应答时以本地构造的登出记录通知处理方。
	c.mu.Lock()
	_ = c.machine.Transition(session.Disconnected)
	c.mu.Unlock()
	c.session.OnLoggedOff(c.lastSeqno(), record.NewMessage(record.MsgTypeLogout))
}

func (c *Connector) lastSeqno() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.tracker.Next(); n > 0 {
		return n - 1
	}
	return 0
}

// enqueueLocked 复制记录、打上出站序号、编码并非阻塞入队。调用方持有 mu。
func (c *Connector) enqueueLocked(rec *record.Record) error {
	if c.rt == nil {
		return ErrNotLoggedOn
	}
	out := rec.Clone()
	out.SetInteger(record.FieldSeqNum, int64(c.outSeq+1))
	frame, err := c.codec.Encode(out)
	if err != nil {
		return err
	}
	if !c.rt.enqueue(frame) {
		return ErrOutboundFull
	}
	c.outSeq++
	return nil
}
