package session

import "gwc-core/internal/record"

// RetryDecision 为错误发生后的重连决策。
type RetryDecision int

const (
	GiveUp RetryDecision = iota
	Reconnect
)

func (d RetryDecision) String() string {
	if d == Reconnect {
		return "reconnect"
	}
	return "give_up"
}

// RetryPolicy 根据错误给出重连决策。
type RetryPolicy func(err error) RetryDecision

// AlwaysReconnect 对任何错误都重连，次数上限由连接器控制。
func AlwaysReconnect(error) RetryDecision { return Reconnect }

// NeverReconnect 任何错误都直接失败。
func NeverReconnect(error) RetryDecision { return GiveUp }

// Handler 接收会话级事件，所有方法在分发线程上同步调用，应尽快返回。
type Handler interface {
	OnConnected()
	// OnLoggingOn 在登录请求发送前调用，处理方负责填写凭证字段。
	OnLoggingOn(out *record.Record)
	OnLoggedOn(seqno uint64, rec *record.Record)
	OnLoggedOff(seqno uint64, rec *record.Record)
	OnGap(expected, received uint64)
	// OnTraderLogonOn 在场所确认交易员登录后调用。
	OnTraderLogonOn(traderID string, rec *record.Record)
	OnError(err error) RetryDecision
}

// BaseHandler 提供空实现，错误时交给 Policy（默认重连）。
type BaseHandler struct {
	Policy RetryPolicy
}

func (BaseHandler) OnConnected()                           {}
func (BaseHandler) OnLoggingOn(*record.Record)             {}
func (BaseHandler) OnLoggedOn(uint64, *record.Record)      {}
func (BaseHandler) OnLoggedOff(uint64, *record.Record)     {}
func (BaseHandler) OnGap(uint64, uint64)                   {}
func (BaseHandler) OnTraderLogonOn(string, *record.Record) {}

func (h BaseHandler) OnError(err error) RetryDecision {
	if h.Policy == nil {
		return Reconnect
	}
	return h.Policy(err)
}
