package dispatch

import "gwc-core/internal/record"

// MessageHandler 接收业务与会话消息回调，在分发线程上同步调用。
// 回调内可调用连接器的发送接口。
type MessageHandler interface {
	OnAdmin(seqno uint64, rec *record.Record)
	OnOrderAck(seqno uint64, rec *record.Record)
	OnOrderRejected(seqno uint64, rec *record.Record)
	OnOrderDone(seqno uint64, rec *record.Record)
	OnOrderFill(seqno uint64, rec *record.Record)
	OnModifyAck(seqno uint64, rec *record.Record)
	OnModifyRejected(seqno uint64, rec *record.Record)
	OnCancelRejected(seqno uint64, rec *record.Record)
	// OnMsg 兜底回调：未知种类、未知或过期 clientOrderID 的记录。
	OnMsg(seqno uint64, rec *record.Record)
	OnRawMsg(seqno uint64, data []byte)
}

// BaseMessageHandler 空实现，供嵌入。
type BaseMessageHandler struct{}

func (BaseMessageHandler) OnAdmin(uint64, *record.Record)          {}
func (BaseMessageHandler) OnOrderAck(uint64, *record.Record)       {}
func (BaseMessageHandler) OnOrderRejected(uint64, *record.Record)  {}
func (BaseMessageHandler) OnOrderDone(uint64, *record.Record)      {}
func (BaseMessageHandler) OnOrderFill(uint64, *record.Record)      {}
func (BaseMessageHandler) OnModifyAck(uint64, *record.Record)      {}
func (BaseMessageHandler) OnModifyRejected(uint64, *record.Record) {}
func (BaseMessageHandler) OnCancelRejected(uint64, *record.Record) {}
func (BaseMessageHandler) OnMsg(uint64, *record.Record)            {}
func (BaseMessageHandler) OnRawMsg(uint64, []byte)                 {}
