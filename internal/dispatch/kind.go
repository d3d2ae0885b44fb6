// Package dispatch 是全部入站记录的唯一入口：分类、跟踪序号、驱动状态机并回调处理方。
package dispatch

import "gwc-core/internal/record"

// Kind 入站消息种类。
type Kind int

const (
	KindUnknown Kind = iota
	KindLogon
	KindLogonReply
	KindLogout
	KindHeartbeat
	KindRetransmitRequest
	KindRetransmitComplete
	KindSessionReject
	KindTraderLogon
	KindTraderLogonReply
	KindOrderAck
	KindOrderRejected
	KindOrderDone
	KindOrderFill
	KindModifyAck
	KindModifyRejected
	KindCancelRejected
	KindBusinessReject
	KindGeneric
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindLogon:              "logon",
	KindLogonReply:         "logon_reply",
	KindLogout:             "logout",
	KindHeartbeat:          "heartbeat",
	KindRetransmitRequest:  "retransmit_request",
	KindRetransmitComplete: "retransmit_complete",
	KindSessionReject:      "session_reject",
	KindTraderLogon:        "trader_logon",
	KindTraderLogonReply:   "trader_logon_reply",
	KindOrderAck:           "order_ack",
	KindOrderRejected:      "order_rejected",
	KindOrderDone:          "order_done",
	KindOrderFill:          "order_fill",
	KindModifyAck:          "modify_ack",
	KindModifyRejected:     "modify_rejected",
	KindCancelRejected:     "cancel_rejected",
	KindBusinessReject:     "business_reject",
	KindGeneric:            "generic",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Admin 会话级消息，回调 OnAdmin。
func (k Kind) Admin() bool {
	switch k {
	case KindLogon, KindLogonReply, KindLogout, KindHeartbeat,
		KindRetransmitRequest, KindRetransmitComplete, KindSessionReject,
		KindTraderLogon, KindTraderLogonReply:
		return true
	}
	return false
}

// Sequenced 该种类是否参与入站序号跟踪。
func (k Kind) Sequenced() bool {
	switch k {
	case KindLogon, KindLogonReply, KindLogout, KindHeartbeat,
		KindRetransmitRequest, KindRetransmitComplete,
		KindTraderLogon, KindTraderLogonReply:
		return false
	}
	return true
}

// Classifier 把记录映射为消息种类，不同场所可替换。
type Classifier interface {
	Classify(rec *record.Record) Kind
}

// ClassifierFunc 函数适配器。
type ClassifierFunc func(rec *record.Record) Kind

func (f ClassifierFunc) Classify(rec *record.Record) Kind { return f(rec) }

// MsgTypeClassifier 按 MsgType/ExecType/CxlRejResponseTo 分类。
type MsgTypeClassifier struct{}

func (MsgTypeClassifier) Classify(rec *record.Record) Kind {
	switch rec.MsgType() {
	case record.MsgTypeLogon:
		return KindLogon
	case record.MsgTypeLogonReply:
		return KindLogonReply
	case record.MsgTypeLogout:
		return KindLogout
	case record.MsgTypeHeartbeat:
		return KindHeartbeat
	case record.MsgTypeRetransmitRequest:
		return KindRetransmitRequest
	case record.MsgTypeRetransmitComplete:
		return KindRetransmitComplete
	case record.MsgTypeSessionReject:
		return KindSessionReject
	case record.MsgTypeTraderLogon:
		return KindTraderLogon
	case record.MsgTypeTraderLogonReply:
		return KindTraderLogonReply
	case record.MsgTypeBusinessReject:
		return KindBusinessReject
	case record.MsgTypeExecutionReport:
		switch rec.Char(record.FieldExecType) {
		case record.ExecNew:
			return KindOrderAck
		case record.ExecCanceled, record.ExecExpired:
			return KindOrderDone
		case record.ExecReplaced:
			return KindModifyAck
		case record.ExecRejected:
			return KindOrderRejected
		case record.ExecTrade:
			return KindOrderFill
		}
		return KindGeneric
	case record.MsgTypeOrderCancelReject:
		switch rec.Char(record.FieldCxlRejResponseTo) {
		case record.CxlRejCancel:
			return KindCancelRejected
		case record.CxlRejReplace:
			return KindModifyRejected
		}
		return KindGeneric
	}
	return KindUnknown
}
