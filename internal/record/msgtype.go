package record

// 场所消息类型编码，写入 FieldMsgType。
const (
	MsgTypeHeartbeat          = "0"
	MsgTypeSessionReject      = "3"
	MsgTypeLogout             = "5"
	MsgTypeExecutionReport    = "8"
	MsgTypeOrderCancelReject  = "9"
	MsgTypeLogon              = "A"
	MsgTypeLogonReply         = "B"
	MsgTypeNewOrder           = "D"
	MsgTypeOrderCancel        = "F"
	MsgTypeOrderReplace       = "G"
	MsgTypeRetransmitRequest  = "M"
	MsgTypeRetransmitComplete = "N"
	MsgTypeBusinessReject     = "j"
	MsgTypeTraderLogon        = "TL"
	MsgTypeTraderLogonReply   = "TA"
)

// 执行回报 ExecType 编码。
const (
	ExecNew      = '0'
	ExecCanceled = '4'
	ExecReplaced = '5'
	ExecRejected = '8'
	ExecExpired  = 'C'
	ExecTrade    = 'F'
)

// 撤单拒绝 CxlRejResponseTo 编码。
const (
	CxlRejCancel  = '1'
	CxlRejReplace = '2'
)

// NewMessage 创建带消息类型的记录。
func NewMessage(msgType string) *Record {
	r := New()
	r.SetString(FieldMsgType, msgType)
	return r
}

// MsgType 返回消息类型，缺失时为空串。
func (r *Record) MsgType() string {
	return r.TextOr(FieldMsgType, "")
}

// SeqNum 返回序号字段，缺失或非法时 ok 为 false。
func (r *Record) SeqNum() (uint64, bool) {
	v, err := r.GetInteger(FieldSeqNum)
	if err != nil || v < 0 {
		return 0, false
	}
	return uint64(v), true
}
