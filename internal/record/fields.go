package record

import "strconv"

// Field 标识记录中的字段，取值为固定的场所字段枚举。
type Field uint16

const (
	FieldMsgType Field = iota + 1
	FieldSeqNum
	FieldOrderID
	FieldClOrdID
	FieldOrigClOrdID
	FieldInstrumentID
	FieldSide
	FieldOrderQty
	FieldPrice
	FieldOrdType
	FieldTimeInForce
	FieldAccount
	FieldExpireDate
	FieldDisplayQty
	FieldStopPrice
	FieldExecType
	FieldCxlRejResponseTo
	FieldLastQty
	FieldLastPx
	FieldCumQty
	FieldLeavesQty
	FieldText
	FieldRejectCode
	FieldUsername
	FieldPassword
	FieldSessionID
	FieldRequestedSeqNum
	FieldBeginSeqNo
	FieldEndSeqNo
	FieldMessageCount
	FieldTraderID
	FieldHeartbeatInterval
	FieldReserved1
	FieldReserved2
	FieldReserved3
)

var fieldNames = map[Field]string{
	FieldMsgType:           "MsgType",
	FieldSeqNum:            "SeqNum",
	FieldOrderID:           "OrderID",
	FieldClOrdID:           "ClOrdID",
	FieldOrigClOrdID:       "OrigClOrdID",
	FieldInstrumentID:      "InstrumentID",
	FieldSide:              "Side",
	FieldOrderQty:          "OrderQty",
	FieldPrice:             "Price",
	FieldOrdType:           "OrdType",
	FieldTimeInForce:       "TimeInForce",
	FieldAccount:           "Account",
	FieldExpireDate:        "ExpireDate",
	FieldDisplayQty:        "DisplayQty",
	FieldStopPrice:         "StopPrice",
	FieldExecType:          "ExecType",
	FieldCxlRejResponseTo:  "CxlRejResponseTo",
	FieldLastQty:           "LastQty",
	FieldLastPx:            "LastPx",
	FieldCumQty:            "CumQty",
	FieldLeavesQty:         "LeavesQty",
	FieldText:              "Text",
	FieldRejectCode:        "RejectCode",
	FieldUsername:          "Username",
	FieldPassword:          "Password",
	FieldSessionID:         "SessionID",
	FieldRequestedSeqNum:   "RequestedSeqNum",
	FieldBeginSeqNo:        "BeginSeqNo",
	FieldEndSeqNo:          "EndSeqNo",
	FieldMessageCount:      "MessageCount",
	FieldTraderID:          "TraderID",
	FieldHeartbeatInterval: "HeartbeatInterval",
	FieldReserved1:         "Reserved1",
	FieldReserved2:         "Reserved2",
	FieldReserved3:         "Reserved3",
}

// String 返回字段名称，未知字段返回数字形式。
func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return "Field(" + strconv.Itoa(int(f)) + ")"
}
