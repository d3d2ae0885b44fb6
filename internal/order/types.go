// Package order 维护订单生命周期与 clientOrderID 链。
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gwc-core/internal/record"
)

var (
	// ErrDuplicateClientID clientOrderID 已被活跃订单链占用。
	ErrDuplicateClientID = errors.New("order: duplicate client order id")
	// ErrUnknownClientID 引用的 clientOrderID 不是任何链的当前活跃 id。
	ErrUnknownClientID = errors.New("order: unknown client order id")
	// ErrInvalidState 订单当前状态不允许该操作。
	ErrInvalidState = errors.New("order: invalid state for operation")
	// ErrRejected 场所拒绝了新单、改单或撤单。
	ErrRejected = errors.New("order: rejected by venue")
)

// Side 买卖方向，取值沿用场所字符编码。
type Side byte

const (
	SideBuy  Side = '1'
	SideSell Side = '2'
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	case 0:
		return ""
	default:
		return string(rune(s))
	}
}

// Type 订单类型。
type Type byte

const (
	TypeMarket    Type = '1'
	TypeLimit     Type = '2'
	TypeStop      Type = '3'
	TypeStopLimit Type = '4'
)

func (t Type) String() string {
	switch t {
	case TypeMarket:
		return "market"
	case TypeLimit:
		return "limit"
	case TypeStop:
		return "stop"
	case TypeStopLimit:
		return "stop_limit"
	case 0:
		return ""
	default:
		return string(rune(t))
	}
}

// TimeInForce 订单有效期。
type TimeInForce byte

const (
	TIFDay TimeInForce = '0'
	TIFGTC TimeInForce = '1'
	TIFIOC TimeInForce = '3'
	TIFFOK TimeInForce = '4'
	TIFGTD TimeInForce = '6'
)

func (t TimeInForce) String() string {
	switch t {
	case TIFDay:
		return "day"
	case TIFGTC:
		return "gtc"
	case TIFIOC:
		return "ioc"
	case TIFFOK:
		return "fok"
	case TIFGTD:
		return "gtd"
	case 0:
		return ""
	default:
		return string(rune(t))
	}
}

// Status 订单状态。
type Status int

const (
	StatusNew Status = iota
	StatusPendingNew
	StatusAcked
	StatusPendingModify
	StatusModified
	StatusPendingCancel
	StatusCancelled
	StatusRejected
	StatusDone
)

var statusNames = [...]string{
	StatusNew:           "NEW",
	StatusPendingNew:    "PENDING_NEW",
	StatusAcked:         "ACKED",
	StatusPendingModify: "PENDING_MODIFY",
	StatusModified:      "MODIFIED",
	StatusPendingCancel: "PENDING_CANCEL",
	StatusCancelled:     "CANCELLED",
	StatusRejected:      "REJECTED",
	StatusDone:          "DONE",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText 以状态名序列化。
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal 终态订单从活跃表移出并归档。
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusRejected || s == StatusDone
}

// Pending 表示等待场所应答。
func (s Status) Pending() bool {
	return s == StatusPendingNew || s == StatusPendingModify || s == StatusPendingCancel
}

// Order 订单快照。
type Order struct {
	ClientOrderID     string          `json:"client_order_id"`
	OrigClientOrderID string          `json:"orig_client_order_id,omitempty"`
	OrderID           string          `json:"order_id,omitempty"`
	InstrumentID      string          `json:"instrument_id"`
	Account           string          `json:"account,omitempty"`
	Side              Side            `json:"side"`
	Quantity          int64           `json:"quantity"`
	DisplayQuantity   int64           `json:"display_quantity,omitempty"`
	Price             decimal.Decimal `json:"price"`
	StopPrice         decimal.Decimal `json:"stop_price"`
	Type              Type            `json:"type"`
	TimeInForce       TimeInForce     `json:"time_in_force"`
	ExpireDate        string          `json:"expire_date,omitempty"`
	Status            Status          `json:"status"`
	FilledQuantity    int64           `json:"filled_quantity"`
	AvgFillPrice      decimal.Decimal `json:"avg_fill_price"`
	RejectReason      string          `json:"reject_reason,omitempty"`
	Chain             []string        `json:"chain"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Remaining 返回未成交数量。
func (o Order) Remaining() int64 {
	if o.FilledQuantity >= o.Quantity {
		return 0
	}
	return o.Quantity - o.FilledQuantity
}

// Notional 返回已成交金额。
func (o Order) Notional() decimal.Decimal {
	return o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQuantity))
}

// Err 对被拒订单返回包装 ErrRejected 的错误，其余状态返回 nil。
func (o Order) Err() error {
	if o.Status != StatusRejected {
		return nil
	}
	if o.RejectReason == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, o.RejectReason)
}

func (o Order) clone() Order {
	o.Chain = append([]string(nil), o.Chain...)
	return o
}

// FromRecord 从出站记录解析订单属性，clientOrderID 必填。
func FromRecord(rec *record.Record) (Order, error) {
	if rec == nil {
		return Order{}, fmt.Errorf("order: 记录不能为空")
	}
	clientID, err := rec.Text(record.FieldClOrdID)
	if err != nil {
		return Order{}, fmt.Errorf("order: 解析订单失败: %w", err)
	}
	if clientID == "" {
		return Order{}, fmt.Errorf("order: clientOrderID 不能为空")
	}
	return Order{
		ClientOrderID:     clientID,
		OrigClientOrderID: rec.TextOr(record.FieldOrigClOrdID, ""),
		InstrumentID:      rec.TextOr(record.FieldInstrumentID, ""),
		Account:           rec.TextOr(record.FieldAccount, ""),
		ExpireDate:        rec.TextOr(record.FieldExpireDate, ""),
		Side:              Side(rec.Char(record.FieldSide)),
		Type:              Type(rec.Char(record.FieldOrdType)),
		TimeInForce:       TimeInForce(rec.Char(record.FieldTimeInForce)),
		Quantity:          quantity(rec, record.FieldOrderQty),
		DisplayQuantity:   quantity(rec, record.FieldDisplayQty),
		Price:             price(rec, record.FieldPrice),
		StopPrice:         price(rec, record.FieldStopPrice),
	}, nil
}

func quantity(rec *record.Record, f record.Field) int64 {
	v, err := rec.Get(f)
	if err != nil {
		return 0
	}
	switch v.Kind {
	case record.KindInteger:
		return v.Integer
	case record.KindDouble:
		return int64(v.Double)
	}
	return 0
}

func price(rec *record.Record, f record.Field) decimal.Decimal {
	v, err := rec.GetDouble(f)
	if err != nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}
