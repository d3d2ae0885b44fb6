package order

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gwc-core/internal/record"
)

// Archiver 持久化终态订单。
type Archiver interface {
	ArchiveOrder(ctx context.Context, o Order) error
}

// Outcome 描述一条入站记录对注册表的作用。
type Outcome int

const (
	// Applied 记录已作用于订单。
	Applied Outcome = iota + 1
	// Unknown 引用的 clientOrderID 不在活跃表中。
	Unknown
	// Stale 引用的是已被取代的 id，记录被忽略。
	Stale
	// Anomaly 订单状态与记录不符，记录被丢弃。
	Anomaly
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unknown:
		return "unknown"
	case Stale:
		return "stale"
	case Anomaly:
		return "anomaly"
	default:
		return "invalid"
	}
}

// Update 为入站记录处理结果，Order 为处理后的快照。
type Update struct {
	Outcome Outcome
	Order   Order
}

// Terminal 表示本次更新使订单进入终态。
func (u Update) Terminal() bool {
	return u.Outcome == Applied && u.Order.Status.Terminal()
}

type entry struct {
	order Order

	// 改单/撤单发出前的链状态，用于拒绝时回滚。
	prevKey    string
	prevOrig   string
	prevStatus Status
	pending    *Order
}

// Options 配置注册表。
type Options struct {
	Logger       *zap.Logger
	Archiver     Archiver
	ArchiveLimit int
	Now          func() time.Time
}

// Registry 维护活跃订单链。非并发安全，由连接器的互斥域保护。
type Registry struct {
	active     map[string]*entry
	superseded map[string]*entry
	archive    []Order
	limit      int

	archiver Archiver
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry 创建空注册表。
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ArchiveLimit <= 0 {
		opts.ArchiveLimit = 1024
	}
	return &Registry{
		active:     make(map[string]*entry),
		superseded: make(map[string]*entry),
		limit:      opts.ArchiveLimit,
		archiver:   opts.Archiver,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

func (r *Registry) inUse(id string) bool {
	_, a := r.active[id]
	_, s := r.superseded[id]
	return a || s
}

// Submit 登记新订单，状态为 NEW，需 Commit 后进入 PENDING_NEW。
func (r *Registry) Submit(o Order) (Order, error) {
	if o.ClientOrderID == "" {
		return Order{}, fmt.Errorf("order: clientOrderID 不能为空")
	}
	if r.inUse(o.ClientOrderID) {
		return Order{}, fmt.Errorf("%w: %s", ErrDuplicateClientID, o.ClientOrderID)
	}
	now := r.now()
	o.OrigClientOrderID = ""
	o.OrderID = ""
	o.Status = StatusNew
	o.FilledQuantity = 0
	o.AvgFillPrice = decimal.Zero
	o.Chain = []string{o.ClientOrderID}
	o.CreatedAt = now
	o.UpdatedAt = now
	r.active[o.ClientOrderID] = &entry{order: o}
	return o.clone(), nil
}

// Commit 在出站记录入队成功后调用，NEW → PENDING_NEW。
func (r *Registry) Commit(clientID string) error {
	e, ok := r.active[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClientID, clientID)
	}
	if e.order.Status == StatusNew {
		e.order.Status = StatusPendingNew
		e.order.UpdatedAt = r.now()
	}
	return nil
}

// Rollback 撤销尚未发出的 Submit/Modify/Cancel。
func (r *Registry) Rollback(clientID string) error {
	e, ok := r.active[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClientID, clientID)
	}
	switch e.order.Status {
	case StatusNew:
		delete(r.active, clientID)
	case StatusPendingModify, StatusPendingCancel:
		r.revert(e, e.prevStatus)
	default:
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, clientID, e.order.Status)
	}
	return nil
}

// Modify 以 newClientID 取代链上当前活跃 id，订单须为 ACKED 或 MODIFIED。
func (r *Registry) Modify(newClientID string, o Order) (Order, error) {
	return r.supersede(newClientID, o, StatusPendingModify)
}

// Cancel 以 newClientID 发起撤单，链的约束与 Modify 相同。
func (r *Registry) Cancel(newClientID string, o Order) (Order, error) {
	return r.supersede(newClientID, o, StatusPendingCancel)
}

func (r *Registry) supersede(newID string, o Order, to Status) (Order, error) {
	orig := o.OrigClientOrderID
	e, ok := r.active[orig]
	if !ok || orig == "" {
		return Order{}, fmt.Errorf("%w: %q", ErrUnknownClientID, orig)
	}
	if newID == "" {
		return Order{}, fmt.Errorf("order: clientOrderID 不能为空")
	}
	if r.inUse(newID) {
		return Order{}, fmt.Errorf("%w: %s", ErrDuplicateClientID, newID)
	}
	if s := e.order.Status; s != StatusAcked && s != StatusModified {
		return Order{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, orig, s)
	}

	e.prevKey = orig
	e.prevOrig = e.order.OrigClientOrderID
	e.prevStatus = e.order.Status
	e.pending = nil
	if to == StatusPendingModify {
		p := o
		e.pending = &p
	}

	delete(r.active, orig)
	r.superseded[orig] = e
	r.active[newID] = e
	e.order.ClientOrderID = newID
	e.order.OrigClientOrderID = orig
	e.order.Chain = append(e.order.Chain, newID)
	e.order.Status = to
	e.order.UpdatedAt = r.now()
	return e.order.clone(), nil
}

// revert 把链的活跃 key 退回取代前的 id。
func (r *Registry) revert(e *entry, status Status) {
	cur := e.order.ClientOrderID
	delete(r.active, cur)
	delete(r.superseded, e.prevKey)
	r.active[e.prevKey] = e
	e.order.ClientOrderID = e.prevKey
	e.order.OrigClientOrderID = e.prevOrig
	if n := len(e.order.Chain); n > 0 && e.order.Chain[n-1] == cur {
		e.order.Chain = e.order.Chain[:n-1]
	}
	e.order.Status = status
	e.order.UpdatedAt = r.now()
	e.prevKey, e.prevOrig, e.pending = "", "", nil
}

// resolve 按记录中的 clientOrderID 查找订单链。
func (r *Registry) resolve(rec *record.Record) (e *entry, id string, superseded bool) {
	id = rec.TextOr(record.FieldClOrdID, "")
	if e, ok := r.active[id]; ok {
		return e, id, false
	}
	if e, ok := r.superseded[id]; ok {
		return e, id, true
	}
	return nil, id, false
}

func (r *Registry) unknown(id string) Update {
	return Update{Outcome: Unknown, Order: Order{ClientOrderID: id}}
}

func (r *Registry) anomaly(e *entry, kind string) Update {
	r.logger.Warn("订单状态与入站记录不符，已丢弃",
		zap.String("kind", kind),
		zap.String("client_order_id", e.order.ClientOrderID),
		zap.Stringer("status", e.order.Status),
	)
	return Update{Outcome: Anomaly, Order: e.order.clone()}
}

// ApplyAck 处理新单确认：PENDING_NEW → ACKED 并记录场所订单号。
func (r *Registry) ApplyAck(rec *record.Record) Update {
	e, id, old := r.resolve(rec)
	switch {
	case e == nil:
		return r.unknown(id)
	case old:
		return Update{Outcome: Stale, Order: e.order.clone()}
	case e.order.Status != StatusPendingNew:
		return r.anomaly(e, "order_ack")
	}
	if v := rec.TextOr(record.FieldOrderID, ""); v != "" {
		e.order.OrderID = v
	}
	e.order.Status = StatusAcked
	e.order.UpdatedAt = r.now()
	return Update{Outcome: Applied, Order: e.order.clone()}
}

// ApplyReject 处理场所拒绝：任一 PENDING_* → REJECTED。
func (r *Registry) ApplyReject(rec *record.Record) Update {
	e, id, old := r.resolve(rec)
	switch {
	case e == nil:
		return r.unknown(id)
	case old:
		return Update{Outcome: Stale, Order: e.order.clone()}
	case !e.order.Status.Pending():
		return r.anomaly(e, "order_rejected")
	}
	e.order.RejectReason = rejectReason(rec)
	r.finish(e, StatusRejected)
	return Update{Outcome: Applied, Order: e.order.clone()}
}

// ApplyModifyAck 处理改单确认：PENDING_MODIFY → MODIFIED，新价量生效。
func (r *Registry) ApplyModifyAck(rec *record.Record) Update {
	e, id, old := r.resolve(rec)
	switch {
	case e == nil:
		return r.unknown(id)
	case old:
		return Update{Outcome: Stale, Order: e.order.clone()}
	case e.order.Status != StatusPendingModify:
		return r.anomaly(e, "modify_ack")
	}
	if p := e.pending; p != nil {
		if p.Quantity > 0 {
			e.order.Quantity = p.Quantity
		}
		if !p.Price.IsZero() {
			e.order.Price = p.Price
		}
		if !p.StopPrice.IsZero() {
			e.order.StopPrice = p.StopPrice
		}
		if p.DisplayQuantity > 0 {
			e.order.DisplayQuantity = p.DisplayQuantity
		}
		if p.TimeInForce != 0 {
			e.order.TimeInForce = p.TimeInForce
		}
		if p.ExpireDate != "" {
			e.order.ExpireDate = p.ExpireDate
		}
	}
	if v := rec.TextOr(record.FieldOrderID, ""); v != "" {
		e.order.OrderID = v
	}
	e.prevKey, e.prevOrig, e.pending = "", "", nil
	e.order.Status = StatusModified
	e.order.UpdatedAt = r.now()
	return Update{Outcome: Applied, Order: e.order.clone()}
}

// ApplyModifyReject 处理改单拒绝：回滚到取代前的 id 并恢复 ACKED。
func (r *Registry) ApplyModifyReject(rec *record.Record) Update {
	return r.applySupersedeReject(rec, StatusPendingModify, "modify_rejected")
}

// ApplyCancelReject 处理撤单拒绝：回滚到撤单前的 id 与状态。
func (r *Registry) ApplyCancelReject(rec *record.Record) Update {
	return r.applySupersedeReject(rec, StatusPendingCancel, "cancel_rejected")
}

func (r *Registry) applySupersedeReject(rec *record.Record, want Status, kind string) Update {
	e, id, old := r.resolve(rec)
	if e == nil {
		return r.unknown(id)
	}
	// 拒绝可能引用新 id，也可能引用被取代的那个 id。
	if old && id != e.prevKey {
		return Update{Outcome: Stale, Order: e.order.clone()}
	}
	if e.order.Status != want {
		return r.anomaly(e, kind)
	}
	restore := e.prevStatus
	if want == StatusPendingModify {
		restore = StatusAcked
	}
	e.order.RejectReason = rejectReason(rec)
	r.revert(e, restore)
	return Update{Outcome: Applied, Order: e.order.clone()}
}

// ApplyFill 累计成交；全部成交时进入 DONE。被取代 id 上的成交仍归属该链。
func (r *Registry) ApplyFill(rec *record.Record) Update {
	e, id, _ := r.resolve(rec)
	if e == nil {
		return r.unknown(id)
	}
	qty := quantity(rec, record.FieldLastQty)
	if qty <= 0 {
		return r.anomaly(e, "order_fill")
	}
	px := price(rec, record.FieldLastPx)

	filled := e.order.FilledQuantity + qty
	total := e.order.Notional().Add(px.Mul(decimal.NewFromInt(qty)))
	e.order.AvgFillPrice = total.Div(decimal.NewFromInt(filled))
	e.order.FilledQuantity = filled
	e.order.UpdatedAt = r.now()

	complete := e.order.Quantity > 0 && e.order.Remaining() == 0
	if rec.Has(record.FieldLeavesQty) && rec.IntegerOr(record.FieldLeavesQty, -1) == 0 {
		complete = true
	}
	if complete {
		r.finish(e, StatusDone)
	}
	return Update{Outcome: Applied, Order: e.order.clone()}
}

// ApplyDone 强制终结订单，撤单途中终结视为 CANCELLED。
func (r *Registry) ApplyDone(rec *record.Record) Update {
	e, id, _ := r.resolve(rec)
	if e == nil {
		return r.unknown(id)
	}
	status := StatusDone
	if e.order.Status == StatusPendingCancel {
		status = StatusCancelled
	}
	r.finish(e, status)
	return Update{Outcome: Applied, Order: e.order.clone()}
}

// finish 置终态、移出活跃表并归档整条链。
func (r *Registry) finish(e *entry, status Status) {
	e.order.Status = status
	e.order.UpdatedAt = r.now()
	for _, id := range e.order.Chain {
		if r.active[id] == e {
			delete(r.active, id)
		}
		if r.superseded[id] == e {
			delete(r.superseded, id)
		}
	}
	e.prevKey, e.prevOrig, e.pending = "", "", nil

	snapshot := e.order.clone()
	r.archive = append(r.archive, snapshot)
	if over := len(r.archive) - r.limit; over > 0 {
		r.archive = append(r.archive[:0], r.archive[over:]...)
	}
	if r.archiver != nil {
		if err := r.archiver.ArchiveOrder(context.Background(), snapshot); err != nil {
			r.logger.Warn("归档订单失败", zap.String("client_order_id", snapshot.ClientOrderID), zap.Error(err))
		}
	}
	r.logger.Info("订单进入终态",
		zap.String("client_order_id", snapshot.ClientOrderID),
		zap.String("order_id", snapshot.OrderID),
		zap.Stringer("status", status),
		zap.Int64("filled", snapshot.FilledQuantity),
		zap.Int64("remaining", snapshot.Remaining()),
		zap.Error(snapshot.Err()),
	)
}

func rejectReason(rec *record.Record) string {
	reason := rec.StringOr(record.FieldText, "")
	if code := rec.IntegerOr(record.FieldRejectCode, 0); code != 0 {
		if reason == "" {
			return fmt.Sprintf("code %d", code)
		}
		return fmt.Sprintf("code %d: %s", code, reason)
	}
	return reason
}

// Get 按任意链上 id 查询活跃订单。
func (r *Registry) Get(clientID string) (Order, bool) {
	if e, ok := r.active[clientID]; ok {
		return e.order.clone(), true
	}
	if e, ok := r.superseded[clientID]; ok {
		return e.order.clone(), true
	}
	return Order{}, false
}

// Archived 查询内存归档中链上包含 clientID 的最近一笔终态订单。
func (r *Registry) Archived(clientID string) (Order, bool) {
	for i := len(r.archive) - 1; i >= 0; i-- {
		for _, id := range r.archive[i].Chain {
			if id == clientID {
				return r.archive[i].clone(), true
			}
		}
	}
	return Order{}, false
}

// Active 返回所有活跃订单，按创建时间排序。
func (r *Registry) Active() []Order {
	out := make([]Order, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.order.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// History 返回内存归档副本，从旧到新。
func (r *Registry) History() []Order {
	out := make([]Order, len(r.archive))
	for i, o := range r.archive {
		out[i] = o.clone()
	}
	return out
}

// Len 返回活跃链数量。
func (r *Registry) Len() int {
	return len(r.active)
}
