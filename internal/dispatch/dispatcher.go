package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"gwc-core/internal/order"
	"gwc-core/internal/record"
	"gwc-core/internal/sequence"
	"gwc-core/internal/session"
)

// Origin 记录来源链路。
type Origin int

const (
	RealTime Origin = iota
	Recovery
	// buffered 为恢复期间暂存、随后按序回放的实时记录。
	buffered
)

func (o Origin) String() string {
	switch o {
	case RealTime:
		return "realtime"
	case Recovery:
		return "recovery"
	default:
		return "buffered"
	}
}

// Supervisor 由连接器实现，承接需要链路层执行的动作。调用时不持有互斥锁。
type Supervisor interface {
	// RequestRetransmit 向恢复端点请求重传缺口区间。
	RequestRetransmit(gap *GapError) error
	LoggedOn(seqno uint64)
	// LoggedOff 会话已登出，链路应关闭且不重连。
	LoggedOff()
	// Fail 走连接器的错误处理路径（OnError 与重连策略）。
	Fail(err error)
	// Checkpoint 在每条按序记录处理完毕后调用。
	Checkpoint(seqno uint64)
}

// Options 分发器依赖。Mutex 为与发送路径共享的互斥域。
type Options struct {
	Mutex               *sync.Mutex
	Tracker             *sequence.Tracker
	Machine             *session.Machine
	Registry            *order.Registry
	Classifier          Classifier
	Session             session.Handler
	Messages            MessageHandler
	Supervisor          Supervisor
	Logger              *zap.Logger
	MaxRecoveryRequests int
	RawEnabled          bool
}

// Stats 分发器运行统计。
type Stats struct {
	NextExpected uint64 `json:"next_expected"`
	Recovering   bool   `json:"recovering"`
	RecoveryTo   uint64 `json:"recovery_to,omitempty"`
	Buffered     int    `json:"buffered"`
	Gaps         uint64 `json:"gaps"`
	Duplicates   uint64 `json:"duplicates"`
	Delivered    uint64 `json:"delivered"`
}

// Dispatcher 单线程按序处理入站记录。状态变更在互斥域内完成，
// 用户回调在释放锁之后依次执行，回调中可以调用发送接口。
type Dispatcher struct {
	mu         *sync.Mutex
	tracker    *sequence.Tracker
	machine    *session.Machine
	registry   *order.Registry
	classifier Classifier
	session    session.Handler
	messages   MessageHandler
	sup        Supervisor
	logger     *zap.Logger

	maxRequests int
	rawEnabled  bool

	recovering bool
	target     uint64
	requests   int
	buffer     map[uint64]*record.Record
	resume     uint64

	gaps, duplicates, delivered uint64
}

// New 创建分发器。
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Mutex == nil:
		return nil, fmt.Errorf("dispatch: mutex 不能为空")
	case opts.Tracker == nil || opts.Machine == nil || opts.Registry == nil:
		return nil, fmt.Errorf("dispatch: tracker/machine/registry 不能为空")
	case opts.Session == nil || opts.Messages == nil:
		return nil, fmt.Errorf("dispatch: handler 不能为空")
	case opts.Supervisor == nil:
		return nil, fmt.Errorf("dispatch: supervisor 不能为空")
	}
	if opts.Classifier == nil {
		opts.Classifier = MsgTypeClassifier{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRecoveryRequests <= 0 {
		opts.MaxRecoveryRequests = 3
	}
	return &Dispatcher{
		mu:          opts.Mutex,
		tracker:     opts.Tracker,
		machine:     opts.Machine,
		registry:    opts.Registry,
		classifier:  opts.Classifier,
		session:     opts.Session,
		messages:    opts.Messages,
		sup:         opts.Supervisor,
		logger:      opts.Logger,
		maxRequests: opts.MaxRecoveryRequests,
		rawEnabled:  opts.RawEnabled,
		buffer:      make(map[uint64]*record.Record),
	}, nil
}

// Dispatch 处理一条入站记录，并回放因此变为可交付的暂存记录。
// 只能由分发线程调用。
func (d *Dispatcher) Dispatch(rec *record.Record, origin Origin) {
	d.mu.Lock()
	calls := d.process(rec, origin)
	d.mu.Unlock()
	run(calls)
	d.drain()
}

// DispatchRaw 处理无法解码的原始帧。
func (d *Dispatcher) DispatchRaw(data []byte) {
	if !d.rawEnabled {
		d.logger.Warn("无法解码的入站帧，已丢弃", zap.Int("bytes", len(data)))
		return
	}
	d.messages.OnRawMsg(0, data)
}

// Reset 清空恢复状态，新链路建立时由连接器在互斥域内调用。
func (d *Dispatcher) Reset() {
	d.recovering = false
	d.target = 0
	d.requests = 0
	d.buffer = make(map[uint64]*record.Record)
}

// Resume 设定下次登录后的续传起点，0 表示信任登录应答。需持有互斥锁。
func (d *Dispatcher) Resume(next uint64) {
	d.resume = next
}

// Stats 返回统计快照。
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		NextExpected: d.tracker.Next(),
		Recovering:   d.recovering,
		RecoveryTo:   d.target,
		Buffered:     len(d.buffer),
		Gaps:         d.gaps,
		Duplicates:   d.duplicates,
		Delivered:    d.delivered,
	}
}

func run(calls []func()) {
	for _, fn := range calls {
		fn()
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		rec, ok := d.popReady()
		var calls []func()
		if ok {
			calls = d.process(rec, buffered)
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		run(calls)
	}
}

// popReady 取出下一条可交付的暂存记录。恢复期间只取恰好等于期望序号的记录。
func (d *Dispatcher) popReady() (*record.Record, bool) {
	if len(d.buffer) == 0 || !d.machine.State().Active() {
		return nil, false
	}
	keys := make([]uint64, 0, len(d.buffer))
	for k := range d.buffer {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	next := d.tracker.Next()
	for _, k := range keys {
		if k < next {
			delete(d.buffer, k)
			d.duplicates++
			continue
		}
		if d.recovering && k != next {
			return nil, false
		}
		rec := d.buffer[k]
		delete(d.buffer, k)
		return rec, true
	}
	return nil, false
}

func (d *Dispatcher) process(rec *record.Record, origin Origin) []func() {
	kind := d.classifier.Classify(rec)
	seq, hasSeq := rec.SeqNum()
	if !kind.Sequenced() || !hasSeq {
		return d.route(kind, seq, rec)
	}

	if !d.machine.State().Active() {
		d.logger.Warn("未登录状态收到序号消息，已丢弃",
			zap.Stringer("kind", kind), zap.Uint64("seqno", seq), zap.Stringer("state", d.machine.State()))
		return nil
	}
	if d.recovering && origin == RealTime {
		if seq >= d.tracker.Next() {
			d.buffer[seq] = rec
		} else {
			d.duplicates++
		}
		return nil
	}

	res := d.tracker.Observe(seq)
	switch res.Status {
	case sequence.Duplicate:
		d.duplicates++
		d.logger.Debug("重复序号，已丢弃", zap.Uint64("seqno", seq), zap.Stringer("origin", origin))
		return nil
	case sequence.Gap:
		d.buffer[seq] = rec
		if d.recovering {
			return nil
		}
		return d.beginRecovery(res.Missing)
	}

	d.delivered++
	calls := d.route(kind, seq, rec)
	calls = append(calls, func() { d.sup.Checkpoint(seq) })
	if d.recovering && d.tracker.Next() >= d.target {
		d.finishRecovery()
	}
	return calls
}

func (d *Dispatcher) beginRecovery(missing sequence.Range) []func() {
	if err := d.machine.Transition(session.Recovering); err != nil {
		d.logger.Error("进入恢复状态失败", zap.Error(err))
		return nil
	}
	d.recovering = true
	d.target = missing.To
	d.requests = 1
	d.gaps++

	gap := &GapError{Expected: missing.From, Received: missing.To}
	d.logger.Info("检测到序号缺口，开始恢复",
		zap.Uint64("expected", gap.Expected), zap.Uint64("received", gap.Received))
	return []func(){
		func() { d.session.OnGap(gap.Expected, gap.Received) },
		d.request(gap),
	}
}

func (d *Dispatcher) request(gap *GapError) func() {
	return func() {
		if err := d.sup.RequestRetransmit(gap); err != nil {
			d.sup.Fail(fmt.Errorf("dispatch: 请求重传失败: %w", err))
		}
	}
}

func (d *Dispatcher) finishRecovery() {
	if err := d.machine.Transition(session.LoggedOn); err != nil {
		d.logger.Error("退出恢复状态失败", zap.Error(err))
	}
	d.logger.Info("缺口已补齐", zap.Uint64("next_expected", d.tracker.Next()), zap.Int("buffered", len(d.buffer)))
	d.recovering = false
	d.target = 0
	d.requests = 0
}

func (d *Dispatcher) route(kind Kind, seq uint64, rec *record.Record) []func() {
	switch kind {
	case KindLogonReply:
		return d.onLogonReply(rec)
	case KindLogout:
		return d.onLogout(rec)
	case KindRetransmitComplete:
		return d.onRetransmitComplete(rec)
	case KindTraderLogonReply:
		return d.onTraderLogonReply(rec)
	case KindOrderAck:
		return d.business(kind, d.registry.ApplyAck(rec), seq, rec, d.messages.OnOrderAck)
	case KindOrderRejected:
		return d.business(kind, d.registry.ApplyReject(rec), seq, rec, d.messages.OnOrderRejected)
	case KindOrderDone:
		return d.business(kind, d.registry.ApplyDone(rec), seq, rec, d.messages.OnOrderDone)
	case KindOrderFill:
		return d.business(kind, d.registry.ApplyFill(rec), seq, rec, d.messages.OnOrderFill)
	case KindModifyAck:
		return d.business(kind, d.registry.ApplyModifyAck(rec), seq, rec, d.messages.OnModifyAck)
	case KindModifyRejected:
		return d.business(kind, d.registry.ApplyModifyReject(rec), seq, rec, d.messages.OnModifyRejected)
	case KindCancelRejected:
		return d.business(kind, d.registry.ApplyCancelReject(rec), seq, rec, d.messages.OnCancelRejected)
	}
	if kind.Admin() {
		return []func(){d.admin(seq, rec)}
	}
	return []func(){func() { d.messages.OnMsg(seq, rec) }}
}

func (d *Dispatcher) admin(seq uint64, rec *record.Record) func() {
	return func() { d.messages.OnAdmin(seq, rec) }
}

func (d *Dispatcher) business(kind Kind, up order.Update, seq uint64, rec *record.Record, fn func(uint64, *record.Record)) []func() {
	switch up.Outcome {
	case order.Applied:
		return []func(){func() { fn(seq, rec) }}
	case order.Anomaly:
		return nil
	default:
		d.logger.Debug("订单记录转入兜底回调",
			zap.Stringer("kind", kind),
			zap.Stringer("outcome", up.Outcome),
			zap.String("client_order_id", up.Order.ClientOrderID))
		return []func(){func() { d.messages.OnMsg(seq, rec) }}
	}
}

func (d *Dispatcher) onLogonReply(rec *record.Record) []func() {
	calls := []func(){d.admin(0, rec)}
	if state := d.machine.State(); state != session.LoggingOn {
		d.logger.Warn("非登录阶段收到登录应答", zap.Stringer("state", state))
		return calls
	}
	if code := rec.IntegerOr(record.FieldRejectCode, 0); code != 0 {
		err := fmt.Errorf("%w: code %d %s", ErrLogonRejected, code, rec.StringOr(record.FieldText, ""))
		return append(calls, func() { d.sup.Fail(err) })
	}

	next, ok := rec.SeqNum()
	if !ok || next == 0 {
		next = 1
	}
	if err := d.machine.Transition(session.LoggedOn); err != nil {
		d.logger.Error("登录状态迁移失败", zap.Error(err))
		return calls
	}
	d.Reset()
	start := next
	if d.resume > 0 && d.resume < next {
		start = d.resume
	}
	d.resume = 0
	d.tracker.Reset(start)
	d.logger.Info("登录成功", zap.Uint64("next_seqno", next), zap.Uint64("resume_from", start))

	calls = append(calls,
		func() { d.session.OnLoggedOn(next, rec) },
		func() { d.machine.Release(nil) },
		func() { d.sup.LoggedOn(next) },
	)
	if start < next {
		calls = append(calls, func() {
			d.mu.Lock()
			var more []func()
			if d.machine.State() == session.LoggedOn && d.tracker.Next() < next {
				more = d.beginRecovery(sequence.Range{From: d.tracker.Next(), To: next})
			}
			d.mu.Unlock()
			run(more)
		})
	}
	return calls
}

// onTraderLogonReply 交易员登录应答不影响会话状态，被拒时只回调 OnAdmin。
func (d *Dispatcher) onTraderLogonReply(rec *record.Record) []func() {
	calls := []func(){d.admin(0, rec)}
	traderID := rec.StringOr(record.FieldTraderID, "")
	if code := rec.IntegerOr(record.FieldRejectCode, 0); code != 0 {
		d.logger.Warn("交易员登录被拒",
			zap.String("trader_id", traderID),
			zap.Int64("code", code),
			zap.String("text", rec.StringOr(record.FieldText, "")))
		return calls
	}
	d.logger.Info("交易员已登录", zap.String("trader_id", traderID))
	return append(calls, func() { d.session.OnTraderLogonOn(traderID, rec) })
}

func (d *Dispatcher) onLogout(rec *record.Record) []func() {
	calls := []func(){d.admin(0, rec)}
	last := uint64(0)
	if n := d.tracker.Next(); n > 0 {
		last = n - 1
	}
	switch state := d.machine.State(); state {
	case session.LoggedOn, session.Recovering:
		if err := d.machine.Transition(session.LoggingOff); err != nil {
			d.logger.Error("登出状态迁移失败", zap.Error(err))
			return calls
		}
		d.logger.Info("场所发起登出", zap.String("text", rec.StringOr(record.FieldText, "")))
		fallthrough
	case session.LoggingOff:
		if err := d.machine.Transition(session.Disconnected); err != nil {
			d.logger.Error("登出状态迁移失败", zap.Error(err))
			return calls
		}
		d.Reset()
		return append(calls,
			func() { d.session.OnLoggedOff(last, rec) },
			d.sup.LoggedOff,
		)
	case session.LoggingOn:
		err := fmt.Errorf("%w: logout %s", ErrLogonRejected, rec.StringOr(record.FieldText, ""))
		return append(calls, func() { d.sup.Fail(err) })
	default:
		return calls
	}
}

func (d *Dispatcher) onRetransmitComplete(rec *record.Record) []func() {
	calls := []func(){d.admin(0, rec)}
	if !d.recovering {
		return calls
	}
	next := d.tracker.Next()
	gap := &GapError{Expected: next, Received: d.target}
	if d.requests >= d.maxRequests {
		err := fmt.Errorf("%w: %v", ErrRecoveryExhausted, gap)
		d.logger.Error("重传未能补齐缺口", zap.Error(err), zap.Int("requests", d.requests))
		return append(calls, func() { d.sup.Fail(err) })
	}
	d.requests++
	d.logger.Warn("重传结束但缺口未补齐，再次请求",
		zap.Uint64("expected", gap.Expected), zap.Uint64("received", gap.Received), zap.Int("attempt", d.requests))
	return append(calls, d.request(gap))
}
