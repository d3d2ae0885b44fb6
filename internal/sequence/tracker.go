// Package sequence 跟踪入站消息序号并识别顺序、重复与缺口。
package sequence

import "fmt"

// Status 为单次观测的分类结果。
type Status int

const (
	InOrder Status = iota + 1
	Duplicate
	Gap
)

func (s Status) String() string {
	switch s {
	case InOrder:
		return "in_order"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// Range 是半开区间 [From, To)。
type Range struct {
	From uint64
	To   uint64
}

// Len 返回区间内序号数量。
func (r Range) Len() uint64 {
	if r.To <= r.From {
		return 0
	}
	return r.To - r.From
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.From, r.To)
}

// Result 为 Observe 的返回值，仅 Gap 时 Missing 有效。
type Result struct {
	Status  Status
	Missing Range
}

// Tracker 维护下一个期望的入站序号。非并发安全，由调用方串行化。
type Tracker struct {
	next uint64
}

// NewTracker 以给定的期望序号创建跟踪器。
func NewTracker(next uint64) *Tracker {
	return &Tracker{next: next}
}

// Next 返回下一个期望序号。
func (t *Tracker) Next() uint64 {
	return t.next
}

// Reset 重新设定期望序号，用于登录应答或恢复会话。
func (t *Tracker) Reset(next uint64) {
	t.next = next
}

// Observe 对到达的序号分类。只有 InOrder 会推进计数器。
func (t *Tracker) Observe(seqno uint64) Result {
	switch {
	case seqno == t.next:
		t.next = seqno + 1
		return Result{Status: InOrder}
	case seqno < t.next:
		return Result{Status: Duplicate}
	default:
		return Result{Status: Gap, Missing: Range{From: t.next, To: seqno}}
	}
}
