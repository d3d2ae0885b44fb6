package monitor

import (
	"fmt"
	"strings"
	"time"

	"gwc-core/internal/order"
	"gwc-core/internal/session"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSessionState  EventType = "session_state"
	EventGap           EventType = "gap"
	EventOrderTerminal EventType = "order_terminal"
	EventError         EventType = "error"
)

var knownTypes = map[EventType]struct{}{
	EventSessionState:  {},
	EventGap:           {},
	EventOrderTerminal: {},
	EventError:         {},
}

// ParseEventTypes 解析逗号分隔的事件类型，大小写不敏感，空串表示不过滤。
func ParseEventTypes(s string) ([]EventType, error) {
	var out []EventType
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		t := EventType(part)
		if _, ok := knownTypes[t]; !ok {
			return nil, fmt.Errorf("monitor: unknown event type %q", part)
		}
		out = append(out, t)
	}
	return out, nil
}

// Event 为一条会话事件。ID 单调递增，可用作增量拉取的游标。
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Query 事件检索条件。SinceID 为零时返回最新的 Limit 条（按 ID 倒序），
// 否则返回 ID 大于 SinceID 的最早 Limit 条（按 ID 正序）。
type Query struct {
	Types   []EventType
	SinceID int64
	Limit   int
}

// KindSummary 单个事件类型的累计统计。
type KindSummary struct {
	Type   EventType `json:"type"`
	Count  int64     `json:"count"`
	LastID int64     `json:"last_id"`
	LastAt time.Time `json:"last_at"`
}

// SessionStatePayload 记录会话状态迁移。
type SessionStatePayload struct {
	From session.State `json:"from"`
	To   session.State `json:"to"`
}

// GapPayload 记录入站序号缺口 [Expected, Received)。
type GapPayload struct {
	Expected uint64 `json:"expected"`
	Received uint64 `json:"received"`
	Missing  uint64 `json:"missing"`
}

// OrderTerminalPayload 记录进入终态的订单。
type OrderTerminalPayload struct {
	Order order.Order `json:"order"`
	Error string      `json:"error,omitempty"`
}

// ErrorPayload 记录连接器异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
