// Package monitor 把连接器的会话事件写入 SQLite，供监控接口按类型与游标检索。
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"gwc-core/internal/order"
	"gwc-core/internal/session"
	"gwc-core/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Service 负责持久化与检索会话事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_kind ON session_events(kind, id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件并返回分配的 ID。
func (s *Service) Record(ctx context.Context, event Event) (int64, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (kind, payload, recorded_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("monitor: 读取事件 ID 失败: %w", err)
	}
	return id, nil
}

// record 供观察者回调使用，写入失败只告警。
func (s *Service) record(ctx context.Context, typ EventType, payload interface{}) {
	if _, err := s.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordSessionState 记录会话状态迁移。
func (s *Service) RecordSessionState(ctx context.Context, from, to session.State) {
	s.record(ctx, EventSessionState, SessionStatePayload{From: from, To: to})
}

// RecordGap 记录序号缺口。
func (s *Service) RecordGap(ctx context.Context, expected, received uint64) {
	p := GapPayload{Expected: expected, Received: received}
	if received > expected {
		p.Missing = received - expected
	}
	s.record(ctx, EventGap, p)
}

// RecordOrderTerminal 记录终态订单，被拒订单附带拒绝原因。
func (s *Service) RecordOrderTerminal(ctx context.Context, o order.Order) {
	p := OrderTerminalPayload{Order: o}
	if err := o.Err(); err != nil {
		p.Error = err.Error()
	}
	s.record(ctx, EventOrderTerminal, p)
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	p := ErrorPayload{Message: msg, Context: fields}
	if err != nil {
		p.Error = err.Error()
	}
	s.record(ctx, EventError, p)
}

// ListEvents 按条件检索事件，Payload 以 json.RawMessage 返回。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}

	var (
		where []string
		args  []interface{}
	)
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	dir := "DESC"
	if q.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, q.SinceID)
		dir = "ASC"
	}

	query := `SELECT id, kind, payload, recorded_at FROM session_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id " + dir + " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e       Event
			kind    string
			payload string
			at      int64
		)
		if err := rows.Scan(&e.ID, &kind, &payload, &at); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		e.Type = EventType(kind)
		e.Timestamp = time.Unix(0, at).UTC()
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}

// Summary 返回各事件类型的数量与最近一条的位置，按类型排序。
func (s *Service) Summary(ctx context.Context) ([]KindSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*), MAX(id), MAX(recorded_at) FROM session_events GROUP BY kind ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("monitor: 统计事件失败: %w", err)
	}
	defer rows.Close()

	var out []KindSummary
	for rows.Next() {
		var (
			k    KindSummary
			kind string
			at   int64
		)
		if err := rows.Scan(&kind, &k.Count, &k.LastID, &at); err != nil {
			return nil, fmt.Errorf("monitor: 解析统计失败: %w", err)
		}
		k.Type = EventType(kind)
		k.LastAt = time.Unix(0, at).UTC()
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取统计失败: %w", err)
	}
	return out, nil
}
