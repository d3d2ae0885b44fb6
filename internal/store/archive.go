package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"gwc-core/internal/order"
)

// ArchiveOrder 持久化终态订单及其完整 clientOrderID 链。
func (s *Store) ArchiveOrder(ctx context.Context, o order.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("store: 序列化订单失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO order_archive (client_order_id, order_id, instrument_id, status, chain, payload, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, o.OrderID, o.InstrumentID, o.Status.String(),
		strings.Join(o.Chain, ","), string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 写入订单归档失败: %w", err)
	}
	return nil
}

// ListArchived 按归档时间倒序返回最近 limit 笔终态订单。
func (s *Store) ListArchived(ctx context.Context, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM order_archive ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: 查询订单归档失败: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: 读取订单归档失败: %w", err)
		}
		var o order.Order
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, fmt.Errorf("store: 解析订单归档失败: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历订单归档失败: %w", err)
	}
	return out, nil
}

// FindArchived 按链上任一 clientOrderID 查询最近一笔归档。
func (s *Store) FindArchived(ctx context.Context, clientID string) (order.Order, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload, chain FROM order_archive WHERE client_order_id = ? OR ',' || chain || ',' LIKE ? ORDER BY id DESC LIMIT 1`,
		clientID, "%,"+clientID+",%")
	if err != nil {
		return order.Order{}, false, fmt.Errorf("store: 查询订单归档失败: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return order.Order{}, false, rows.Err()
	}
	var payload, chain string
	if err := rows.Scan(&payload, &chain); err != nil {
		return order.Order{}, false, fmt.Errorf("store: 读取订单归档失败: %w", err)
	}
	var o order.Order
	if err := json.Unmarshal([]byte(payload), &o); err != nil {
		return order.Order{}, false, fmt.Errorf("store: 解析订单归档失败: %w", err)
	}
	return o, true, nil
}
