// Package store 提供本地持久化：会话序号缓存与终态订单归档。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gwc-core/internal/config"
)

// Store 封装 SQLite 连接。
type Store struct {
	db *sql.DB
}

// NewSQLite 根据配置初始化 SQLite 存储。
func NewSQLite(cfg config.StoreConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
		// 内存库每个连接独立，只能保留单连接。
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite WAL 模式失败: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite 同步级别失败: %w", err)
	}

	s := &Store{db: conn}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS session_seqno (
	seqno_key TEXT PRIMARY KEY,
	seqno INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS order_archive (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_order_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	status TEXT NOT NULL,
	chain TEXT NOT NULL,
	payload TEXT NOT NULL,
	archived_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_archive_client ON order_archive(client_order_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化表失败: %w", err)
	}
	return nil
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadSeqno 读取缓存的最后入站序号，不存在时 ok 为 false。
func (s *Store) LoadSeqno(ctx context.Context, key string) (uint64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seqno FROM session_seqno WHERE seqno_key = ?`, key).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: 读取序号失败: %w", err)
	}
	return uint64(seq), true, nil
}

// SaveSeqno 写入最后入站序号。
func (s *Store) SaveSeqno(ctx context.Context, key string, seqno uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO session_seqno (seqno_key, seqno, updated_at) VALUES (?, ?, ?)
ON CONFLICT(seqno_key) DO UPDATE SET seqno = excluded.seqno, updated_at = excluded.updated_at`,
		key, int64(seqno), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 写入序号失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
