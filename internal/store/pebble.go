package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"gwc-core/internal/config"
)

// PebbleSeqnoStore 以 pebble 保存会话序号缓存。
type PebbleSeqnoStore struct {
	db *pebble.DB
}

// OpenPebble 打开序号缓存，InMemory 时使用内存文件系统。
func OpenPebble(cfg config.StoreConfig) (*PebbleSeqnoStore, error) {
	opts := &pebble.Options{}
	path := cfg.PebblePath
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		path = "seqno"
	} else if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("store: 打开 pebble 失败: %w", err)
	}
	return &PebbleSeqnoStore{db: db}, nil
}

func seqnoKey(key string) []byte { return append([]byte("seq:"), key...) }

// LoadSeqno 读取缓存的最后入站序号。
func (s *PebbleSeqnoStore) LoadSeqno(_ context.Context, key string) (uint64, bool, error) {
	val, closer, err := s.db.Get(seqnoKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: 读取序号失败: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, fmt.Errorf("store: 序号记录长度异常 %d", len(val))
	}
	return binary.BigEndian.Uint64(val), true, nil
}

// SaveSeqno 写入最后入站序号。
func (s *PebbleSeqnoStore) SaveSeqno(_ context.Context, key string, seqno uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seqno)
	if err := s.db.Set(seqnoKey(key), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("store: 写入序号失败: %w", err)
	}
	return nil
}

// Close 关闭 pebble。
func (s *PebbleSeqnoStore) Close() error {
	return s.db.Close()
}
