package session

import (
	"context"
	"sync"
)

// Latch 是一次性释放的等待点，释放后所有等待者获得同一结果。
type Latch struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewLatch 创建未释放的闩锁。
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Release 释放闩锁，仅首次调用生效并返回 true。
func (l *Latch) Release(err error) bool {
	released := false
	l.once.Do(func() {
		l.err = err
		close(l.done)
		released = true
	})
	return released
}

// Released 判断是否已释放。
func (l *Latch) Released() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Done 返回释放信号。
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// Wait 阻塞直到释放或 ctx 结束。
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
