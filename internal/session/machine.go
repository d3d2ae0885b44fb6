package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Observer 在每次状态迁移后调用。
type Observer func(from, to State)

// Machine 持有会话状态与登录闩锁。状态读取无锁，迁移由调用方串行化。
type Machine struct {
	state    atomic.Int32
	logger   *zap.Logger
	observer Observer

	mu     sync.Mutex
	latch  *Latch
	failed chan struct{}
}

// NewMachine 创建处于 DISCONNECTED 的状态机。
func NewMachine(logger *zap.Logger, observer Observer) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		logger:   logger,
		observer: observer,
		latch:    NewLatch(),
		failed:   make(chan struct{}),
	}
	m.state.Store(int32(Disconnected))
	return m
}

// State 返回当前状态。
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Transition 执行状态迁移，非法迁移返回 ErrInvalidTransition 且状态不变。
// 进入 FAILED 时释放登录闩锁；已登录的会话断开后换上新闩锁，等待下一次登录。
func (m *Machine) Transition(to State) error {
	from := m.State()
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state.Store(int32(to))
	m.logger.Debug("会话状态迁移", zap.Stringer("from", from), zap.Stringer("to", to))
	if m.observer != nil {
		m.observer(from, to)
	}
	switch {
	case to == Failed:
		m.Release(ErrSessionFailed)
		m.mu.Lock()
		closeOnce(m.failed)
		m.mu.Unlock()
	case to == Disconnected && loggedIn(from):
		m.renew()
	}
	return nil
}

// Reset 外部重启：无条件回到 DISCONNECTED，FAILED 只能经此离开。
func (m *Machine) Reset() {
	from := State(m.state.Swap(int32(Disconnected)))
	if from == Disconnected {
		return
	}
	if loggedIn(from) {
		m.renew()
	}
	if m.observer != nil {
		m.observer(from, Disconnected)
	}
}

// Arm 为新一轮启动准备闩锁与失败信号；尚未释放的闩锁保留，已有等待者不会丢失。
func (m *Machine) Arm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latch.Released() {
		m.latch = NewLatch()
	}
	select {
	case <-m.failed:
		m.failed = make(chan struct{})
	default:
	}
}

func (m *Machine) renew() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latch.Released() {
		m.latch = NewLatch()
	}
}

// Failure 在会话进入 FAILED 时关闭。
func (m *Machine) Failure() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

func loggedIn(s State) bool {
	return s == LoggedOn || s == Recovering || s == LoggingOff
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Release 以给定结果释放当前闩锁，nil 表示登录成功。
func (m *Machine) Release(err error) bool {
	m.mu.Lock()
	l := m.latch
	m.mu.Unlock()
	return l.Release(err)
}

// Wait 阻塞直到登录成功、会话失败或被停止。FAILED 状态下立即返回 ErrSessionFailed。
func (m *Machine) Wait(ctx context.Context) error {
	if m.State() == Failed {
		return ErrSessionFailed
	}
	m.mu.Lock()
	l := m.latch
	m.mu.Unlock()
	return l.Wait(ctx)
}
