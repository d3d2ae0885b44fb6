// Package log 负责日志实例构建与进程级日志服务。
package log

import (
	"sync"

	"go.uber.org/zap"

	"gwc-core/internal/config"
)

// Handle 是从进程级日志服务取得的命名日志句柄。
type Handle struct {
	name   string
	logger *zap.Logger
}

// Name 返回句柄名称。
func (h *Handle) Name() string { return h.name }

// Logger 返回句柄对应的 zap.Logger。
func (h *Handle) Logger() *zap.Logger {
	if h == nil {
		return zap.NewNop()
	}
	return h.logger
}

var service struct {
	mu      sync.Mutex
	root    *zap.Logger
	handles map[*Handle]struct{}
}

// Configure 按配置构建日志实例并安装为进程级日志服务。
func Configure(cfg config.LoggingConfig) (*zap.Logger, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	Install(logger)
	return logger, nil
}

// Install 安装一个已构建的日志实例，替换之前的实例。
func Install(logger *zap.Logger) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.root != nil {
		_ = service.root.Sync()
	}
	service.root = logger
	if service.handles == nil {
		service.handles = make(map[*Handle]struct{})
	}
}

// Acquire 取得命名句柄，服务未安装时返回无输出句柄。
func Acquire(name string) *Handle {
	service.mu.Lock()
	defer service.mu.Unlock()
	h := &Handle{name: name, logger: zap.NewNop()}
	if service.root != nil {
		h.logger = service.root.Named(name)
		service.handles[h] = struct{}{}
	}
	return h
}

// Release 归还句柄。
func Release(h *Handle) {
	if h == nil {
		return
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	if _, ok := service.handles[h]; ok {
		delete(service.handles, h)
		_ = h.logger.Sync()
	}
}

// Outstanding 返回尚未归还的句柄数量。
func Outstanding() int {
	service.mu.Lock()
	defer service.mu.Unlock()
	return len(service.handles)
}

// Teardown 刷新并卸载进程级日志服务，之后 Acquire 得到无输出句柄。
func Teardown() error {
	service.mu.Lock()
	defer service.mu.Unlock()
	var err error
	if service.root != nil {
		err = service.root.Sync()
	}
	service.root = nil
	service.handles = nil
	return err
}
