// Package transport 定义连接器与底层链路之间的边界。
package transport

import (
	"context"
	"errors"
)

// ErrClosed 表示链路已被任一方正常关闭。
var ErrClosed = errors.New("transport: connection closed")

// Conn 是一条双向帧链路。Send 与 Receive 可在不同 goroutine 并发调用。
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer 建立到指定端点的链路。
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc 函数适配器。
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) { return f(ctx, addr) }
