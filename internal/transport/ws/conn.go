// Package ws 基于 gorilla/websocket 实现 transport 边界。
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gwc-core/internal/transport"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

// Options 链路参数。
type Options struct {
	Path             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Dialer 实现 transport.Dialer。
type Dialer struct {
	dialer *websocket.Dialer
	opts   Options
}

// NewDialer 创建 websocket 拨号器。
func NewDialer(opts Options) *Dialer {
	opts = opts.withDefaults()
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		opts: opts,
	}
}

// Dial 连接 addr，addr 可以是完整 ws(s):// URL 或 host:port。
func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	endpoint, err := endpointURL(addr, d.opts.Path)
	if err != nil {
		return nil, err
	}
	conn, _, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: 连接 %s 失败: %w", endpoint, err)
	}
	return newConn(conn, d.opts), nil
}

func endpointURL(addr, path string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("ws: 地址不能为空")
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("ws: 解析地址失败: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("ws: 不支持的协议 %q", u.Scheme)
	}
	if (u.Path == "" || u.Path == "/") && path != "" {
		u.Path = path
	}
	return u.String(), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Upgrade 在服务端升级 HTTP 请求为链路。
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: 升级连接失败: %w", err)
	}
	return newConn(conn, opts.withDefaults()), nil
}

// Conn 实现 transport.Conn。写入串行化，读取只应由单个 goroutine 调用。
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(conn *websocket.Conn, opts Options) *Conn {
	conn.SetReadLimit(opts.ReadLimit)
	return &Conn{conn: conn, writeTimeout: opts.WriteTimeout}
}

// Send 写入一帧。
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return normalize(err)
	}
	return normalize(c.conn.WriteMessage(websocket.TextMessage, frame))
}

// Receive 读取一帧，ctx 结束时中断读取。
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, normalize(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close 发送关闭帧并关闭底层连接，可重复调用。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// normalize 将正常关闭映射为 transport.ErrClosed。
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return err
}
