package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"

	"gwc-core/internal/dispatch"
	"gwc-core/internal/session"
	"gwc-core/internal/transport"
)

var (
	// ErrNotInitialised 表示尚未调用 Init。
	ErrNotInitialised = errors.New("gateway: connector not initialised")
	// ErrAlreadyStarted 表示连接器已在运行。
	ErrAlreadyStarted = errors.New("gateway: connector already started")
	// ErrNotLoggedOn 表示会话未登录，发送被拒绝。
	ErrNotLoggedOn = errors.New("gateway: session not logged on")
	// ErrRecovering 表示会话正在补齐缺口，暂不接受新订单。
	ErrRecovering = errors.New("gateway: session recovering")
	// ErrOutboundFull 表示出站队列已满。
	ErrOutboundFull = errors.New("gateway: outbound queue full")
	// ErrRawDisabled 表示未开启原始消息收发。
	ErrRawDisabled = errors.New("gateway: raw messages disabled")
	// ErrMissedHeartbeats 表示连续心跳周期内没有任何入站流量。
	ErrMissedHeartbeats = errors.New("gateway: missed heartbeats")
	// ErrLogonTimeout 表示登录应答超时。
	ErrLogonTimeout = errors.New("gateway: logon timed out")
)

// 端点名称。
const (
	EndpointRealTime = "realtime"
	EndpointRecovery = "recovery"
)

// ConnectionError 描述链路层故障，按重连策略处理。
type ConnectionError struct {
	Endpoint string
	Addr     string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gateway: %s connection %s: %v", e.Endpoint, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsRetryable 判断错误是否值得重连。
func IsRetryable(err error) bool {
	_, retry := classifyError(err)
	return retry
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) {
		return err, false
	}
	if errors.Is(err, dispatch.ErrLogonRejected) || errors.Is(err, dispatch.ErrRecoveryExhausted) {
		return err, false
	}

	switch {
	case errors.Is(err, ErrMissedHeartbeats),
		errors.Is(err, ErrLogonTimeout),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return err, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err, true
	}

	return err, false
}

// DefaultPolicy 按错误类别决定是否重连，可作为 session.BaseHandler 的 Policy。
func DefaultPolicy(err error) session.RetryDecision {
	if IsRetryable(err) {
		return session.Reconnect
	}
	return session.GiveUp
}
