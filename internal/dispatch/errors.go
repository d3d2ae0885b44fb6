package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrLogonRejected 场所拒绝登录。
	ErrLogonRejected = errors.New("dispatch: logon rejected")
	// ErrRecoveryExhausted 重传请求次数用尽仍未补齐缺口。
	ErrRecoveryExhausted = errors.New("dispatch: recovery attempts exhausted")
)

// GapError 描述入站序号缺口 [Expected, Received)，仅作信息性事件。
type GapError struct {
	Expected uint64
	Received uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("dispatch: sequence gap expected %d received %d", e.Expected, e.Received)
}
