// Package session 实现会话状态机、登录闩锁与会话事件处理契约。
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition 表示状态迁移不被允许。
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrSessionFailed 表示会话进入 FAILED 终态。
	ErrSessionFailed = errors.New("session: failed")
	// ErrStopped 表示会话在登录前被停止。
	ErrStopped = errors.New("session: stopped")
)

// State 会话状态。
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	LoggingOn
	LoggedOn
	Recovering
	LoggingOff
	Failed
)

var stateNames = [...]string{
	Disconnected: "DISCONNECTED",
	Connecting:   "CONNECTING",
	Connected:    "CONNECTED",
	LoggingOn:    "LOGGING_ON",
	LoggedOn:     "LOGGED_ON",
	Recovering:   "RECOVERING",
	LoggingOff:   "LOGGING_OFF",
	Failed:       "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// MarshalText 以状态名序列化。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active 表示会话处于已登录（含恢复中）阶段。
func (s State) Active() bool {
	return s == LoggedOn || s == Recovering
}

// 除 FAILED 外任意状态都可因错误回到 DISCONNECTED 或进入 FAILED。
var transitions = map[State][]State{
	Disconnected: {Connecting, Failed},
	Connecting:   {Connected, Disconnected, Failed},
	Connected:    {LoggingOn, Disconnected, Failed},
	LoggingOn:    {LoggedOn, Disconnected, Failed},
	LoggedOn:     {Recovering, LoggingOff, Disconnected, Failed},
	Recovering:   {LoggedOn, LoggingOff, Disconnected, Failed},
	LoggingOff:   {Disconnected, Failed},
	Failed:       {},
}

// CanTransition 判断 from→to 是否合法。
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
