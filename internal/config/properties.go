package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 连接器识别的属性键。
const (
	PropVenue                = "venue"
	PropEnvironment          = "environment"
	PropRealTimeHost         = "real_time_host"
	PropRecoveryHost         = "recovery_host"
	PropSeqnoKey             = "seqno_key"
	PropEnableRawMessages    = "enable_raw_messages"
	PropHeartbeatInterval    = "heartbeat_interval"
	PropLogoffTimeout        = "logoff_timeout"
	PropConnectTimeout       = "connect_timeout"
	PropMaxRecoveryRequests  = "max_recovery_requests"
	PropOutboundQueueSize    = "outbound_queue_size"
	PropReconnectMaxAttempts = "reconnect_max_attempts"
	PropReconnectMinDelay    = "reconnect_min_delay"
	PropReconnectMaxDelay    = "reconnect_max_delay"
	PropThrottleRate         = "throttle_rate"
	PropThrottleBurst        = "throttle_burst"
)

// Properties 是交给连接器核心的已解析键值集合。
type Properties map[string]string

// String 读取字符串属性。
func (p Properties) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Bool 读取布尔属性，Y/y/yes/true/1 为真。
func (p Properties) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true", "1":
		return true
	default:
		return false
	}
}

// Int 读取整数属性，格式错误时返回错误。
func (p Properties) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("config: 属性 %s 不是整数: %w", key, err)
	}
	return n, nil
}

// Float 读取浮点属性。
func (p Properties) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def, fmt.Errorf("config: 属性 %s 不是数值: %w", key, err)
	}
	return f, nil
}

// Duration 读取时长属性，纯数字按秒解释。
func (p Properties) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("config: 属性 %s 不是时长: %w", key, err)
	}
	return d, nil
}

// Clone 返回副本。
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Properties 将配置展开为连接器属性，凭证不在其中。
func (c *Config) Properties() Properties {
	yn := func(b bool) string {
		if b {
			return "Y"
		}
		return "N"
	}
	return Properties{
		PropVenue:                c.App.Venue,
		PropEnvironment:          c.App.Environment,
		PropRealTimeHost:         c.Session.RealTimeHost,
		PropRecoveryHost:         c.Session.RecoveryHost,
		PropSeqnoKey:             c.SeqnoKey(),
		PropEnableRawMessages:    yn(c.Session.EnableRawMessages),
		PropHeartbeatInterval:    c.Session.HeartbeatInterval.String(),
		PropLogoffTimeout:        c.Session.LogoffTimeout.String(),
		PropConnectTimeout:       c.Session.ConnectTimeout.String(),
		PropMaxRecoveryRequests:  strconv.Itoa(c.Session.MaxRecoveryRequests),
		PropOutboundQueueSize:    strconv.Itoa(c.Session.OutboundQueueSize),
		PropReconnectMaxAttempts: strconv.Itoa(c.Reconnect.MaxAttempts),
		PropReconnectMinDelay:    c.Reconnect.MinDelay.String(),
		PropReconnectMaxDelay:    c.Reconnect.MaxDelay.String(),
		PropThrottleRate:         strconv.FormatFloat(c.Throttle.Rate, 'f', -1, 64),
		PropThrottleBurst:        strconv.Itoa(c.Throttle.Burst),
	}
}
