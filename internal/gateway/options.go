package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gwc-core/internal/config"
	"gwc-core/internal/dispatch"
	"gwc-core/internal/order"
	"gwc-core/internal/record"
	"gwc-core/internal/session"
	"gwc-core/internal/transport"
)

// SeqnoStore 持久化最后处理的入站序号，用于重启后的恢复。
type SeqnoStore interface {
	LoadSeqno(ctx context.Context, key string) (uint64, bool, error)
	SaveSeqno(ctx context.Context, key string, seqno uint64) error
}

// Observer 接收连接器的监控事件。方法在互斥域或分发线程上同步调用。
type Observer interface {
	SessionState(from, to session.State)
	Gap(expected, received uint64)
	OrderTerminal(o order.Order)
	Error(err error)
}

// Options 连接器的外部依赖。
type Options struct {
	Logger     *zap.Logger
	Dialer     transport.Dialer
	Codec      record.Codec
	Classifier dispatch.Classifier
	Seqno      SeqnoStore
	Archiver   order.Archiver
	Observer   Observer
	// ArchiveLimit 为内存中保留的终态订单数量。
	ArchiveLimit int
}

// Settings 为 Init 的参数，Properties 中的 venue/environment 优先级低于显式字段。
type Settings struct {
	Venue       string
	Environment string
	Properties  config.Properties
}

type settings struct {
	venue        string
	environment  string
	realTimeHost string
	recoveryHost string
	seqnoKey     string
	raw          bool

	heartbeat      time.Duration
	logoffTimeout  time.Duration
	connectTimeout time.Duration

	maxRecovery int
	queueSize   int

	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration

	rate  float64
	burst int
}

func parseSettings(s Settings) (settings, error) {
	p := s.Properties
	out := settings{
		venue:        s.Venue,
		environment:  s.Environment,
		realTimeHost: p.String(config.PropRealTimeHost, ""),
		recoveryHost: p.String(config.PropRecoveryHost, ""),
		raw:          p.Bool(config.PropEnableRawMessages, false),
	}
	if out.venue == "" {
		out.venue = p.String(config.PropVenue, "")
	}
	if out.environment == "" {
		out.environment = p.String(config.PropEnvironment, config.EnvSimulation)
	}

	switch {
	case out.venue == "":
		return settings{}, fmt.Errorf("gateway: 缺少属性 %s", config.PropVenue)
	case out.realTimeHost == "":
		return settings{}, fmt.Errorf("gateway: 缺少属性 %s", config.PropRealTimeHost)
	case out.recoveryHost == "":
		return settings{}, fmt.Errorf("gateway: 缺少属性 %s", config.PropRecoveryHost)
	}
	out.seqnoKey = p.String(config.PropSeqnoKey, out.venue+"."+out.environment)

	var errs error
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{config.PropHeartbeatInterval, 30 * time.Second, &out.heartbeat},
		{config.PropLogoffTimeout, 5 * time.Second, &out.logoffTimeout},
		{config.PropConnectTimeout, 10 * time.Second, &out.connectTimeout},
		{config.PropReconnectMinDelay, 500 * time.Millisecond, &out.minDelay},
		{config.PropReconnectMaxDelay, 30 * time.Second, &out.maxDelay},
	}
	for _, d := range durations {
		v, err := p.Duration(d.key, d.def)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		*d.dst = v
	}
	ints := []struct {
		key string
		def int
		dst *int
	}{
		{config.PropMaxRecoveryRequests, 3, &out.maxRecovery},
		{config.PropOutboundQueueSize, 256, &out.queueSize},
		{config.PropReconnectMaxAttempts, 5, &out.maxAttempts},
		{config.PropThrottleBurst, 1, &out.burst},
	}
	for _, n := range ints {
		v, err := p.Int(n.key, n.def)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		*n.dst = v
	}
	rate, err := p.Float(config.PropThrottleRate, 0)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	out.rate = rate
	if errs != nil {
		return settings{}, errs
	}

	if out.queueSize <= 0 {
		out.queueSize = 256
	}
	if out.maxAttempts <= 0 {
		out.maxAttempts = 1
	}
	if out.minDelay <= 0 {
		out.minDelay = 500 * time.Millisecond
	}
	if out.maxDelay < out.minDelay {
		out.maxDelay = out.minDelay
	}
	if out.connectTimeout <= 0 {
		out.connectTimeout = 10 * time.Second
	}
	if out.logoffTimeout <= 0 {
		out.logoffTimeout = 5 * time.Second
	}
	return out, nil
}
