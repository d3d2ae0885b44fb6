package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	EnvSimulation = "simulation"
	EnvProduction = "production"

	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Config 聚合了连接器运行所需的全部配置项。
type Config struct {
	App       AppConfig      `mapstructure:"app"`
	Session   SessionConfig  `mapstructure:"session"`
	Reconnect RetryConfig    `mapstructure:"reconnect"`
	Throttle  ThrottleConfig `mapstructure:"throttle"`
	Store     StoreConfig    `mapstructure:"store"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Monitor   MonitorConfig  `mapstructure:"monitor"`
	Workflow  WorkflowConfig `mapstructure:"workflow"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Venue       string `mapstructure:"venue"`
}

// SessionConfig 描述场所会话参数。
type SessionConfig struct {
	RealTimeHost        string        `mapstructure:"real_time_host"`
	RecoveryHost        string        `mapstructure:"recovery_host"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	TraderID            string        `mapstructure:"trader_id"`
	SeqnoKey            string        `mapstructure:"seqno_key"`
	EnableRawMessages   bool          `mapstructure:"enable_raw_messages"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	LogoffTimeout       time.Duration `mapstructure:"logoff_timeout"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	MaxRecoveryRequests int           `mapstructure:"max_recovery_requests"`
	OutboundQueueSize   int           `mapstructure:"outbound_queue_size"`
}

// RetryConfig 统一控制重连退避。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ThrottleConfig 出站限速，Rate 为每秒消息数，0 表示不限速。
type ThrottleConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// StoreConfig 管理本地存储。
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"`
	Path            string        `mapstructure:"path"`
	PebblePath      string        `mapstructure:"pebble_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Format           string   `mapstructure:"format"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 监控 HTTP 服务，Port 为 0 时不启动。
type MonitorConfig struct {
	Port int `mapstructure:"port"`
}

// WorkflowConfig 示例下单流程。改单与撤单的串联由这里的开关决定。
type WorkflowConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ClientOrderID     string        `mapstructure:"client_order_id"`
	InstrumentID      string        `mapstructure:"instrument_id"`
	Account           string        `mapstructure:"account"`
	Side              string        `mapstructure:"side"`
	Quantity          int64         `mapstructure:"quantity"`
	Price             string        `mapstructure:"price"`
	OrderType         string        `mapstructure:"order_type"`
	TimeInForce       string        `mapstructure:"time_in_force"`
	ModifyOnAck       bool          `mapstructure:"modify_on_ack"`
	ModifyPrice       string        `mapstructure:"modify_price"`
	CancelOnModifyAck bool          `mapstructure:"cancel_on_modify_ack"`
	RunFor            time.Duration `mapstructure:"run_for"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	switch c.App.Environment {
	case EnvSimulation, EnvProduction:
	default:
		err = multierr.Append(err, fmt.Errorf("app.environment 必须为 %s 或 %s", EnvSimulation, EnvProduction))
	}
	if c.App.Venue == "" {
		err = multierr.Append(err, errors.New("app.venue 不能为空"))
	}
	if c.Session.RealTimeHost == "" {
		err = multierr.Append(err, errors.New("session.real_time_host 不能为空"))
	}
	if c.Session.RecoveryHost == "" {
		err = multierr.Append(err, errors.New("session.recovery_host 不能为空"))
	}
	if c.Session.HeartbeatInterval < 0 {
		err = multierr.Append(err, errors.New("session.heartbeat_interval 不能为负"))
	}
	if c.Session.LogoffTimeout <= 0 {
		err = multierr.Append(err, errors.New("session.logoff_timeout 必须大于0"))
	}
	if c.Session.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("session.connect_timeout 必须大于0"))
	}
	if c.Session.MaxRecoveryRequests <= 0 {
		err = multierr.Append(err, errors.New("session.max_recovery_requests 必须大于0"))
	}
	if c.Session.OutboundQueueSize <= 0 {
		err = multierr.Append(err, errors.New("session.outbound_queue_size 必须大于0"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("reconnect.max_attempts 必须大于0"))
	}
	if c.Reconnect.MinDelay <= 0 || c.Reconnect.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("reconnect.delay 必须为正"))
	}
	if c.Reconnect.MinDelay > c.Reconnect.MaxDelay {
		err = multierr.Append(err, errors.New("reconnect.min_delay 不能大于 max_delay"))
	}
	if c.Throttle.Rate < 0 {
		err = multierr.Append(err, errors.New("throttle.rate 不能为负"))
	}
	if c.Throttle.Rate > 0 && c.Throttle.Burst <= 0 {
		err = multierr.Append(err, errors.New("throttle.burst 必须大于0"))
	}
	switch strings.ToLower(c.Store.Backend) {
	case BackendSQLite:
	case BackendPebble:
		if c.Store.PebblePath == "" && !c.Store.InMemory {
			err = multierr.Append(err, errors.New("store.pebble_path 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("store.backend 不支持 %q", c.Store.Backend))
	}
	if c.Store.Path == "" && !c.Store.InMemory {
		err = multierr.Append(err, errors.New("store.path 不能为空"))
	}
	if c.Store.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("store.max_open_conns 必须大于0"))
	}
	if c.Store.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("store.max_idle_conns 不能为负"))
	}
	if c.Store.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("store.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	switch c.Logging.Encoding {
	case "console", "json", "template":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.encoding 不支持 %q", c.Logging.Encoding))
	}
	if c.Logging.Encoding == "template" && c.Logging.Format == "" {
		err = multierr.Append(err, errors.New("logging.format 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[0,65535]"))
	}
	if c.Workflow.Enabled {
		if c.Workflow.ClientOrderID == "" {
			err = multierr.Append(err, errors.New("workflow.client_order_id 不能为空"))
		}
		if c.Workflow.InstrumentID == "" {
			err = multierr.Append(err, errors.New("workflow.instrument_id 不能为空"))
		}
		if c.Workflow.Quantity <= 0 {
			err = multierr.Append(err, errors.New("workflow.quantity 必须大于0"))
		}
		if c.Workflow.CancelOnModifyAck && !c.Workflow.ModifyOnAck {
			err = multierr.Append(err, errors.New("workflow.cancel_on_modify_ack 需要同时开启 modify_on_ack"))
		}
	}
	if c.Workflow.RunFor < 0 {
		err = multierr.Append(err, errors.New("workflow.run_for 不能为负"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// SeqnoKey 返回序号缓存键，未配置时为 <venue>.<environment>。
func (c *Config) SeqnoKey() string {
	if c.Session.SeqnoKey != "" {
		return c.Session.SeqnoKey
	}
	return c.App.Venue + "." + c.App.Environment
}
