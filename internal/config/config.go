package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "gwc"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", EnvSimulation)
	v.SetDefault("app.venue", "venue-sim")

	v.SetDefault("session.real_time_host", "ws://127.0.0.1:9400/realtime")
	v.SetDefault("session.recovery_host", "ws://127.0.0.1:9400/recovery")
	v.SetDefault("session.username", "")
	v.SetDefault("session.password", "")
	v.SetDefault("session.trader_id", "")
	v.SetDefault("session.seqno_key", "")
	v.SetDefault("session.enable_raw_messages", false)
	v.SetDefault("session.heartbeat_interval", "30s")
	v.SetDefault("session.logoff_timeout", "5s")
	v.SetDefault("session.connect_timeout", "10s")
	v.SetDefault("session.max_recovery_requests", 3)
	v.SetDefault("session.outbound_queue_size", 256)

	v.SetDefault("reconnect.max_attempts", 3)
	v.SetDefault("reconnect.min_delay", "500ms")
	v.SetDefault("reconnect.max_delay", "5s")

	v.SetDefault("throttle.rate", 0)
	v.SetDefault("throttle.burst", 1)

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.path", "data/gwc.db")
	v.SetDefault("store.pebble_path", "data/seqno")
	v.SetDefault("store.max_open_conns", 4)
	v.SetDefault("store.max_idle_conns", 4)
	v.SetDefault("store.conn_max_lifetime", "1h")
	v.SetDefault("store.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.format", "{severity} {name} {time} {message}")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.port", 0)

	v.SetDefault("workflow.enabled", false)
	v.SetDefault("workflow.client_order_id", "myorder")
	v.SetDefault("workflow.instrument_id", "133215")
	v.SetDefault("workflow.side", "buy")
	v.SetDefault("workflow.quantity", 1000)
	v.SetDefault("workflow.price", "1200")
	v.SetDefault("workflow.order_type", "limit")
	v.SetDefault("workflow.time_in_force", "day")
	v.SetDefault("workflow.modify_on_ack", false)
	v.SetDefault("workflow.modify_price", "1201")
	v.SetDefault("workflow.cancel_on_modify_ack", false)
	v.SetDefault("workflow.run_for", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
