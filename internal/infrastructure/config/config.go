// Package config loads the application configuration from file and
// environment. All tunables are injected into components at construction;
// nothing reads the environment after startup.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"oneui/internal/shared/constants"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Xray      XrayConfig      `mapstructure:"xray"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Online    OnlineConfig    `mapstructure:"online"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Update    UpdateConfig    `mapstructure:"update"`
	Routing   RoutingConfig   `mapstructure:"routing"`
}

// Load reads configs/config.yaml plus ONEUI_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("/etc/oneui")

	v.SetEnvPrefix("ONEUI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus environment carry a full config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	return &cfg, nil
}

// normalize clamps tunables into their documented bounds.
func (c *Config) normalize() {
	clampMin(&c.Stats.IntervalSec, 5)
	clampMin(&c.Lifecycle.IntervalSec, 10)
	clampMin(&c.Reconcile.DebounceMs, 100)
	clampMin(&c.Reconcile.FullIntervalMin, 1)
	clampMin(&c.Online.TTLSec, 5)
	clampMin(&c.Online.IdleTTLSec, 30)
	clampMin(&c.Online.DeviceTTLSec, 30)
	clampMin(&c.Online.DeviceTrackingTTLSec, 300)
	clampMin(&c.Online.RefreshIntervalSec, 1)

	clamp(&c.Xray.SnapshotRetention, 1, 500)
	clamp(&c.Stream.MinIntervalMs, 500, 10000)
	clamp(&c.Stream.MaxIntervalMs, c.Stream.MinIntervalMs, 10000)
	clamp(&c.Stream.DefaultIntervalMs, c.Stream.MinIntervalMs, c.Stream.MaxIntervalMs)
	clamp(&c.Stream.DefaultLimit, 1, 500)

	clampMin(&c.Update.BackupRetention, 1)
	if c.Update.DefaultChannel != "latest" {
		c.Update.DefaultChannel = "stable"
	}
	if c.Update.LockName == "" {
		c.Update.LockName = constants.UpdateLockName
	}

	switch c.Routing.Mode {
	case "smart", "filtered", "strict", "open":
	default:
		c.Routing.Mode = "smart"
	}

	clampMin(&c.Xray.StatsCLITimeoutSec, 3)
}

func clamp(v *int, lo, hi int) {
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
}

func clampMin(v *int, lo int) {
	if *v < lo {
		*v = lo
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/oneui.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.username", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "oneui")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("xray.binary_path", "/usr/local/bin/xray")
	v.SetDefault("xray.config_path", "/usr/local/etc/xray/config.json")
	v.SetDefault("xray.conf_dir", "")
	v.SetDefault("xray.template_path", "")
	v.SetDefault("xray.api_host", "127.0.0.1")
	v.SetDefault("xray.api_port", 62789)
	v.SetDefault("xray.log_level", "warning")
	v.SetDefault("xray.deployment_hint", "")
	v.SetDefault("xray.container_name", "xray")
	v.SetDefault("xray.service_name", "xray")
	v.SetDefault("xray.pid_file", "/run/xray.pid")
	v.SetDefault("xray.hot_reload", true)
	v.SetDefault("xray.snapshot_dir", "./data/snapshots")
	v.SetDefault("xray.snapshot_retention", 20)
	v.SetDefault("xray.stats_http_base_url", "")
	v.SetDefault("xray.stats_http_timeout_sec", 5)
	v.SetDefault("xray.stats_cli_timeout_sec", 7)
	v.SetDefault("xray.verify_attempts", 6)
	v.SetDefault("xray.verify_interval_sec", 1)

	v.SetDefault("stats.interval_sec", 60)

	v.SetDefault("lifecycle.interval_sec", 60)

	v.SetDefault("reconcile.debounce_ms", 2000)
	v.SetDefault("reconcile.full_interval_min", 60)

	v.SetDefault("online.ttl_sec", 60)
	v.SetDefault("online.idle_ttl_sec", 75)
	v.SetDefault("online.device_ttl_sec", 60)
	v.SetDefault("online.device_tracking_ttl_sec", 1800)
	v.SetDefault("online.refresh_interval_sec", 5)

	v.SetDefault("stream.default_interval_ms", 2000)
	v.SetDefault("stream.min_interval_ms", 500)
	v.SetDefault("stream.max_interval_ms", 10000)
	v.SetDefault("stream.default_limit", 100)

	v.SetDefault("update.enabled", true)
	v.SetDefault("update.script_path", "/usr/local/oneui/update-xray.sh")
	v.SetDefault("update.compose_file", "/usr/local/oneui/docker-compose.yml")
	v.SetDefault("update.lock_name", constants.UpdateLockName)
	v.SetDefault("update.timeout_ms", 20*60*1000)
	v.SetDefault("update.require_canary_before_full", true)
	v.SetDefault("update.canary_window_minutes", 60)
	v.SetDefault("update.default_channel", "stable")
	v.SetDefault("update.backup_dir", "/usr/local/oneui/backups")
	v.SetDefault("update.backup_retention", 10)

	v.SetDefault("routing.mode", "smart")
	v.SetDefault("routing.block_torrent", true)
	v.SetDefault("routing.block_private_ips", true)
	v.SetDefault("routing.warp_enabled", false)
	v.SetDefault("routing.observatory_enabled", false)
	v.SetDefault("routing.observatory_probe_url", "https://www.google.com/generate_204")
	v.SetDefault("routing.observatory_interval", "10m")
	v.SetDefault("routing.balancer_enabled", false)
	v.SetDefault("routing.balancer_tag", "balancer")
	v.SetDefault("routing.balancer_strategy", "leastPing")
}
