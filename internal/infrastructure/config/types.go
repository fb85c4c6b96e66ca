package config

import "fmt"

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // mysql or sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	Path            string `mapstructure:"path"` // sqlite file path
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // minutes
}

func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// XrayConfig describes how the control plane reaches and manages the
// data-plane process.
type XrayConfig struct {
	BinaryPath   string `mapstructure:"binary_path"`
	ConfigPath   string `mapstructure:"config_path"`
	ConfDir      string `mapstructure:"conf_dir"` // fragmented config directory, empty disables
	TemplatePath string `mapstructure:"template_path"`

	APIHost          string   `mapstructure:"api_host"`
	APIPort          int      `mapstructure:"api_port"`
	ExtraAPIServices []string `mapstructure:"extra_api_services"`
	LogLevel         string   `mapstructure:"log_level"`

	DeploymentHint string `mapstructure:"deployment_hint"` // container, service, local, or empty for auto
	ContainerName  string `mapstructure:"container_name"`
	ServiceName    string `mapstructure:"service_name"`
	PIDFile        string `mapstructure:"pid_file"`

	HotReload         bool   `mapstructure:"hot_reload"`
	SnapshotDir       string `mapstructure:"snapshot_dir"`
	SnapshotRetention int    `mapstructure:"snapshot_retention"`

	StatsHTTPBaseURL       string `mapstructure:"stats_http_base_url"`
	StatsHTTPTimeoutSec    int    `mapstructure:"stats_http_timeout_sec"`
	StatsCLITimeoutSec     int    `mapstructure:"stats_cli_timeout_sec"`
	VerifyAttempts         int    `mapstructure:"verify_attempts"`
	VerifyIntervalSec      int    `mapstructure:"verify_interval_sec"`
}

func (x *XrayConfig) APIAddr() string {
	return fmt.Sprintf("%s:%d", x.APIHost, x.APIPort)
}

type StatsConfig struct {
	IntervalSec int `mapstructure:"interval_sec"`
}

type LifecycleConfig struct {
	IntervalSec int `mapstructure:"interval_sec"`
}

type ReconcileConfig struct {
	DebounceMs      int `mapstructure:"debounce_ms"`
	FullIntervalMin int `mapstructure:"full_interval_min"`
}

type OnlineConfig struct {
	TTLSec               int `mapstructure:"ttl_sec"`
	IdleTTLSec           int `mapstructure:"idle_ttl_sec"`
	DeviceTTLSec         int `mapstructure:"device_ttl_sec"`
	DeviceTrackingTTLSec int `mapstructure:"device_tracking_ttl_sec"`
	RefreshIntervalSec   int `mapstructure:"refresh_interval_sec"`
}

type StreamConfig struct {
	DefaultIntervalMs int `mapstructure:"default_interval_ms"`
	MinIntervalMs     int `mapstructure:"min_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms"`
	DefaultLimit      int `mapstructure:"default_limit"`
}

type UpdateConfig struct {
	Enabled                 bool   `mapstructure:"enabled"`
	ScriptPath              string `mapstructure:"script_path"`
	ComposeFile             string `mapstructure:"compose_file"`
	LockName                string `mapstructure:"lock_name"`
	TimeoutMs               int    `mapstructure:"timeout_ms"`
	RequireCanaryBeforeFull bool   `mapstructure:"require_canary_before_full"`
	CanaryWindowMinutes     int    `mapstructure:"canary_window_minutes"`
	DefaultChannel          string `mapstructure:"default_channel"` // stable or latest
	BackupDir               string `mapstructure:"backup_dir"`
	BackupRetention         int    `mapstructure:"backup_retention"`
}

type RoutingConfig struct {
	Mode            string   `mapstructure:"mode"` // smart, filtered, strict, open
	DomesticIPs     []string `mapstructure:"domestic_ips"`
	DomesticDomains []string `mapstructure:"domestic_domains"`
	BlockTorrent    bool     `mapstructure:"block_torrent"`
	BlockPrivateIPs bool     `mapstructure:"block_private_ips"`

	WARPEnabled    bool   `mapstructure:"warp_enabled"`
	WARPPrivateKey string `mapstructure:"warp_private_key"`
	WARPEndpoint   string `mapstructure:"warp_endpoint"`

	ObservatoryEnabled  bool   `mapstructure:"observatory_enabled"`
	ObservatoryProbeURL string `mapstructure:"observatory_probe_url"`
	ObservatoryInterval string `mapstructure:"observatory_interval"`

	BalancerEnabled  bool     `mapstructure:"balancer_enabled"`
	BalancerTag      string   `mapstructure:"balancer_tag"`
	BalancerSelector []string `mapstructure:"balancer_selector"`
	BalancerStrategy string   `mapstructure:"balancer_strategy"`
}
