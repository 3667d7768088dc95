// Package config loads the collector's configuration via viper: a file plus
// environment overrides (AutomaticEnv with "." -> "_" key replacement),
// validated on load, following the teacher's nested-struct config layout.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// NodeAddr is one [host, port, family] entry from elliptics.nodes.
type NodeAddr struct {
	Host   string `mapstructure:"host" validate:"required,hostname_port|hostname|ip"`
	Port   int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Family int    `mapstructure:"family" validate:"oneof=2 10"`
}

// EllipticsConfig carries the storage-fleet connection and policy settings.
type EllipticsConfig struct {
	Nodes       []NodeAddr    `mapstructure:"nodes" validate:"required,min=1,dive"`
	MonitorPort int           `mapstructure:"monitor_port" validate:"required,min=1,max=65535"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout" validate:"required"`

	ForbiddenDHTGroups                bool `mapstructure:"forbidden_dht_groups"`
	ForbiddenUnmatchedGroupTotalSpace bool `mapstructure:"forbidden_unmatched_group_total_space"`
	ForbiddenNSWithoutSettings        bool `mapstructure:"forbidden_ns_without_settings"`
	ForbiddenDCSharingAmongGroups     bool `mapstructure:"forbidden_dc_sharing_among_groups"`

	ReservedSpace uint64 `mapstructure:"reserved_space" validate:"required"`

	DnetLogMask            int `mapstructure:"dnet_log_mask"`
	NetThreadNum           int `mapstructure:"net_thread_num"`
	IOThreadNum            int `mapstructure:"io_thread_num"`
	NonblockingIOThreadNum int `mapstructure:"nonblocking_io_thread_num"`
}

// MetadataConfig carries the metadata store's connection settings.
type MetadataConfig struct {
	URL     string `mapstructure:"url" validate:"required"`
	Options struct {
		ConnectTimeoutMS int `mapstructure:"connectTimeoutMS"`
	} `mapstructure:"options"`
	HistoryDB   string `mapstructure:"history_db"`
	JobsDB      string `mapstructure:"jobs_db"`
	InventoryDB string `mapstructure:"inventory_db"`
}

// CacheConfig carries the cache-group classification setting.
type CacheConfig struct {
	GroupPathPrefix string `mapstructure:"group_path_prefix"`
}

// InfrastructureConfig carries the inventory cache's refresh cadence.
type InfrastructureConfig struct {
	DCCacheUpdatePeriod    time.Duration `mapstructure:"dc_cache_update_period"`
	DCCacheValidTime       time.Duration `mapstructure:"dc_cache_valid_time"`
	InventoryWorkerTimeout time.Duration `mapstructure:"inventory_worker_timeout"`
	InventoryWorkerURL     string        `mapstructure:"inventory_worker_url"`
	CacheSize              int           `mapstructure:"cache_size"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig configures the RPC surface's HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RoundConfig configures the round orchestrator's timer cadence.
type RoundConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the complete collector configuration.
type Config struct {
	AppName string `mapstructure:"app_name"`

	Elliptics      EllipticsConfig     `mapstructure:"elliptics"`
	Metadata       MetadataConfig       `mapstructure:"metadata"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Infrastructure InfrastructureConfig `mapstructure:"infrastructure"`
	Round          RoundConfig          `mapstructure:"round"`

	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	RedisAddr string `mapstructure:"redis_addr"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("app_name", "mastermind")
	v.SetDefault("elliptics.monitor_port", 10025)
	v.SetDefault("elliptics.wait_timeout", "5s")
	v.SetDefault("infrastructure.dc_cache_update_period", "10m")
	v.SetDefault("infrastructure.dc_cache_valid_time", "24h")
	v.SetDefault("infrastructure.inventory_worker_timeout", "3s")
	v.SetDefault("infrastructure.cache_size", 4096)
	v.SetDefault("round.interval", "60s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// Load reads the config from path (if non-empty) plus environment
// overrides, validating the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate enforces the invariants spec.md's configuration section names
// explicitly via struct tags (reserved_space non-zero, at least one node
// configured, well-formed node addresses), following the teacher's use of
// go-playground/validator for request and config validation.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
