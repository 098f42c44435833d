// Package config loads jobcore's runtime configuration the way the
// teacher's internal/config/config.go does: a typed struct populated via
// viper.SetDefault + viper.BindEnv per field, with an optional config.yaml
// overlay.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon/CLI configuration.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Store        Store        `mapstructure:"store"`
	Pool         Pool         `mapstructure:"pool"`
	Queue        Queue        `mapstructure:"queue"`
	Orchestrator Orchestrator `mapstructure:"orchestrator"`
}

// Store configures the Persistent Store's SQLite connection pool.
type Store struct {
	DBPath          string        `mapstructure:"db_path"`
	MaxConnections  int64         `mapstructure:"max_connections"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
}

// Pool configures the Connection Pool's SSH dialing and health probing.
type Pool struct {
	HostKeyMode      string        `mapstructure:"host_key_mode"`
	KnownHostsPath   string        `mapstructure:"known_hosts_path"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	StaleAge         time.Duration `mapstructure:"stale_age"`
	MaxProbeFanout   int64         `mapstructure:"max_probe_fanout"`
}

// Queue configures the Queue Manager's scheduler worker.
type Queue struct {
	SchedulingInterval time.Duration `mapstructure:"scheduling_interval"`
}

// Orchestrator configures the Workflow Orchestrator.
type Orchestrator struct {
	ScratchDir   string        `mapstructure:"scratch_dir"`
	TemplateRoot string        `mapstructure:"template_root"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// Load reads config.yaml from the working directory or ./config (if
// present) and layers environment variables over it, falling back to
// defaults tuned for a single-node development deployment.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("store.db_path", "./jobcore.db")
	viper.SetDefault("store.max_connections", 4)
	viper.SetDefault("store.busy_timeout", 5*time.Second)

	viper.SetDefault("pool.host_key_mode", "user_default")
	viper.SetDefault("pool.known_hosts_path", "")
	viper.SetDefault("pool.dial_timeout", 30*time.Second)
	viper.SetDefault("pool.probe_timeout", 5*time.Second)
	viper.SetDefault("pool.health_interval", 30*time.Second)
	viper.SetDefault("pool.failure_threshold", 3)
	viper.SetDefault("pool.stale_age", 10*time.Minute)
	viper.SetDefault("pool.max_probe_fanout", 16)

	viper.SetDefault("queue.scheduling_interval", 1*time.Second)

	viper.SetDefault("orchestrator.scratch_dir", "./scratch")
	viper.SetDefault("orchestrator.template_root", "./templates")
	viper.SetDefault("orchestrator.tick_interval", 2*time.Second)

	viper.AutomaticEnv()

	viper.BindEnv("environment", "JOBCORE_ENV")
	viper.BindEnv("log_level", "JOBCORE_LOG_LEVEL")

	viper.BindEnv("store.db_path", "JOBCORE_DB_PATH")
	viper.BindEnv("store.max_connections", "JOBCORE_STORE_MAX_CONNECTIONS")
	viper.BindEnv("store.busy_timeout", "JOBCORE_STORE_BUSY_TIMEOUT")

	viper.BindEnv("pool.host_key_mode", "JOBCORE_HOST_KEY_MODE")
	viper.BindEnv("pool.known_hosts_path", "JOBCORE_KNOWN_HOSTS")
	viper.BindEnv("pool.dial_timeout", "JOBCORE_DIAL_TIMEOUT")
	viper.BindEnv("pool.probe_timeout", "JOBCORE_PROBE_TIMEOUT")
	viper.BindEnv("pool.health_interval", "JOBCORE_HEALTH_INTERVAL")
	viper.BindEnv("pool.failure_threshold", "JOBCORE_FAILURE_THRESHOLD")
	viper.BindEnv("pool.stale_age", "JOBCORE_STALE_AGE")
	viper.BindEnv("pool.max_probe_fanout", "JOBCORE_MAX_PROBE_FANOUT")

	viper.BindEnv("queue.scheduling_interval", "JOBCORE_SCHEDULING_INTERVAL")

	viper.BindEnv("orchestrator.scratch_dir", "JOBCORE_SCRATCH_DIR")
	viper.BindEnv("orchestrator.template_root", "JOBCORE_TEMPLATE_ROOT")
	viper.BindEnv("orchestrator.tick_interval", "JOBCORE_TICK_INTERVAL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
