// Package config loads process configuration via viper: defaults, an
// optional YAML file, then AGENTFORGE_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig controls the HTTP/WS listener (spec §6 env vars).
type ServerConfig struct {
	Host             string   `mapstructure:"host"`
	Port             int      `mapstructure:"port"`
	AllowedDirs      []string `mapstructure:"allowed_dirs"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	MaxClients       int      `mapstructure:"max_clients"` // 0 = unlimited
	WSPingIntervalMs int      `mapstructure:"ws_ping_interval_ms"`
	WSMaxMissedPongs int      `mapstructure:"ws_max_missed_pongs"`
}

// TaskQueueConfig controls C12 default behavior.
type TaskQueueConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	AutoStart    bool   `mapstructure:"auto_start"`
	DefaultModel string `mapstructure:"default_model"`
	PlanModel    string `mapstructure:"plan_model"`
}

// ExploredConfig controls C6.
type ExploredConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	MaxItems int    `mapstructure:"max_items"`
	Dedupe   string `mapstructure:"dedupe"` // "none" | "consecutive"
}

// NotifyConfig controls C15.
type NotifyConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// DatabaseConfig controls C11's storage backend.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // "sqlite" | "postgres"
	SQLitePath   string `mapstructure:"sqlite_path"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// NATSConfig controls C14's optional distributed broadcast backend.
type NATSConfig struct {
	URL     string        `mapstructure:"url"` // empty = use in-memory bus
	Timeout time.Duration `mapstructure:"timeout"`
}

// DockerConfig controls C9/C10's optional hard-sandbox backend.
type DockerConfig struct {
	Host               string `mapstructure:"host"`
	RequireHardSandbox bool   `mapstructure:"require_hard_sandbox"`
	Image              string `mapstructure:"image"`
}

// TracingConfig controls ambient OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
	Stdout bool   `mapstructure:"stdout"`
}

// StateConfig controls where per-workspace embedded state lives.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// Config is the root configuration struct, loaded via Load/LoadWithPath.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	TaskQueue TaskQueueConfig `mapstructure:"task_queue"`
	Explored  ExploredConfig  `mapstructure:"explored"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	State     StateConfig     `mapstructure:"state"`
}

const envPrefix = "AGENTFORGE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_dirs", []string{})
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_clients", 32)
	v.SetDefault("server.ws_ping_interval_ms", 15000)
	v.SetDefault("server.ws_max_missed_pongs", 3)

	v.SetDefault("task_queue.enabled", true)
	v.SetDefault("task_queue.auto_start", false)
	v.SetDefault("task_queue.default_model", "")
	v.SetDefault("task_queue.plan_model", "")

	v.SetDefault("explored.enabled", true)
	v.SetDefault("explored.max_items", 200)
	v.SetDefault("explored.dedupe", "consecutive")

	v.SetDefault("notify.timezone", "Asia/Shanghai")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "")
	v.SetDefault("database.max_open_conns", 8)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.timeout", 5*time.Second)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.require_hard_sandbox", false)
	v.SetDefault("docker.image", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "agentforge")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.stdout", true)

	v.SetDefault("state.dir", "")
}

// Load reads configuration from the default search path ("." and
// "/etc/agentforge") plus environment variables prefixed AGENTFORGE_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but, when path is non-empty, reads that
// exact file instead of searching the default path.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindLegacyEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentforge")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacyEnv binds the historical ADS_-prefixed env var names from
// spec.md §6 alongside the AGENTFORGE_ prefix, so either works.
func bindLegacyEnv(v *viper.Viper) {
	pairs := map[string]string{
		"server.host":                "ADS_WEB_HOST",
		"server.port":                "ADS_WEB_PORT",
		"server.allowed_dirs":        "ADS_WEB_ALLOWED_DIRS",
		"server.allowed_origins":     "ADS_WEB_ALLOWED_ORIGINS",
		"server.max_clients":         "ADS_WEB_MAX_CLIENTS",
		"server.ws_ping_interval_ms": "ADS_WEB_WS_PING_INTERVAL_MS",
		"server.ws_max_missed_pongs": "ADS_WEB_WS_MAX_MISSED_PONGS",
		"task_queue.enabled":         "TASK_QUEUE_ENABLED",
		"task_queue.auto_start":      "TASK_QUEUE_AUTO_START",
		"task_queue.default_model":   "TASK_QUEUE_DEFAULT_MODEL",
		"task_queue.plan_model":      "TASK_QUEUE_PLAN_MODEL",
		"explored.enabled":           "ADS_EXPLORED_ENABLED",
		"explored.max_items":         "ADS_EXPLORED_MAX_ITEMS",
		"explored.dedupe":            "ADS_EXPLORED_DEDUPE",
		"notify.timezone":            "ADS_TELEGRAM_NOTIFY_TIMEZONE",
		"database.sqlite_path":       "ADS_STATE_DB_PATH",
		"logging.file":               "ADS_LOG_FILE",
		"state.dir":                  "ADS_LOG_DIR",
		"logging.stdout":             "ADS_LOG_STDOUT",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Server.MaxClients < 0 {
		return fmt.Errorf("config: server.max_clients must be >= 0")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", cfg.Database.Driver)
	}
	switch cfg.Explored.Dedupe {
	case "none", "consecutive":
	default:
		return fmt.Errorf("config: unsupported explored.dedupe %q", cfg.Explored.Dedupe)
	}
	return nil
}
