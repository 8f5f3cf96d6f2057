package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Chat         ChatConfig         `mapstructure:"chat"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Store        StoreConfig        `mapstructure:"store"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	I18n         I18nConfig         `mapstructure:"i18n"`
}

type ChatConfig struct {
	Table            string        `mapstructure:"table"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	MaxRows          int           `mapstructure:"max_rows"`
	MaxItems         int           `mapstructure:"max_items"`
	RecencyWindow    time.Duration `mapstructure:"recency_window"`
	Realtime         bool          `mapstructure:"realtime"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
	MaxNameLength    int           `mapstructure:"max_name_length"`
	Language         string        `mapstructure:"language"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

type StoreConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
	Pebble PebbleConfig `mapstructure:"pebble"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type MemoryConfig struct {
	Key string `mapstructure:"key"`
}

type PebbleConfig struct {
	Path string `mapstructure:"path"`
	Key  string `mapstructure:"key"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	StartOnline   bool          `mapstructure:"start_online"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MessagesPerMinute int  `mapstructure:"messages_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func setDefaults(v *viper.Viper) {
	v.SetDefault("chat.table", "chats")
	v.SetDefault("chat.cache_ttl", 5*time.Minute)
	v.SetDefault("chat.max_rows", 2000)
	v.SetDefault("chat.max_items", 2000)
	v.SetDefault("chat.recency_window", 5*time.Minute)
	v.SetDefault("chat.realtime", true)
	v.SetDefault("chat.max_message_length", 1000)
	v.SetDefault("chat.max_name_length", 20)
	v.SetDefault("chat.language", "en")

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", time.Second)

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.migrate", true)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key", "chat:cache")
	v.SetDefault("storage.memory.key", "chat:cache")
	v.SetDefault("storage.pebble.path", "data/cache")
	v.SetDefault("storage.pebble.key", "chat:cache")

	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("connectivity.start_online", true)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.messages_per_minute", 30)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en"})
	v.SetDefault("i18n.directory", "configs/i18n")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Enable environment variable substitution
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.BindEnv("store.postgres.url", "DATABASE_URL")
	v.BindEnv("storage.redis.addr", "REDIS_ADDR")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.redis.db", "REDIS_DB")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if !tableNamePattern.MatchString(cfg.Chat.Table) {
		return fmt.Errorf("invalid chat table name %q", cfg.Chat.Table)
	}
	if cfg.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if cfg.Chat.MaxItems < 1 {
		return fmt.Errorf("chat max_items must be at least 1")
	}
	if cfg.Chat.MaxRows < 1 {
		return fmt.Errorf("chat max_rows must be at least 1")
	}
	if cfg.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity probe_interval must be positive")
	}
	if cfg.Connectivity.ProbeTimeout <= 0 {
		return fmt.Errorf("connectivity probe_timeout must be positive")
	}
	switch cfg.Store.Type {
	case "memory":
	case "postgres":
		if cfg.Store.Postgres.URL == "" {
			return fmt.Errorf("postgres url is required")
		}
	default:
		return fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
	return nil
}
