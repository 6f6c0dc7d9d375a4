package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"crypto-drop-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// FetcherConfig selects and parameterises the spot price source.
type FetcherConfig struct {
	Source    string          `mapstructure:"source"`
	Coingecko CoingeckoConfig `mapstructure:"coingecko"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
}

// CoingeckoConfig captures CoinGecko connectivity.
type CoingeckoConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	VSCurrency     string        `mapstructure:"vs_currency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	APIKey         string        `mapstructure:"api_key"`
}

// EthereumConfig covers the on-chain Chainlink price source.
type EthereumConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// AlertingConfig defines evaluation behaviour and alert-creation bounds.
type AlertingConfig struct {
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MinThresholdPct  float64       `mapstructure:"min_threshold_pct"`
	MaxThresholdPct  float64       `mapstructure:"max_threshold_pct"`
	MinWindowMinutes int           `mapstructure:"min_window_minutes"`
	MaxWindowMinutes int           `mapstructure:"max_window_minutes"`
}

// TelegramConfig describes bot transport parameters.
type TelegramConfig struct {
	BotToken        string        `mapstructure:"bot_token"`
	APIBase         string        `mapstructure:"api_base"`
	PollTimeout     int           `mapstructure:"poll_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// SessionsConfig configures wizard session storage.
type SessionsConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DROPWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dropwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64726f70))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.shutdown_grace", "30s")

	v.SetDefault("fetcher.source", "coingecko")
	v.SetDefault("fetcher.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("fetcher.coingecko.vs_currency", "usd")
	v.SetDefault("fetcher.coingecko.request_timeout", "10s")
	v.SetDefault("fetcher.coingecko.user_agent", "dropwatcher/1.0")
	v.SetDefault("fetcher.ethereum.request_timeout", "10s")

	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.min_threshold_pct", 0.1)
	v.SetDefault("alerting.max_threshold_pct", 100.0)
	v.SetDefault("alerting.min_window_minutes", 5)
	v.SetDefault("alerting.max_window_minutes", 1440)

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 30)
	v.SetDefault("telegram.request_timeout", "10s")
	v.SetDefault("telegram.rate_limit_per_min", 20)

	v.SetDefault("sessions.ttl", "10m")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.Cooldown <= 0 {
		return fmt.Errorf("alerting.cooldown must be greater than zero")
	}
	if c.Alerting.MinThresholdPct <= 0 {
		return fmt.Errorf("alerting.min_threshold_pct must be greater than zero")
	}
	if c.Alerting.MaxThresholdPct > 100 {
		return fmt.Errorf("alerting.max_threshold_pct cannot exceed 100")
	}
	if c.Alerting.MinThresholdPct >= c.Alerting.MaxThresholdPct {
		return fmt.Errorf("alerting threshold bounds are inverted")
	}
	if c.Alerting.MinWindowMinutes < 1 || c.Alerting.MinWindowMinutes >= c.Alerting.MaxWindowMinutes {
		return fmt.Errorf("alerting window bounds are invalid")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	switch c.Fetcher.Source {
	case "coingecko":
	case "chainlink":
		if c.Fetcher.Ethereum.RPCURL == "" {
			return fmt.Errorf("fetcher.ethereum.rpc_url is required for the chainlink source")
		}
		if len(c.Fetcher.Ethereum.Feeds) == 0 {
			return fmt.Errorf("fetcher.ethereum.feeds must map asset ids to aggregator addresses")
		}
	default:
		return fmt.Errorf("fetcher.source must be coingecko or chainlink, got %q", c.Fetcher.Source)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
