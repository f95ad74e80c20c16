package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ematrader/internal/trader/backoff"
	"ematrader/pkg/alpaca"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "EMATRADER"

type Config struct {
	Environment string         `mapstructure:"environment"` // "dev" or "prod"
	Alpaca      AlpacaConfig   `mapstructure:"alpaca"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	Strategy    StrategyConfig `mapstructure:"strategy"`
	Stream      StreamConfig   `mapstructure:"stream"`
	Dispatch    DispatchConfig `mapstructure:"dispatch"`
	Shutdown    ShutdownConfig `mapstructure:"shutdown"`
	Log         LogConfig      `mapstructure:"log"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	SSM         SSMConfig      `mapstructure:"ssm"`
}

type AlpacaConfig struct {
	Key             string        `mapstructure:"key"`
	Secret          string        `mapstructure:"secret"`
	TradingURL      string        `mapstructure:"trading_url"`
	StreamURL       string        `mapstructure:"stream_url"` // without the feed suffix
	Feed            string        `mapstructure:"feed"`       // "iex" or "sip"
	Timeout         time.Duration `mapstructure:"timeout"`
	ValidateSymbols bool          `mapstructure:"validate_symbols"`
}

type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	ChatID      string        `mapstructure:"chat_id"`
	Prefix      string        `mapstructure:"prefix"`
	APIEndpoint string        `mapstructure:"api_endpoint"` // empty: public Bot API
	Timeout     time.Duration `mapstructure:"timeout"`
	QueueSize   int           `mapstructure:"queue_size"`
}

type StrategyConfig struct {
	Symbols     []string `mapstructure:"symbols"`
	EMAPeriod   int      `mapstructure:"ema_period"`
	Warmup      string   `mapstructure:"warmup"` // "withhold" or "seed"
	Quantity    string   `mapstructure:"quantity"`
	TimeInForce string   `mapstructure:"time_in_force"`
}

// QuantityDecimal parses the per-order quantity.
func (s StrategyConfig) QuantityDecimal() (decimal.Decimal, error) {
	q, err := decimal.NewFromString(strings.TrimSpace(s.Quantity))
	if err != nil {
		return decimal.Zero, fmt.Errorf("strategy.quantity %q: %w", s.Quantity, err)
	}
	return q, nil
}

type BackoffConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
}

func (b BackoffConfig) Policy() backoff.Policy {
	return backoff.Policy{Base: b.Base, Cap: b.Cap, MaxAttempts: b.MaxAttempts}
}

type StreamConfig struct {
	Reconnect        BackoffConfig `mapstructure:"reconnect"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	LaneBuffer       int           `mapstructure:"lane_buffer"`
}

type DispatchConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Backoff        BackoffConfig `mapstructure:"backoff"`
	QueueSize      int           `mapstructure:"queue_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// LogConfig configures stdout logging and the optional rotated file.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	MaxSizeMB   int    `mapstructure:"max_size_mb"` // rotate after this many megabytes
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads the YAML file at path and applies EMATRADER_* environment
// overrides (e.g., EMATRADER_ALPACA_KEY). An empty path searches for
// config.yaml next to the binary and in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		if ex, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
		}
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	// Support environment variables with dot notation (e.g., EMATRADER_STREAM_READ_TIMEOUT)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Log.Environment == "" {
		cfg.Log.Environment = cfg.Environment
	}

	return &cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("alpaca.key", "")
	v.SetDefault("alpaca.secret", "")
	v.SetDefault("alpaca.trading_url", alpaca.PaperTradingURL)
	v.SetDefault("alpaca.stream_url", alpaca.StreamBaseURL)
	v.SetDefault("alpaca.feed", alpaca.FeedIEX)
	v.SetDefault("alpaca.timeout", "10s")
	v.SetDefault("alpaca.validate_symbols", true)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.prefix", "")
	v.SetDefault("telegram.api_endpoint", "")
	v.SetDefault("telegram.timeout", "5s")
	v.SetDefault("telegram.queue_size", 64)

	v.SetDefault("strategy.symbols", []string{"AAPL", "MSFT", "GOOG"})
	v.SetDefault("strategy.ema_period", 9)
	v.SetDefault("strategy.warmup", "withhold")
	v.SetDefault("strategy.quantity", "1")
	v.SetDefault("strategy.time_in_force", "gtc")

	v.SetDefault("stream.reconnect.max_attempts", 5)
	v.SetDefault("stream.reconnect.base", "500ms")
	v.SetDefault("stream.reconnect.cap", "30s")
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.read_timeout", "60s")
	v.SetDefault("stream.ping_interval", "20s")
	v.SetDefault("stream.lane_buffer", 256)

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff.base", "250ms")
	v.SetDefault("dispatch.backoff.cap", "5s")
	v.SetDefault("dispatch.queue_size", 16)
	v.SetDefault("dispatch.request_timeout", "10s")

	v.SetDefault("shutdown.drain_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.create_db", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "ematrader")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", "1h")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("ssm.alpaca_key", "EMATRADER_ALPACA_KEY")
	v.SetDefault("ssm.alpaca_secret", "EMATRADER_ALPACA_SECRET")
	v.SetDefault("ssm.telegram_bot_token", "EMATRADER_TELEGRAM_BOT_TOKEN")
	v.SetDefault("ssm.db_host", "EMATRADER_DB_HOST")
	v.SetDefault("ssm.db_user", "EMATRADER_DB_USER")
	v.SetDefault("ssm.db_password", "EMATRADER_DB_PASSWORD")
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.Environment != "dev" && c.Environment != "prod" {
		return fmt.Errorf("environment must be one of: dev, prod")
	}

	if c.Alpaca.Key == "" || c.Alpaca.Secret == "" {
		return fmt.Errorf("alpaca.key and alpaca.secret are required")
	}
	if c.Alpaca.TradingURL == "" {
		return fmt.Errorf("alpaca.trading_url is required")
	}
	if c.Alpaca.Feed != "iex" && c.Alpaca.Feed != "sip" {
		return fmt.Errorf("alpaca.feed must be one of: iex, sip")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if len(c.Strategy.Symbols) == 0 {
		return fmt.Errorf("strategy.symbols must contain at least one symbol")
	}
	if c.Strategy.EMAPeriod < 1 {
		return fmt.Errorf("strategy.ema_period must be at least 1")
	}
	if c.Strategy.Warmup != "withhold" && c.Strategy.Warmup != "seed" {
		return fmt.Errorf("strategy.warmup must be one of: withhold, seed")
	}
	q, err := c.Strategy.QuantityDecimal()
	if err != nil {
		return err
	}
	if !q.IsPositive() {
		return fmt.Errorf("strategy.quantity must be positive")
	}
	validTIF := map[string]bool{"day": true, "gtc": true, "opg": true, "cls": true, "ioc": true, "fok": true}
	if !validTIF[c.Strategy.TimeInForce] {
		return fmt.Errorf("strategy.time_in_force must be one of: day, gtc, opg, cls, ioc, fok")
	}

	if c.Stream.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("stream.reconnect.max_attempts must be at least 1")
	}
	if c.Stream.Reconnect.Base <= 0 || c.Stream.Reconnect.Cap < c.Stream.Reconnect.Base {
		return fmt.Errorf("stream.reconnect.base must be positive and not above stream.reconnect.cap")
	}
	if !c.Stream.Reconnect.Policy().Grows(c.Stream.Reconnect.MaxAttempts - 1) {
		return fmt.Errorf("stream.reconnect.cap must be at least base*2^(max_attempts-2)")
	}
	if c.Stream.LaneBuffer < 1 {
		return fmt.Errorf("stream.lane_buffer must be at least 1")
	}

	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if !c.Dispatch.Backoff.Policy().Grows(c.Dispatch.MaxAttempts - 1) {
		return fmt.Errorf("dispatch.backoff.cap must be at least base*2^(max_attempts-2)")
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be at least 1")
	}

	if c.Shutdown.DrainTimeout <= 0 {
		return fmt.Errorf("shutdown.drain_timeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}
