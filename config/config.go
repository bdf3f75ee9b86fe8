package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultConfigFile is read when no --config flag is given
const DefaultConfigFile = "config.json"

type Config struct {
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Scanner      ScannerConfig      `mapstructure:"scanner"`
	BTC          BTCConfig          `mapstructure:"btc"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Notification NotificationConfig `mapstructure:"notification"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ExchangeConfig holds the futures REST gateway settings
type ExchangeConfig struct {
	BaseURL            string        `mapstructure:"base_url" validate:"required,url"`
	APIKey             string        `mapstructure:"api_key"`
	SecretKey          string        `mapstructure:"secret_key"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxWeightPerMinute int           `mapstructure:"max_weight_per_minute" validate:"gt=0"`
	WeightBudget       float64       `mapstructure:"weight_budget" validate:"gt=0,lte=1"`
	WeightBurst        int           `mapstructure:"weight_burst" validate:"gte=40"`
	RetryBase          time.Duration `mapstructure:"retry_base" validate:"gt=0"`
	RetryCap           time.Duration `mapstructure:"retry_cap" validate:"gt=0"`
	RetryAttempts      int           `mapstructure:"retry_attempts" validate:"gte=1,lte=10"`
	TickerCacheTTL     time.Duration `mapstructure:"ticker_cache_ttl" validate:"gt=0"`
}

// VaultConfig points at the KV path holding exchange credentials
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true"`
	Token   string `mapstructure:"token" validate:"required_if=Enabled true"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// SchedulerConfig holds wall-clock job settings. Hours are in Timezone.
type SchedulerConfig struct {
	Timezone         string        `mapstructure:"timezone" validate:"required"`
	RestartHour      int           `mapstructure:"restart_hour" validate:"gte=0,lte=23"`
	RestartMinute    int           `mapstructure:"restart_minute" validate:"gte=0,lte=59"`
	MorningSweepHour int           `mapstructure:"morning_sweep_hour" validate:"gte=0,lte=23"`
	EveningSweepHour int           `mapstructure:"evening_sweep_hour" validate:"gte=0,lte=23"`
	EngineTick       time.Duration `mapstructure:"engine_tick" validate:"gte=1s"`
	ScanInterval     time.Duration `mapstructure:"scan_interval" validate:"gte=1m"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	StaleAfter       time.Duration `mapstructure:"stale_after" validate:"gt=0"`
}

// ScannerConfig holds candidate generator settings
type ScannerConfig struct {
	UniverseSize      int           `mapstructure:"universe_size" validate:"gte=1,lte=500"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	MinScore          float64       `mapstructure:"min_score" validate:"gte=0,lte=100"`
	EliteScore        float64       `mapstructure:"elite_score" validate:"gte=0,lte=100"`
	WeightTrend       float64       `mapstructure:"weight_trend" validate:"gte=0"`
	WeightVolume      float64       `mapstructure:"weight_volume" validate:"gte=0"`
	WeightMomentum    float64       `mapstructure:"weight_momentum" validate:"gte=0"`
	WeightPattern     float64       `mapstructure:"weight_pattern" validate:"gte=0"`
	WeightCorrelation float64       `mapstructure:"weight_correlation" validate:"gte=0"`
	TargetATRPremium  float64       `mapstructure:"target_atr_premium" validate:"gt=0"`
	TargetATRElite    float64       `mapstructure:"target_atr_elite" validate:"gt=0"`
	StopATR           float64       `mapstructure:"stop_atr" validate:"gt=0"`
	SignalTTL         time.Duration `mapstructure:"signal_ttl" validate:"gt=0"`
	KlineLimit        int           `mapstructure:"kline_limit" validate:"gte=100,lte=1500"`
}

// BTCConfig holds correlation analyzer settings
type BTCConfig struct {
	Symbol              string        `mapstructure:"symbol" validate:"required"`
	CorrelationWindow   int           `mapstructure:"correlation_window" validate:"gte=10,lte=1000"`
	CorrelationTTL      time.Duration `mapstructure:"correlation_ttl" validate:"gt=0"`
	StrongCorrelation   float64       `mapstructure:"strong_correlation" validate:"gt=0,lte=1"`
	ModerateCorrelation float64       `mapstructure:"moderate_correlation" validate:"gt=0,lte=1"`
	FilterStrength      float64       `mapstructure:"filter_strength" validate:"gte=0,lte=100"`
	ScoreBase           float64       `mapstructure:"score_base" validate:"gte=0,lte=30"`
	ScoreTrend          float64       `mapstructure:"score_trend" validate:"gte=0"`
	ScoreCorrelation    float64       `mapstructure:"score_correlation" validate:"gte=0"`
	ScoreMomentum       float64       `mapstructure:"score_momentum" validate:"gte=0"`
}

// ConfirmationConfig holds the state machine thresholds. Percentages are in percent units.
type ConfirmationConfig struct {
	BreakoutPct             float64 `mapstructure:"breakout_pct" validate:"gt=0"`
	ReversalPct             float64 `mapstructure:"reversal_pct" validate:"gt=0"`
	VolumeConfirmRatio      float64 `mapstructure:"volume_confirm_ratio" validate:"gt=0"`
	VolumeInsufficientRatio float64 `mapstructure:"volume_insufficient_ratio" validate:"gt=0"`
	BTCOppositeStrength     float64 `mapstructure:"btc_opposite_strength" validate:"gte=0,lte=100"`
	EliteNeutralScore       float64 `mapstructure:"elite_neutral_score" validate:"gte=0,lte=100"`
	MaxAttempts             int     `mapstructure:"max_attempts" validate:"gte=1"`
	MinConfirmations        int     `mapstructure:"min_confirmations" validate:"gte=1,lte=4"`
	MinRejections           int     `mapstructure:"min_rejections" validate:"gte=1,lte=4"`
	MaxConsecutiveFailures  int     `mapstructure:"max_consecutive_failures" validate:"gte=1"`
	Parallelism             int     `mapstructure:"parallelism" validate:"gte=1,lte=128"`
	KlineLimit              int     `mapstructure:"kline_limit" validate:"gte=25,lte=1500"`
}

// StorageConfig selects the signal store backend
type StorageConfig struct {
	Driver           string        `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	Database         string        `mapstructure:"database"`
	SSLMode          string        `mapstructure:"ssl_mode"`
	MaxConns         int           `mapstructure:"max_conns"`
	MinConns         int           `mapstructure:"min_conns"`
	LogQueries       bool          `mapstructure:"log_queries"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"gt=0"`
}

// RedisConfig holds the shared cache connection
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ServerConfig holds REST API settings
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port" validate:"gte=1,lte=65535"`
	ProductionMode bool     `mapstructure:"production_mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// RequestsPerMinute caps public requests per client IP; zero disables the limit
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"gte=0"`
}

// AuthConfig decides what counts as a privileged bearer token
type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	OperatorTokenHash string `mapstructure:"operator_token_hash"`
}

// NotificationConfig holds every push channel
type NotificationConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	FCM      FCMConfig      `mapstructure:"fcm"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token" validate:"required_if=Enabled true"`
	ChatID   int64  `mapstructure:"chat_id" validate:"required_if=Enabled true"`
}

type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" validate:"required_if=Enabled true"`
}

type FCMConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CredentialsFile string `mapstructure:"credentials_file" validate:"required_if=Enabled true"`
	Topic           string `mapstructure:"topic" validate:"required_if=Enabled true"`
}

// KafkaConfig mirrors lifecycle events to a topic
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	Output     string `mapstructure:"output" validate:"oneof=stdout stderr"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads path (or config.json when empty) and applies environment overrides.
// A missing default file is not an error; every option has a default.
// Environment keys are the upper-cased option path with dots as underscores,
// e.g. SCHEDULER_TIMEZONE or EXCHANGE_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.secret_key", "")
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.max_weight_per_minute", 2400)
	v.SetDefault("exchange.weight_budget", 0.6)
	v.SetDefault("exchange.weight_burst", 100)
	v.SetDefault("exchange.retry_base", "1s")
	v.SetDefault("exchange.retry_cap", "30s")
	v.SetDefault("exchange.retry_attempts", 3)
	v.SetDefault("exchange.ticker_cache_ttl", "5s")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.path", "secret/data/binance")

	v.SetDefault("scheduler.timezone", "America/Sao_Paulo")
	v.SetDefault("scheduler.restart_hour", 21)
	v.SetDefault("scheduler.restart_minute", 0)
	v.SetDefault("scheduler.morning_sweep_hour", 10)
	v.SetDefault("scheduler.evening_sweep_hour", 21)
	v.SetDefault("scheduler.engine_tick", "20s")
	v.SetDefault("scheduler.scan_interval", "15m")
	v.SetDefault("scheduler.shutdown_timeout", "10s")
	v.SetDefault("scheduler.stale_after", "24h")

	v.SetDefault("scanner.universe_size", 100)
	v.SetDefault("scanner.concurrency", 8)
	v.SetDefault("scanner.min_score", 80.0)
	v.SetDefault("scanner.elite_score", 90.0)
	v.SetDefault("scanner.weight_trend", 2.0)
	v.SetDefault("scanner.weight_volume", 1.0)
	v.SetDefault("scanner.weight_momentum", 1.0)
	v.SetDefault("scanner.weight_pattern", 1.5)
	v.SetDefault("scanner.weight_correlation", 0.5)
	v.SetDefault("scanner.target_atr_premium", 2.0)
	v.SetDefault("scanner.target_atr_elite", 2.5)
	v.SetDefault("scanner.stop_atr", 1.5)
	v.SetDefault("scanner.signal_ttl", "4h")
	v.SetDefault("scanner.kline_limit", 120)

	v.SetDefault("btc.symbol", "BTCUSDT")
	v.SetDefault("btc.correlation_window", 100)
	v.SetDefault("btc.correlation_ttl", "1h")
	v.SetDefault("btc.strong_correlation", 0.7)
	v.SetDefault("btc.moderate_correlation", 0.4)
	v.SetDefault("btc.filter_strength", 60.0)
	v.SetDefault("btc.score_base", 15.0)
	v.SetDefault("btc.score_trend", 10.0)
	v.SetDefault("btc.score_correlation", 5.0)
	v.SetDefault("btc.score_momentum", 5.0)

	v.SetDefault("confirmation.breakout_pct", 0.5)
	v.SetDefault("confirmation.reversal_pct", 1.0)
	v.SetDefault("confirmation.volume_confirm_ratio", 1.2)
	v.SetDefault("confirmation.volume_insufficient_ratio", 0.8)
	v.SetDefault("confirmation.btc_opposite_strength", 60.0)
	v.SetDefault("confirmation.elite_neutral_score", 90.0)
	v.SetDefault("confirmation.max_attempts", 12)
	v.SetDefault("confirmation.min_confirmations", 3)
	v.SetDefault("confirmation.min_rejections", 2)
	v.SetDefault("confirmation.max_consecutive_failures", 10)
	v.SetDefault("confirmation.parallelism", 16)
	v.SetDefault("confirmation.kline_limit", 30)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/signals.db")
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "signals")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.database", "signals")
	v.SetDefault("storage.ssl_mode", "disable")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.min_conns", 2)
	v.SetDefault("storage.log_queries", false)
	v.SetDefault("storage.operation_timeout", "5s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.production_mode", false)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.requests_per_minute", 120)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.operator_token_hash", "")

	v.SetDefault("notification.telegram.enabled", false)
	v.SetDefault("notification.telegram.bot_token", "")
	v.SetDefault("notification.telegram.chat_id", 0)
	v.SetDefault("notification.discord.enabled", false)
	v.SetDefault("notification.discord.webhook_url", "")
	v.SetDefault("notification.fcm.enabled", false)
	v.SetDefault("notification.fcm.credentials_file", "")
	v.SetDefault("notification.fcm.topic", "confirmed-signals")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "signal-decisions")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate checks struct tags and the cross-field rules tags cannot express
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if c.Scanner.EliteScore < c.Scanner.MinScore {
		return fmt.Errorf("scanner.elite_score must not be below scanner.min_score")
	}
	if c.BTC.ModerateCorrelation >= c.BTC.StrongCorrelation {
		return fmt.Errorf("btc.moderate_correlation must be below btc.strong_correlation")
	}
	if c.Confirmation.VolumeInsufficientRatio >= c.Confirmation.VolumeConfirmRatio {
		return fmt.Errorf("confirmation.volume_insufficient_ratio must be below confirmation.volume_confirm_ratio")
	}
	if c.Exchange.RetryCap < c.Exchange.RetryBase {
		return fmt.Errorf("exchange.retry_cap must not be below exchange.retry_base")
	}
	weights := c.Scanner.WeightTrend + c.Scanner.WeightVolume + c.Scanner.WeightMomentum +
		c.Scanner.WeightPattern + c.Scanner.WeightCorrelation
	if weights <= 0 {
		return fmt.Errorf("scanner weights must not all be zero")
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
	}
	if c.Storage.Driver == "postgres" && (c.Storage.Host == "" || c.Storage.Database == "") {
		return fmt.Errorf("storage.host and storage.database are required for the postgres driver")
	}
	return nil
}

// Location loads the scheduler time zone
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

// PostgresDSN builds the connection string for the postgres driver
func (s StorageConfig) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.Database, s.SSLMode)
}

// GenerateSampleConfig writes every option with its default value to filename
func GenerateSampleConfig(filename string) error {
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("%s already exists", filename)
	}
	v := viper.New()
	setDefaults(v)
	if err := v.WriteConfigAs(filename); err != nil {
		return fmt.Errorf("failed to write sample config: %w", err)
	}
	return nil
}
