// Package config provides configuration loading for the attestation writer.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Arweave  ArweaveConfig  `mapstructure:"arweave"`
	Writer   WriterConfig   `mapstructure:"writer"`
	Balance  BalanceConfig  `mapstructure:"balance"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Alert    AlertConfig    `mapstructure:"alert"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
	AdminSecret  string        `mapstructure:"admin_secret"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL used by migrations.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ArweaveConfig holds gateway, bundler node and wallet configuration.
// WalletJSON takes precedence over WalletPath when both are set.
type ArweaveConfig struct {
	GatewayURL string `mapstructure:"gateway_url" validate:"required,url"`
	BundlerURL string `mapstructure:"bundler_url" validate:"omitempty,url"`
	WalletPath string `mapstructure:"wallet_path"`
	WalletJSON string `mapstructure:"wallet_json"`
	AppName    string `mapstructure:"app_name" validate:"required"`
}

// WriterConfig holds the processing pipeline configuration.
type WriterConfig struct {
	ChainKey            string        `mapstructure:"chain_key" validate:"required"`
	BatchSize           int           `mapstructure:"batch_size" validate:"min=1,max=1000"`
	UploadMode          string        `mapstructure:"upload_mode" validate:"oneof=bundle direct"`
	Concurrency         int           `mapstructure:"concurrency" validate:"min=1,max=200"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	MaxProcessTime      time.Duration `mapstructure:"max_process_time"`
	UploadTimeout       time.Duration `mapstructure:"upload_timeout"`
	MaxRetries          int           `mapstructure:"max_retries" validate:"min=1"`
	StuckThreshold      time.Duration `mapstructure:"stuck_threshold"`
	BundleSizeThreshold int64         `mapstructure:"bundle_size_threshold" validate:"min=1"`
	BundleTimeThreshold time.Duration `mapstructure:"bundle_time_threshold"`
	MaxBundleSize       int64         `mapstructure:"max_bundle_size" validate:"min=1"`
	DailyCron           string        `mapstructure:"daily_cron" validate:"required"`
}

// BundleMode returns true when records are batched into bundles.
func (c WriterConfig) BundleMode() bool {
	return c.UploadMode == "bundle"
}

// BalanceConfig holds wallet balance thresholds in AR.
type BalanceConfig struct {
	WarningAR  float64 `mapstructure:"warning_ar" validate:"min=0"`
	CriticalAR float64 `mapstructure:"critical_ar" validate:"min=0"`
}

// VerifyConfig holds seeding verification windows.
type VerifyConfig struct {
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	SeedTimeout     time.Duration `mapstructure:"seed_timeout"`
	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

// AlertConfig holds webhook alerting configuration.
type AlertConfig struct {
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/attestation")

	// Enable environment variable override
	v.SetEnvPrefix("ATTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Explicitly bind secret-bearing keys (nested struct issue with viper)
	v.BindEnv("server.admin_secret", "ATTEST_SERVER_ADMIN_SECRET")
	v.BindEnv("arweave.wallet_json", "ATTEST_ARWEAVE_WALLET_JSON")
	v.BindEnv("arweave.wallet_path", "ATTEST_ARWEAVE_WALLET_PATH")
	v.BindEnv("alert.webhook_url", "ATTEST_ALERT_WEBHOOK_URL")
	v.BindEnv("database.password", "ATTEST_DATABASE_PASSWORD")
	v.BindEnv("redis.password", "ATTEST_REDIS_PASSWORD")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Balance.CriticalAR > c.Balance.WarningAR {
		return fmt.Errorf("invalid config: balance.critical_ar (%v) exceeds balance.warning_ar (%v)",
			c.Balance.CriticalAR, c.Balance.WarningAR)
	}
	if c.Verify.GracePeriod > c.Verify.SeedTimeout {
		return fmt.Errorf("invalid config: verify.grace_period (%v) exceeds verify.seed_timeout (%v)",
			c.Verify.GracePeriod, c.Verify.SeedTimeout)
	}
	if !c.Writer.BundleMode() && c.Arweave.BundlerURL == "" {
		return fmt.Errorf("invalid config: direct upload mode requires arweave.bundler_url")
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "attestation")
	v.SetDefault("database.password", "attestation")
	v.SetDefault("database.database", "attestation")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Arweave defaults
	v.SetDefault("arweave.gateway_url", "https://arweave.net")
	v.SetDefault("arweave.bundler_url", "")
	v.SetDefault("arweave.app_name", "arke-attestation")

	// Writer defaults
	v.SetDefault("writer.chain_key", "head")
	v.SetDefault("writer.batch_size", 100)
	v.SetDefault("writer.upload_mode", "bundle")
	v.SetDefault("writer.concurrency", 50)
	v.SetDefault("writer.tick_interval", "1m")
	v.SetDefault("writer.max_process_time", "55s")
	v.SetDefault("writer.upload_timeout", "30s")
	v.SetDefault("writer.max_retries", 3)
	v.SetDefault("writer.stuck_threshold", "10m")
	v.SetDefault("writer.bundle_size_threshold", 300*1024)
	v.SetDefault("writer.bundle_time_threshold", "10m")
	v.SetDefault("writer.max_bundle_size", 10*1024*1024)
	v.SetDefault("writer.daily_cron", "0 3 * * *")

	// Balance thresholds (AR)
	v.SetDefault("balance.warning_ar", 2.0)
	v.SetDefault("balance.critical_ar", 0.05)

	// Seeding verification windows
	v.SetDefault("verify.grace_period", "10m")
	v.SetDefault("verify.seed_timeout", "30m")
	v.SetDefault("verify.retention_window", "24h")
}
