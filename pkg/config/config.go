package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the settings surface shared by every service binary. Each
// service only reads the sections it needs.
type Config struct {
	Service  string         `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Rental   RentalConfig   `mapstructure:"rental"`
	Contract ContractConfig `mapstructure:"contract"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Cron     CronConfig     `mapstructure:"cron"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Host          string        `mapstructure:"host"`
	Port          string        `mapstructure:"port"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	Name          string        `mapstructure:"name"`
	PromotionName string        `mapstructure:"promotion_name"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// Promotions points the same server at the promotion database, which the
// cron jobs reach alongside the marketplace one.
func (d DatabaseConfig) Promotions() DatabaseConfig {
	d.Name = d.PromotionName
	return d
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port)
}

type RentalConfig struct {
	Timezone    string `mapstructure:"timezone"`
	PenaltyRate string `mapstructure:"penalty_rate"`
}

// Location resolves the rental time zone used for calendar-day arithmetic.
func (r RentalConfig) Location() (*time.Location, error) {
	return time.LoadLocation(r.Timezone)
}

// DefaultPenaltyRate is the percentage of the daily rate charged per late day.
func (r RentalConfig) DefaultPenaltyRate() (decimal.Decimal, error) {
	return decimal.NewFromString(r.PenaltyRate)
}

type ContractConfig struct {
	Storage string   `mapstructure:"storage"`
	Dir     string   `mapstructure:"dir"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UpstreamConfig struct {
	FleetURL     string        `mapstructure:"fleet_url"`
	RentalURL    string        `mapstructure:"rental_url"`
	PromotionURL string        `mapstructure:"promotion_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type BreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	Window      time.Duration `mapstructure:"window"`
}

type RetryConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type CronConfig struct {
	OverdueSchedule   string `mapstructure:"overdue_schedule"`
	PromotionSchedule string `mapstructure:"promotion_schedule"`
}

var servicePorts = map[string]string{
	"gateway":   "8080",
	"rental":    "8070",
	"fleet":     "8060",
	"promotion": "8050",
	"cronjob":   "",
}

var serviceDatabases = map[string]string{
	"rental":    "marketplace",
	"fleet":     "marketplace",
	"cronjob":   "marketplace",
	"promotion": "promotions",
}

// env names that differ from the dotted key upper-cased with underscores.
var envAliases = map[string]string{
	"server.port":             "PORT",
	"database.host":           "DB_HOST",
	"database.port":           "DB_PORT",
	"database.user":           "DB_USER",
	"database.password":       "DB_PASSWORD",
	"database.name":           "DB_NAME",
	"database.promotion_name": "PROMOTION_DB_NAME",
	"log.level":               "LOG_LEVEL",
}

// Load reads an optional .env file (envFile, or ./.env when empty) and the
// process environment into a Config with defaults for the named service.
func Load(service, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
		}
	} else {
		// a missing .env is fine, configuration may come from the environment
		_ = godotenv.Load()
	}

	port, ok := servicePorts[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("service", service)
	v.SetDefault("server.port", port)
	v.SetDefault("log.level", "info")

	v.SetDefault("database.host", "postgres")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "program")
	v.SetDefault("database.password", "test")
	v.SetDefault("database.name", serviceDatabases[service])
	v.SetDefault("database.promotion_name", serviceDatabases["promotion"])
	v.SetDefault("database.max_retries", 10)
	v.SetDefault("database.retry_delay", 5*time.Second)

	v.SetDefault("rental.timezone", "UTC")
	v.SetDefault("rental.penalty_rate", "50.00")

	v.SetDefault("contract.storage", "local")
	v.SetDefault("contract.dir", "var/contracts")
	v.SetDefault("contract.s3.bucket", "")
	v.SetDefault("contract.s3.region", "us-east-1")
	v.SetDefault("contract.s3.endpoint", "")
	v.SetDefault("contract.s3.access_key", "")
	v.SetDefault("contract.s3.secret_key", "")
	v.SetDefault("contract.s3.prefix", "contracts/")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("upstream.fleet_url", "http://localhost:8060")
	v.SetDefault("upstream.rental_url", "http://localhost:8070")
	v.SetDefault("upstream.promotion_url", "http://localhost:8050")
	v.SetDefault("upstream.timeout", 10*time.Second)

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)
	v.SetDefault("breaker.window", 60*time.Second)

	v.SetDefault("retry.interval", 10*time.Second)
	v.SetDefault("retry.max_retries", 5)

	v.SetDefault("cron.overdue_schedule", "0 8 * * *")
	v.SetDefault("cron.promotion_schedule", "5 0 * * *")

	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Service != "cronjob" && c.Server.Port == "" {
		return errors.New("PORT must be provided")
	}
	if c.Service != "gateway" && c.Database.Name == "" {
		return errors.New("DB_NAME must be provided")
	}
	if _, err := c.Rental.Location(); err != nil {
		return fmt.Errorf("RENTAL_TIMEZONE: %w", err)
	}
	rate, err := c.Rental.DefaultPenaltyRate()
	if err != nil {
		return fmt.Errorf("RENTAL_PENALTY_RATE: %w", err)
	}
	if rate.IsNegative() {
		return errors.New("RENTAL_PENALTY_RATE must not be negative")
	}

	switch c.Contract.Storage {
	case "local":
		if c.Contract.Dir == "" {
			return errors.New("CONTRACT_DIR must be provided for local contract storage")
		}
	case "s3":
		if c.Contract.S3.Bucket == "" {
			return errors.New("CONTRACT_S3_BUCKET must be provided for s3 contract storage")
		}
	default:
		return fmt.Errorf("CONTRACT_STORAGE must be local or s3, got %q", c.Contract.Storage)
	}

	if c.Breaker.MaxFailures < 1 {
		return errors.New("BREAKER_MAX_FAILURES must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("RETRY_MAX_RETRIES must not be negative")
	}
	return nil
}
