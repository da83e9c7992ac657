// Package config loads process configuration from an optional YAML file and
// PINCEX_ prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Withdrawal WithdrawalConfig `mapstructure:"withdrawal"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // memory, sqlite or postgres
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Seed adds the default currencies and pairs that are missing.
	Seed            bool          `mapstructure:"seed"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	TickerTTL    time.Duration `mapstructure:"ticker_ttl"`
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
}

type EngineConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	MarketBuyBuffer string        `mapstructure:"market_buy_buffer"`
	FeeAccount      string        `mapstructure:"fee_account"`
}

// FeesConfig holds default percentages, e.g. "0.1" for 0.1%.
type FeesConfig struct {
	DefaultMaker string `mapstructure:"default_maker"`
	DefaultTaker string `mapstructure:"default_taker"`
}

type WithdrawalConfig struct {
	ApprovalAbove   string        `mapstructure:"approval_above"`
	MediumThreshold string        `mapstructure:"medium_threshold"`
	LargeThreshold  string        `mapstructure:"large_threshold"`
	SmallDelay      time.Duration `mapstructure:"small_delay"`
	MediumDelay     time.Duration `mapstructure:"medium_delay"`
	LargeDelay      time.Duration `mapstructure:"large_delay"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.seed", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ticker_ttl", 24*time.Hour)
	v.SetDefault("redis.queue_size", 1024)
	v.SetDefault("redis.write_timeout", time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "pincex")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", 5*time.Millisecond)
	v.SetDefault("kafka.required_acks", 1)
	v.SetDefault("kafka.compression", "snappy")

	v.SetDefault("engine.workers", runtime.NumCPU())
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.lock_timeout", 2*time.Second)
	v.SetDefault("engine.expiry_interval", time.Second)
	v.SetDefault("engine.market_buy_buffer", "1.01")
	v.SetDefault("engine.fee_account", "")

	v.SetDefault("fees.default_maker", "0.1")
	v.SetDefault("fees.default_taker", "0.2")

	v.SetDefault("withdrawal.approval_above", "1000")
	v.SetDefault("withdrawal.medium_threshold", "1000")
	v.SetDefault("withdrawal.large_threshold", "10000")
	v.SetDefault("withdrawal.small_delay", 10*time.Minute)
	v.SetDefault("withdrawal.medium_delay", 30*time.Minute)
	v.SetDefault("withdrawal.large_delay", 60*time.Minute)

	v.SetDefault("tracing.enabled", false)
}

// Load reads configuration. Paths name YAML files to merge in order; when
// none are given ./config.yaml and /etc/pincex/config.yaml are tried. Missing
// files are skipped.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PINCEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{"./config.yaml", "/etc/pincex/config.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Slices from the environment arrive as one comma separated string.
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	e := errors.Invalid.Explain("invalid configuration")
	bad := false
	field := func(name, msg string) {
		e = e.WithField(errors.KindInvalid, name, msg)
		bad = true
	}

	if c.Server.Addr == "" {
		field("server.addr", "required")
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			field("database.dsn", "required for "+c.Database.Driver)
		}
	default:
		field("database.driver", "must be memory, sqlite or postgres")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		field("redis.addr", "required when redis is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		field("kafka.brokers", "required when kafka is enabled")
	}
	if c.Engine.Workers <= 0 {
		field("engine.workers", "must be positive")
	}
	if c.Engine.QueueSize <= 0 {
		field("engine.queue_size", "must be positive")
	}
	if c.Engine.LockTimeout <= 0 {
		field("engine.lock_timeout", "must be positive")
	}
	if c.Engine.ExpiryInterval <= 0 {
		field("engine.expiry_interval", "must be positive")
	}
	if v, err := money.Parse(c.Engine.MarketBuyBuffer); err != nil || v < money.New(1) {
		field("engine.market_buy_buffer", "must be a number of at least 1")
	}
	if c.Engine.FeeAccount != "" {
		if _, err := uuid.Parse(c.Engine.FeeAccount); err != nil {
			field("engine.fee_account", "must be a uuid")
		}
	}
	for name, s := range map[string]string{
		"fees.default_maker":          c.Fees.DefaultMaker,
		"fees.default_taker":          c.Fees.DefaultTaker,
		"withdrawal.approval_above":   c.Withdrawal.ApprovalAbove,
		"withdrawal.medium_threshold": c.Withdrawal.MediumThreshold,
		"withdrawal.large_threshold":  c.Withdrawal.LargeThreshold,
	} {
		if v, err := money.Parse(s); err != nil || v < 0 {
			field(name, "must be a non-negative number")
		}
	}
	if medium, err := money.Parse(c.Withdrawal.MediumThreshold); err == nil {
		if large, err := money.Parse(c.Withdrawal.LargeThreshold); err == nil && large < medium {
			field("withdrawal.large_threshold", "must not be below withdrawal.medium_threshold")
		}
	}
	if bad {
		return e
	}
	return nil
}

// FeeAccount returns the configured platform fee account, or uuid.Nil.
func (c *Config) FeeAccount() uuid.UUID {
	id, err := uuid.Parse(c.Engine.FeeAccount)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Amount parses a validated decimal setting.
func Amount(s string) money.Amount {
	v, err := money.Parse(s)
	if err != nil {
		return 0
	}
	return v
}
