// Package config loads the node settings from defaults, an optional config
// file and HERBTRACE_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/spf13/viper"
)

const EnvPrefix = "HERBTRACE"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	CA       CAConfig       `mapstructure:"ca"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	CometBFT CometBFTConfig `mapstructure:"cometbft"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type HTTPConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	// Level uses the CometBFT syntax, e.g. "info" or "main:info,*:error"
	Level string `mapstructure:"level"`
}

type LedgerConfig struct {
	Mode             string        `mapstructure:"mode"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	FallbackCapacity int           `mapstructure:"fallback_capacity"`
	// EnforceTransitions makes the ledger application validate every
	// committed append against the workflow.
	EnforceTransitions bool `mapstructure:"enforce_transitions"`
}

type CAConfig struct {
	URL      string `mapstructure:"url"`
	EnrollID string `mapstructure:"enroll_id"`
}

type BadgerConfig struct {
	// Path is the store directory. Empty keeps the store in memory.
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	ConnAttempts int    `mapstructure:"conn_attempts"`
}

type CometBFTConfig struct {
	Home string `mapstructure:"home"`
}

type NotifyConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Concurrency   int    `mapstructure:"concurrency"`
	MaxRetry      int    `mapstructure:"max_retry"`
}

// SetDefaults registers every key so environment variables resolve even
// when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "5000")
	v.SetDefault("log.level", "info")
	v.SetDefault("ledger.mode", string(repository.ModeMemory))
	v.SetDefault("ledger.timeout", 5*time.Second)
	v.SetDefault("ledger.retry_interval", 10*time.Second)
	v.SetDefault("ledger.fallback_capacity", 0)
	v.SetDefault("ledger.enforce_transitions", true)
	v.SetDefault("ca.url", "")
	v.SetDefault("ca.enroll_id", "")
	v.SetDefault("badger.path", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.conn_attempts", 5)
	v.SetDefault("cometbft.home", "./node-config/node0")
	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.redis_password", "")
	v.SetDefault("notify.redis_db", 0)
	v.SetDefault("notify.concurrency", 10)
	v.SetDefault("notify.max_retry", 5)
}

// New returns a viper instance with defaults and environment binding. The
// caller may bind flags before calling Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if set, into v and decodes the result
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	mode, err := repository.ParseMode(c.Ledger.Mode)
	if err != nil {
		return err
	}
	c.Ledger.Mode = string(mode)

	if c.HTTP.Port == "" {
		return errors.New("http.port must be set")
	}
	if c.Ledger.Timeout <= 0 {
		return errors.New("ledger.timeout must be positive")
	}
	if c.Ledger.FallbackCapacity < 0 {
		return errors.New("ledger.fallback_capacity cannot be negative")
	}
	if mode == repository.ModeCA && c.CA.URL == "" {
		return errors.New("ca.url must be set in ca mode")
	}
	if mode == repository.ModeLedger && c.CometBFT.Home == "" {
		return errors.New("cometbft.home must be set in ledger mode")
	}
	if c.Notify.Concurrency <= 0 {
		c.Notify.Concurrency = 1
	}
	return nil
}

// Mode returns the validated ledger mode
func (c *Config) Mode() repository.Mode {
	return repository.Mode(c.Ledger.Mode)
}
