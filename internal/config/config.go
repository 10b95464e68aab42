// Package config loads the YAML service configuration and applies
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cardvault/cardvault/internal/util"
)

// Defaults applied when the config file omits a value.
const (
	// DefaultAddr is the listen address.
	DefaultAddr = ":8080"
	// DefaultDSN stores state as a JSON file in the working directory.
	DefaultDSN = "cardvault.json"
	// DefaultRateWindowMinutes is the fixed rate-limit window.
	DefaultRateWindowMinutes = 60
	// DefaultMaxGenerate is the generation attempt budget per window.
	DefaultMaxGenerate = 20
	// DefaultMaxRedeem is the redemption attempt budget per window.
	DefaultMaxRedeem = 10
	// DefaultEscalationThreshold is the sentinel submissions needed to unlock.
	DefaultEscalationThreshold = 10
	// DefaultAmountMin is the lowest card face value.
	DefaultAmountMin = 5
	// DefaultAmountMax is the highest card face value.
	DefaultAmountMax = 1000
	// DefaultExpiryMaxDays caps the expiry day count.
	DefaultExpiryMaxDays = 365
	// DefaultJWTExpiryMinutes is the admin session lifetime.
	DefaultJWTExpiryMinutes = 720
	// DefaultLogLevel is the logrus level name.
	DefaultLogLevel = "info"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DataConfig holds the persistence DSN. Plain paths select the file
// backend; sqlite/postgres/redis DSNs select the matching adapter.
type DataConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds credential and session settings.
type AuthConfig struct {
	AdminPasswordHash string `yaml:"admin_password_hash"`
	JWTSecret         string `yaml:"jwt_secret"`
	JWTExpiryMinutes  int    `yaml:"jwt_expiry_minutes"`
	GenerateAuthKey   string `yaml:"generate_auth_key"`
}

// LimitsConfig holds the fixed-window rate limit settings.
type LimitsConfig struct {
	WindowMinutes int `yaml:"window_minutes"`
	MaxGenerate   int `yaml:"max_generate"`
	MaxRedeem     int `yaml:"max_redeem"`
}

// EscalationConfig holds the hidden unlock settings. Code is stored in
// the operator's config only; it never appears in responses or logs.
type EscalationConfig struct {
	Code          string `yaml:"code"`
	Threshold     int    `yaml:"threshold"`
	ResetOnRedeem bool   `yaml:"reset_on_redeem"`
}

// CardsConfig holds generation bounds.
type CardsConfig struct {
	AmountMin     float64 `yaml:"amount_min"`
	AmountMax     float64 `yaml:"amount_max"`
	ExpiryMaxDays int     `yaml:"expiry_max_days"`
}

// LogConfig holds logrus and rotation settings. File is optional; when
// empty logs go to stderr only.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the root of the YAML document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Auth       AuthConfig       `yaml:"auth"`
	Limits     LimitsConfig     `yaml:"limits"`
	Escalation EscalationConfig `yaml:"escalation"`
	Cards      CardsConfig      `yaml:"cards"`
	Log        LogConfig        `yaml:"log"`
}

// RateWindow returns the configured window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Limits.WindowMinutes) * time.Minute
}

// JWTExpiry returns the configured session lifetime as a duration.
func (a AuthConfig) JWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryMinutes) * time.Minute
}

// Load reads the config file at path and fills defaults. A missing file
// yields the pure-default config so the service can start with an
// in-directory JSON store.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			if !os.IsNotExist(errRead) {
				return nil, fmt.Errorf("config: read %s: %w", path, errRead)
			}
		} else if errDecode := yaml.Unmarshal(data, cfg); errDecode != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errDecode)
		}
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveConfigPath prefers an explicit path, then CARDVAULT_CONFIG,
// then config.yaml under the writable path or working directory.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("CARDVAULT_CONFIG"); env != "" {
		return env
	}
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "config.yaml")
	}
	return "config.yaml"
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Data.DSN == "" {
		cfg.Data.DSN = DefaultDSN
		if base := util.WritablePath(); base != "" {
			cfg.Data.DSN = filepath.Join(base, DefaultDSN)
		}
	}
	if cfg.Limits.WindowMinutes <= 0 {
		cfg.Limits.WindowMinutes = DefaultRateWindowMinutes
	}
	if cfg.Limits.MaxGenerate <= 0 {
		cfg.Limits.MaxGenerate = DefaultMaxGenerate
	}
	if cfg.Limits.MaxRedeem <= 0 {
		cfg.Limits.MaxRedeem = DefaultMaxRedeem
	}
	if cfg.Escalation.Threshold <= 0 {
		cfg.Escalation.Threshold = DefaultEscalationThreshold
	}
	if cfg.Cards.AmountMin <= 0 {
		cfg.Cards.AmountMin = DefaultAmountMin
	}
	if cfg.Cards.AmountMax <= 0 {
		cfg.Cards.AmountMax = DefaultAmountMax
	}
	if cfg.Cards.ExpiryMaxDays <= 0 {
		cfg.Cards.ExpiryMaxDays = DefaultExpiryMaxDays
	}
	if cfg.Auth.JWTExpiryMinutes <= 0 {
		cfg.Auth.JWTExpiryMinutes = DefaultJWTExpiryMinutes
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func validate(cfg *Config) error {
	if cfg.Cards.AmountMin > cfg.Cards.AmountMax {
		return fmt.Errorf("config: amount_min %v exceeds amount_max %v", cfg.Cards.AmountMin, cfg.Cards.AmountMax)
	}
	return nil
}
