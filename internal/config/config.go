// Package config loads the service configuration from an optional YAML
// file with environment variable overrides for deployment settings.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Decay    DecayConfig    `yaml:"decay"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Relay    RelayConfig    `yaml:"relay"`
	Gateway  GatewayConfig  `yaml:"gateway"`

	Validators []ValidatorConfig `yaml:"validators"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	APIToken string `yaml:"api_token"`
}

// DatabaseConfig holds the postgres connection and pool settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ConnectionString renders the lib/pq DSN.
func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DecayConfig mirrors domain.DecayPolicy in YAML-friendly types.
type DecayConfig struct {
	GracePeriod      time.Duration `yaml:"grace_period"`
	HourlyRate       string        `yaml:"hourly_rate"`
	MaxDecayFraction string        `yaml:"max_decay_fraction"`
	BalancedRatioMin string        `yaml:"balanced_ratio_min"`
	BalancedRatioMax string        `yaml:"balanced_ratio_max"`
}

// ThrottleConfig mirrors domain.ThrottlePolicy in YAML-friendly types.
type ThrottleConfig struct {
	Window                time.Duration `yaml:"window"`
	BackingMultiplier     string        `yaml:"backing_multiplier"`
	VelocityThreshold     string        `yaml:"velocity_threshold"`
	ProportionalityFactor string        `yaml:"proportionality_factor"`
	PenaltyRate           string        `yaml:"penalty_rate"`
	WaitLimit             time.Duration `yaml:"wait_limit"`
}

// RelayConfig mirrors domain.RelayPolicy plus the sweeper interval.
type RelayConfig struct {
	QuorumThreshold int           `yaml:"quorum_threshold"`
	TimeoutWindow   time.Duration `yaml:"timeout_window"`
	FeeAccountID    string        `yaml:"fee_account_id"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// GatewayConfig configures the fiat gateway collaborators bundled with
// the binary: a fixed-rate oracle and an allowlist compliance provider.
type GatewayConfig struct {
	TokensPerFiat    string   `yaml:"tokens_per_fiat"`
	VerifiedAccounts []string `yaml:"verified_accounts"`
}

// ValidatorConfig registers one validator's ed25519 public key.
type ValidatorConfig struct {
	ID        string `yaml:"id"`
	PublicKey string `yaml:"public_key"` // hex-encoded, 32 bytes
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			APIToken: "dev-token",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "postgres",
			Name:     "caesar",
			SSLMode:  "disable",

			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Decay: DecayConfig{
			GracePeriod:      24 * time.Hour,
			HourlyRate:       "0.001",
			MaxDecayFraction: "0.5",
			BalancedRatioMin: "0.25",
			BalancedRatioMax: "1.5",
		},
		Throttle: ThrottleConfig{
			Window:                24 * time.Hour,
			BackingMultiplier:     "2",
			VelocityThreshold:     "10000",
			ProportionalityFactor: "1",
			PenaltyRate:           "0.02",
			WaitLimit:             48 * time.Hour,
		},
		Relay: RelayConfig{
			QuorumThreshold: 2,
			TimeoutWindow:   time.Hour,
			FeeAccountID:    "system:fees",
			SweepInterval:   30 * time.Second,
		},
		Gateway: GatewayConfig{
			TokensPerFiat: "1",
		},
	}
}

// Load reads configuration from the given YAML file (optional; an
// empty path or missing file falls back to defaults) and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment settings be injected without a
// config file (container friendly).
func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"CAESAR_ADDR":        &cfg.Server.Addr,
		"CAESAR_API_TOKEN":   &cfg.Server.APIToken,
		"CAESAR_DB_HOST":     &cfg.Database.Host,
		"CAESAR_DB_PORT":     &cfg.Database.Port,
		"CAESAR_DB_USER":     &cfg.Database.User,
		"CAESAR_DB_PASSWORD": &cfg.Database.Password,
		"CAESAR_DB_NAME":     &cfg.Database.Name,
		"CAESAR_DB_SSLMODE":  &cfg.Database.SSLMode,
	}
	for key, target := range overrides {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}
}

// DecayPolicy converts the config section to the domain policy.
func (c *Config) DecayPolicy() (domain.DecayPolicy, error) {
	policy := domain.DecayPolicy{GracePeriod: c.Decay.GracePeriod}

	var err error
	if policy.HourlyRate, err = decimal.NewFromString(c.Decay.HourlyRate); err != nil {
		return policy, fmt.Errorf("invalid decay hourly_rate: %w", err)
	}
	if policy.MaxDecayFraction, err = decimal.NewFromString(c.Decay.MaxDecayFraction); err != nil {
		return policy, fmt.Errorf("invalid decay max_decay_fraction: %w", err)
	}
	if policy.BalancedRatioMin, err = decimal.NewFromString(c.Decay.BalancedRatioMin); err != nil {
		return policy, fmt.Errorf("invalid decay balanced_ratio_min: %w", err)
	}
	if policy.BalancedRatioMax, err = decimal.NewFromString(c.Decay.BalancedRatioMax); err != nil {
		return policy, fmt.Errorf("invalid decay balanced_ratio_max: %w", err)
	}
	return policy, policy.Validate()
}

// ThrottlePolicy converts the config section to the domain policy.
func (c *Config) ThrottlePolicy() (domain.ThrottlePolicy, error) {
	policy := domain.ThrottlePolicy{
		Window:    c.Throttle.Window,
		WaitLimit: c.Throttle.WaitLimit,
	}

	var err error
	if policy.BackingMultiplier, err = decimal.NewFromString(c.Throttle.BackingMultiplier); err != nil {
		return policy, fmt.Errorf("invalid throttle backing_multiplier: %w", err)
	}
	if policy.VelocityThreshold, err = decimal.NewFromString(c.Throttle.VelocityThreshold); err != nil {
		return policy, fmt.Errorf("invalid throttle velocity_threshold: %w", err)
	}
	if policy.ProportionalityFactor, err = decimal.NewFromString(c.Throttle.ProportionalityFactor); err != nil {
		return policy, fmt.Errorf("invalid throttle proportionality_factor: %w", err)
	}
	if policy.PenaltyRate, err = decimal.NewFromString(c.Throttle.PenaltyRate); err != nil {
		return policy, fmt.Errorf("invalid throttle penalty_rate: %w", err)
	}
	return policy, nil
}

// RelayPolicy converts the config section to the domain policy.
func (c *Config) RelayPolicy() (domain.RelayPolicy, error) {
	policy := domain.RelayPolicy{
		QuorumThreshold: c.Relay.QuorumThreshold,
		TimeoutWindow:   c.Relay.TimeoutWindow,
		FeeAccountID:    c.Relay.FeeAccountID,
	}
	return policy, policy.Validate()
}

// TokensPerFiat parses the configured fixed conversion rate.
func (c *Config) TokensPerFiat() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Gateway.TokensPerFiat)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid gateway tokens_per_fiat: %w", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("gateway tokens_per_fiat must be positive, got %s", rate)
	}
	return rate, nil
}

// ValidatorSet decodes the configured validator public keys.
func (c *Config) ValidatorSet() ([]domain.Validator, error) {
	validators := make([]domain.Validator, 0, len(c.Validators))
	for _, v := range c.Validators {
		key, err := hex.DecodeString(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %s: invalid public key hex: %w", v.ID, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("validator %s: public key must be %d bytes, got %d",
				v.ID, ed25519.PublicKeySize, len(key))
		}
		validators = append(validators, domain.Validator{
			ID:        v.ID,
			PublicKey: ed25519.PublicKey(key),
		})
	}
	return validators, nil
}
