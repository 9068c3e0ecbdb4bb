// Package config loads service configuration from an optional JSON file
// with environment-variable overrides. Validation failures are fatal at
// startup: the service refuses to run with a broken trust configuration.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trustcore.org/internal/crypto"
)

// Defaults.
const (
	DefaultAddr             = ":8080"
	DefaultIssuer           = "trustcore"
	DefaultAccessTTL        = 15 * time.Minute
	DefaultRefreshTTL       = 14 * 24 * time.Hour
	DefaultMaxActionsPerDay = 200
	DefaultMaxChatPerDay    = 1000
	DefaultRateLimitPerMin  = 60
)

// Config is the resolved service configuration.
type Config struct {
	Addr          string `json:"addr"`
	SigningSecret string `json:"signing_secret"`
	Issuer        string `json:"issuer"`

	// Keyring maps version → base64-encoded 32-byte key. KeyringActive
	// selects the version used for new ciphertext.
	Keyring       map[string]string `json:"keyring"`
	KeyringActive int               `json:"keyring_active"`

	SnapshotPath string `json:"snapshot_path"`

	AccessTTLSeconds  int `json:"access_ttl_seconds"`
	RefreshTTLSeconds int `json:"refresh_ttl_seconds"`

	MaxActionsPerDay int `json:"max_actions_per_day"`
	MaxChatPerDay    int `json:"max_chat_per_day"`
	RateLimitPerMin  int `json:"rate_limit_per_min"`

	StrictExecution         bool `json:"strict_execution"`
	ExposeConfirmationCodes bool `json:"expose_confirmation_codes"`
}

// AccessTTL returns the configured access-token lifetime.
func (c *Config) AccessTTL() time.Duration {
	if c.AccessTTLSeconds > 0 {
		return time.Duration(c.AccessTTLSeconds) * time.Second
	}
	return DefaultAccessTTL
}

// RefreshTTL returns the configured refresh-token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	if c.RefreshTTLSeconds > 0 {
		return time.Duration(c.RefreshTTLSeconds) * time.Second
	}
	return DefaultRefreshTTL
}

// KeyringKeys decodes the configured keyring into raw key bytes.
func (c *Config) KeyringKeys() (map[int][]byte, error) {
	keys := make(map[int][]byte, len(c.Keyring))
	for tag, encoded := range c.Keyring {
		version, err := strconv.Atoi(strings.TrimPrefix(tag, "v"))
		if err != nil {
			return nil, fmt.Errorf("keyring version %q is not numeric", tag)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("keyring version %q is not valid base64", tag)
		}
		keys[version] = raw
	}
	return keys, nil
}

// Load reads the optional config file named by TRUSTCORE_CONFIG_FILE,
// applies environment overrides and validates the result.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Addr:             DefaultAddr,
		Issuer:           DefaultIssuer,
		MaxActionsPerDay: DefaultMaxActionsPerDay,
		MaxChatPerDay:    DefaultMaxChatPerDay,
		RateLimitPerMin:  DefaultRateLimitPerMin,
	}

	if path := getenv("TRUSTCORE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setString(getenv, "TRUSTCORE_ADDR", &cfg.Addr)
	setString(getenv, "TRUSTCORE_SIGNING_SECRET", &cfg.SigningSecret)
	setString(getenv, "TRUSTCORE_ISSUER", &cfg.Issuer)
	setString(getenv, "TRUSTCORE_SNAPSHOT_PATH", &cfg.SnapshotPath)
	setInt(getenv, "TRUSTCORE_KEYRING_ACTIVE", &cfg.KeyringActive)
	setInt(getenv, "TRUSTCORE_ACCESS_TTL_SECONDS", &cfg.AccessTTLSeconds)
	setInt(getenv, "TRUSTCORE_REFRESH_TTL_SECONDS", &cfg.RefreshTTLSeconds)
	setInt(getenv, "TRUSTCORE_MAX_ACTIONS_PER_DAY", &cfg.MaxActionsPerDay)
	setInt(getenv, "TRUSTCORE_MAX_CHAT_PER_DAY", &cfg.MaxChatPerDay)
	setInt(getenv, "TRUSTCORE_RATE_LIMIT_PER_MIN", &cfg.RateLimitPerMin)
	setBool(getenv, "TRUSTCORE_STRICT_EXECUTION", &cfg.StrictExecution)
	setBool(getenv, "TRUSTCORE_EXPOSE_CONFIRMATION_CODES", &cfg.ExposeConfirmationCodes)

	// TRUSTCORE_KEYRING holds "v1:<base64>,v2:<base64>".
	if raw := getenv("TRUSTCORE_KEYRING"); raw != "" {
		cfg.Keyring = make(map[string]string)
		for _, part := range strings.Split(raw, ",") {
			tag, key, ok := strings.Cut(strings.TrimSpace(part), ":")
			if !ok {
				continue
			}
			cfg.Keyring[tag] = key
		}
	}
}

func setString(getenv func(string) string, name string, dst *string) {
	if v := getenv(name); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, name string, dst *int) {
	if v := getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(getenv func(string) string, name string, dst *bool) {
	if v := getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks the trust-critical settings. Any failure here must stop
// the service from starting.
func (c *Config) Validate() error {
	if len(c.SigningSecret) < crypto.MinSigningSecretLength {
		return fmt.Errorf("signing secret must be at least %d bytes", crypto.MinSigningSecretLength)
	}
	if len(c.Keyring) == 0 {
		return fmt.Errorf("keyring must contain at least one key")
	}
	keys, err := c.KeyringKeys()
	if err != nil {
		return err
	}
	for version, key := range keys {
		if len(key) != 32 {
			return fmt.Errorf("keyring version %d must decode to 32 bytes, got %d", version, len(key))
		}
	}
	if _, ok := keys[c.KeyringActive]; !ok {
		return fmt.Errorf("active keyring version %d is not configured", c.KeyringActive)
	}
	return nil
}
