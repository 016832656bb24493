package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Profile   string          `mapstructure:"profile"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RestAPI   RestAPIConfig   `mapstructure:"rest_api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Embedder  EmbedderConfig  `mapstructure:"embedder"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RestAPIConfig holds REST API server configuration.
// auto_port enables automatic port selection when the configured port is busy.
type RestAPIConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AutoPort     bool     `mapstructure:"auto_port"`
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	CORS         bool     `mapstructure:"cors"`
	AllowOrigins []string `mapstructure:"allow_origins"`
	APIKey       string   `mapstructure:"api_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// RateLimitConfig holds rate limiting configuration for the tool surfaces.
type RateLimitConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Global  LimitConfig       `mapstructure:"global"`
	Tools   []ToolLimitConfig `mapstructure:"tools"`
}

// LimitConfig is a single token-bucket configuration.
type LimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// ToolLimitConfig is a per-tool rate limit override.
type ToolLimitConfig struct {
	Name              string  `mapstructure:"name"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// SyncConfig holds cloud relay and device identity configuration.
type SyncConfig struct {
	CloudURL     string `mapstructure:"cloud_url"`
	APIKey       string `mapstructure:"api_key"`
	DeviceID     string `mapstructure:"device_id"`
	Email        string `mapstructure:"email"`
	Tier         string `mapstructure:"tier"` // free, standard, pro
	AutoSync     bool   `mapstructure:"auto_sync"`
	IntervalSecs int    `mapstructure:"interval_secs"`
}

// CryptoConfig holds the locally stored end-to-end encryption state. The PIN
// itself is never persisted; only the verifier, salt, and a time-limited
// cache of the derived key.
type CryptoConfig struct {
	PinVerifier string `mapstructure:"pin_verifier"`
	KeySalt     string `mapstructure:"key_salt"`
	CachedKey   string `mapstructure:"cached_key"`    // hex-encoded, ignored once older than the TTL
	KeyCachedAt string `mapstructure:"key_cached_at"` // RFC 3339
	KeyTTLDays  int    `mapstructure:"key_ttl_days"`
}

// EmbedderConfig holds the local embedding model configuration.
type EmbedderConfig struct {
	ModelPath      string `mapstructure:"model_path"`
	MaxMemoryPages uint32 `mapstructure:"max_memory_pages"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	configDir := ConfigPath()

	return &Config{
		Profile: "default",
		Database: DatabaseConfig{
			Path:        filepath.Join(configDir, "memories.db"),
			AutoMigrate: true,
		},
		RestAPI: RestAPIConfig{
			Enabled:  true,
			AutoPort: true,
			Port:     7437,
			Host:     "localhost",
			CORS:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Global: LimitConfig{
				RequestsPerSecond: 50,
				BurstSize:         100,
			},
		},
		Sync: SyncConfig{
			CloudURL:     "https://api.mycelicmemory.dev",
			Tier:         "free",
			AutoSync:     true,
			IntervalSecs: 60,
		},
		Crypto: CryptoConfig{
			KeyTTLDays: 30,
		},
		Embedder: EmbedderConfig{
			ModelPath: filepath.Join(configDir, "models", "encoder.wasm"),
		},
	}
}

// Load loads configuration from YAML file with fallback to defaults
// Searches in multiple locations:
// 1. ./config.yaml (current directory)
// 2. ~/.mycelicmemory/config.yaml (user home)
// 3. /etc/mycelicmemory/config.yaml (system-wide)
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath(ConfigPath())
	v.AddConfigPath("/etc/mycelicmemory")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadFrom loads configuration from an explicit file path, bypassing the
// search-path convention. Used when the caller passes --config.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults sets default values in Viper
func setDefaults(v *viper.Viper) {
	configDir := ConfigPath()

	v.SetDefault("profile", "default")
	v.SetDefault("database.path", filepath.Join(configDir, "memories.db"))
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("rest_api.enabled", true)
	v.SetDefault("rest_api.auto_port", true)
	v.SetDefault("rest_api.port", 7437)
	v.SetDefault("rest_api.host", "localhost")
	v.SetDefault("rest_api.cors", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.global.requests_per_second", 50)
	v.SetDefault("rate_limit.global.burst_size", 100)

	v.SetDefault("sync.cloud_url", "https://api.mycelicmemory.dev")
	v.SetDefault("sync.tier", "free")
	v.SetDefault("sync.auto_sync", true)
	v.SetDefault("sync.interval_secs", 60)

	v.SetDefault("crypto.key_ttl_days", 30)

	v.SetDefault("embedder.model_path", filepath.Join(configDir, "models", "encoder.wasm"))
}

// Save writes the configuration back to the user config file. Used by login,
// logout, and PIN setup, which mutate the persisted sync/crypto state.
func (c *Config) Save() error {
	if err := c.EnsureConfigDir(); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("profile", c.Profile)
	v.Set("database.path", c.Database.Path)
	v.Set("database.auto_migrate", c.Database.AutoMigrate)
	v.Set("rest_api.enabled", c.RestAPI.Enabled)
	v.Set("rest_api.auto_port", c.RestAPI.AutoPort)
	v.Set("rest_api.port", c.RestAPI.Port)
	v.Set("rest_api.host", c.RestAPI.Host)
	v.Set("rest_api.cors", c.RestAPI.CORS)
	v.Set("rest_api.allow_origins", c.RestAPI.AllowOrigins)
	v.Set("rest_api.api_key", c.RestAPI.APIKey)
	v.Set("logging.level", c.Logging.Level)
	v.Set("logging.format", c.Logging.Format)
	v.Set("rate_limit.enabled", c.RateLimit.Enabled)
	v.Set("rate_limit.global.requests_per_second", c.RateLimit.Global.RequestsPerSecond)
	v.Set("rate_limit.global.burst_size", c.RateLimit.Global.BurstSize)
	v.Set("sync.cloud_url", c.Sync.CloudURL)
	v.Set("sync.api_key", c.Sync.APIKey)
	v.Set("sync.device_id", c.Sync.DeviceID)
	v.Set("sync.email", c.Sync.Email)
	v.Set("sync.tier", c.Sync.Tier)
	v.Set("sync.auto_sync", c.Sync.AutoSync)
	v.Set("sync.interval_secs", c.Sync.IntervalSecs)
	v.Set("crypto.pin_verifier", c.Crypto.PinVerifier)
	v.Set("crypto.key_salt", c.Crypto.KeySalt)
	v.Set("crypto.cached_key", c.Crypto.CachedKey)
	v.Set("crypto.key_cached_at", c.Crypto.KeyCachedAt)
	v.Set("crypto.key_ttl_days", c.Crypto.KeyTTLDays)
	v.Set("embedder.model_path", c.Embedder.ModelPath)
	v.Set("embedder.max_memory_pages", c.Embedder.MaxMemoryPages)

	return v.WriteConfigAs(filepath.Join(ConfigPath(), "config.yaml"))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.RestAPI.Enabled {
		if c.RestAPI.Port < 1 || c.RestAPI.Port > 65535 {
			return fmt.Errorf("rest_api.port must be between 1 and 65535")
		}
		if c.RestAPI.Host == "" {
			return fmt.Errorf("rest_api.host is required when REST API is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}

	if !IsValidTier(c.Sync.Tier) {
		return fmt.Errorf("sync.tier must be one of: free, standard, pro")
	}
	if c.Sync.CloudURL == "" {
		return fmt.Errorf("sync.cloud_url is required")
	}
	if c.Sync.IntervalSecs <= 0 {
		return fmt.Errorf("sync.interval_secs must be positive")
	}

	if c.Crypto.KeyTTLDays <= 0 {
		return fmt.Errorf("crypto.key_ttl_days must be positive")
	}

	return nil
}

// IsLoggedIn reports whether this device has completed cloud login.
func (c *Config) IsLoggedIn() bool {
	return c.Sync.APIKey != "" && c.Sync.DeviceID != ""
}

// IsEncrypted reports whether the sync PIN has been set up on this device.
func (c *Config) IsEncrypted() bool {
	return c.Crypto.PinVerifier != "" && c.Sync.Email != ""
}

// CachedKey returns the cached symmetric key if it exists and has not aged
// past the TTL, or nil.
func (c *Config) CachedKey() []byte {
	if c.Crypto.CachedKey == "" || c.Crypto.KeyCachedAt == "" {
		return nil
	}

	cachedAt, err := time.Parse(time.RFC3339, c.Crypto.KeyCachedAt)
	if err != nil {
		return nil
	}
	if time.Since(cachedAt) >= time.Duration(c.Crypto.KeyTTLDays)*24*time.Hour {
		return nil
	}

	key, err := hex.DecodeString(c.Crypto.CachedKey)
	if err != nil || len(key) != 32 {
		return nil
	}
	return key
}

// CacheKey stores the derived symmetric key in the config, stamped now.
func (c *Config) CacheKey(key []byte) {
	c.Crypto.CachedKey = hex.EncodeToString(key)
	c.Crypto.KeyCachedAt = time.Now().Format(time.RFC3339)
}

// ClearCachedKey removes the cached key (logout or PIN expiry).
func (c *Config) ClearCachedKey() {
	c.Crypto.CachedKey = ""
	c.Crypto.KeyCachedAt = ""
}

// Tiers and gated capabilities. Gating is a pure policy layer: the tool
// surface and the memory service (memory cap, reported features) consult
// these predicates.

// IsValidTier checks a tier name.
func IsValidTier(tier string) bool {
	switch tier {
	case "free", "standard", "pro":
		return true
	}
	return false
}

// MaxMemories returns the memory-count cap for a tier, or 0 for unlimited.
func (c *Config) MaxMemories() int {
	if c.Sync.Tier == "free" {
		return 100
	}
	return 0
}

// CloudSyncEnabled reports whether the tier permits cloud sync.
func (c *Config) CloudSyncEnabled() bool {
	return c.Sync.Tier == "standard" || c.Sync.Tier == "pro"
}

// ContextSynthesisEnabled reports whether the pro-only context tool is gated on.
func (c *Config) ContextSynthesisEnabled() bool {
	return c.Sync.Tier == "pro"
}

// WebhooksEnabled reports whether the pro-only webhook tools are gated on.
func (c *Config) WebhooksEnabled() bool {
	return c.Sync.Tier == "pro"
}

// EnsureConfigDir creates the configuration directory if it doesn't exist
func (c *Config) EnsureConfigDir() error {
	configDir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the configuration directory
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".mycelicmemory")
}

// DatabasePath returns the default database path
func DatabasePath() string {
	return filepath.Join(ConfigPath(), "memories.db")
}

// ModelDir returns the default model directory
func ModelDir() string {
	return filepath.Join(ConfigPath(), "models")
}
