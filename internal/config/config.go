package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the full pulsecrypt configuration.
type Config struct {
	Version   int             `toml:"version" json:"version" yaml:"version"`
	Identity  IdentityConfig  `toml:"identity" json:"identity" yaml:"identity"`
	Crypto    CryptoConfig    `toml:"crypto" json:"crypto" yaml:"crypto"`
	Directory DirectoryConfig `toml:"directory" json:"directory" yaml:"directory"`
	KeyStore  KeyStoreConfig  `toml:"keystore" json:"keystore" yaml:"keystore"`
	Log       LogConfig       `toml:"log" json:"log" yaml:"log"`
	Server    ServerConfig    `toml:"server" json:"server" yaml:"server"`
}

// IdentityConfig names the local user and where device state lives.
type IdentityConfig struct {
	// UserID is the directory id of the local user.
	UserID string `toml:"user_id" json:"user_id" yaml:"user_id"`
	// Home is the device state directory (key store, config).
	Home string `toml:"home" json:"home" yaml:"home"`
}

// CryptoConfig selects schemes and key lifetimes.
type CryptoConfig struct {
	// Strategy is the scheme for outgoing messages: static, chain or double.
	Strategy string `toml:"strategy" json:"strategy" yaml:"strategy"`
	// AEAD is AES-256-GCM or ChaCha20-Poly1305.
	AEAD string `toml:"aead" json:"aead" yaml:"aead"`
	// IdentityKeyTTLHours is the identity key lifetime; 0 never expires.
	IdentityKeyTTLHours int `toml:"identity_key_ttl_hours" json:"identity_key_ttl_hours" yaml:"identity_key_ttl_hours"`
	// ConversationKeyTTLHours rotates conversation keys after this long; 0 disables.
	ConversationKeyTTLHours int `toml:"conversation_key_ttl_hours" json:"conversation_key_ttl_hours" yaml:"conversation_key_ttl_hours"`
	// MaxSkippedKeys bounds retained out-of-order message keys per session.
	MaxSkippedKeys int `toml:"max_skipped_keys" json:"max_skipped_keys" yaml:"max_skipped_keys"`
}

// DirectoryConfig selects the DirectoryService backend.
type DirectoryConfig struct {
	// Mode is http, sqlite or memory.
	Mode string `toml:"mode" json:"mode" yaml:"mode"`
	// URL is the directory server base URL for http mode.
	URL string `toml:"url" json:"url" yaml:"url"`
	// TimeoutSec bounds every directory call.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
	// DBPath is the database for sqlite mode.
	DBPath string `toml:"db_path" json:"db_path" yaml:"db_path"`
}

// KeyStoreConfig selects the SecureKeyStore backend.
type KeyStoreConfig struct {
	// Kind is file or memory.
	Kind string `toml:"kind" json:"kind" yaml:"kind"`
	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `toml:"passphrase_env" json:"passphrase_env" yaml:"passphrase_env"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
}

// ServerConfig configures cmd/directory.
type ServerConfig struct {
	Listen         string   `toml:"listen" json:"listen" yaml:"listen"`
	DBPath         string   `toml:"db_path" json:"db_path" yaml:"db_path"`
	CORSOrigins    []string `toml:"cors_origins" json:"cors_origins" yaml:"cors_origins"`
	MetricsEnabled bool     `toml:"metrics_enabled" json:"metrics_enabled" yaml:"metrics_enabled"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	home := DefaultHome()
	return &Config{
		Version: Version,
		Identity: IdentityConfig{
			Home: home,
		},
		Crypto: CryptoConfig{
			Strategy:                "static",
			AEAD:                    "AES-256-GCM",
			IdentityKeyTTLHours:     24 * 365,
			ConversationKeyTTLHours: 0,
			MaxSkippedKeys:          1000,
		},
		Directory: DirectoryConfig{
			Mode:       "http",
			URL:        "http://127.0.0.1:8080",
			TimeoutSec: 5,
			DBPath:     filepath.Join(home, "directory.db"),
		},
		KeyStore: KeyStoreConfig{
			Kind:          "file",
			PassphraseEnv: "PULSECRYPT_PASSPHRASE",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Listen:         ":8080",
			DBPath:         filepath.Join(home, "directory.db"),
			MetricsEnabled: true,
		},
	}
}

// DefaultHome returns $PULSECRYPT_HOME or ~/.pulsecrypt.
func DefaultHome() string {
	if v := os.Getenv("PULSECRYPT_HOME"); v != "" {
		return v
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".pulsecrypt"
	}
	return filepath.Join(dir, ".pulsecrypt")
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with PULSECRYPT_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PULSECRYPT_USER_ID"); v != "" {
		c.Identity.UserID = v
	}
	if v := os.Getenv("PULSECRYPT_HOME"); v != "" {
		c.Identity.Home = v
	}
	if v := os.Getenv("PULSECRYPT_STRATEGY"); v != "" {
		c.Crypto.Strategy = v
	}
	if v := os.Getenv("PULSECRYPT_AEAD"); v != "" {
		c.Crypto.AEAD = v
	}
	if v := os.Getenv("PULSECRYPT_DIRECTORY_MODE"); v != "" {
		c.Directory.Mode = v
	}
	if v := os.Getenv("PULSECRYPT_DIRECTORY_URL"); v != "" {
		c.Directory.URL = v
	}
	if v := os.Getenv("PULSECRYPT_DIRECTORY_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Directory.TimeoutSec = n
		}
	}
	if v := os.Getenv("PULSECRYPT_KEYSTORE_KIND"); v != "" {
		c.KeyStore.Kind = v
	}
	if v := os.Getenv("PULSECRYPT_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PULSECRYPT_LISTEN"); v != "" {
		c.Server.Listen = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// IdentityKeyTTL returns the identity key lifetime; zero means no expiry.
func (c *Config) IdentityKeyTTL() time.Duration {
	return time.Duration(c.Crypto.IdentityKeyTTLHours) * time.Hour
}

// ConversationKeyTTL returns the conversation key lifetime; zero means no expiry.
func (c *Config) ConversationKeyTTL() time.Duration {
	return time.Duration(c.Crypto.ConversationKeyTTLHours) * time.Hour
}

// DirectoryTimeout returns the per-call directory timeout.
func (c *Config) DirectoryTimeout() time.Duration {
	return time.Duration(c.Directory.TimeoutSec) * time.Second
}

// EnsureDirectories creates the device state directory.
func (c *Config) EnsureDirectories() error {
	return os.MkdirAll(c.Identity.Home, 0o700)
}
