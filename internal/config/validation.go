package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig checks every section and returns all problems at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	errs = append(errs, validateCrypto(&c.Crypto)...)
	errs = append(errs, validateDirectory(&c.Directory)...)
	errs = append(errs, validateKeyStore(&c.KeyStore)...)
	errs = append(errs, validateLog(&c.Log)...)
	if c.Identity.Home == "" {
		errs = append(errs, ValidationError{Field: "identity.home", Message: "home directory is required"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateCrypto(c *CryptoConfig) ValidationErrors {
	var errs ValidationErrors

	switch c.Strategy {
	case "static", "chain", "double":
	default:
		errs = append(errs, ValidationError{
			Field:   "crypto.strategy",
			Message: fmt.Sprintf("invalid strategy: %s (valid: static, chain, double)", c.Strategy),
		})
	}
	switch c.AEAD {
	case "AES-256-GCM", "ChaCha20-Poly1305":
	default:
		errs = append(errs, ValidationError{
			Field:   "crypto.aead",
			Message: fmt.Sprintf("invalid AEAD: %s (valid: AES-256-GCM, ChaCha20-Poly1305)", c.AEAD),
		})
	}
	if c.IdentityKeyTTLHours < 0 || c.ConversationKeyTTLHours < 0 {
		errs = append(errs, ValidationError{Field: "crypto", Message: "key lifetimes cannot be negative"})
	}
	if c.MaxSkippedKeys < 0 || c.MaxSkippedKeys > 100000 {
		errs = append(errs, ValidationError{
			Field:   "crypto.max_skipped_keys",
			Message: "must be between 0 and 100000",
		})
	}
	return errs
}

func validateDirectory(d *DirectoryConfig) ValidationErrors {
	var errs ValidationErrors

	switch d.Mode {
	case "http":
		if !isValidURL(d.URL) {
			errs = append(errs, ValidationError{
				Field:   "directory.url",
				Message: fmt.Sprintf("invalid URL: %q", d.URL),
			})
		}
	case "sqlite":
		if d.DBPath == "" {
			errs = append(errs, ValidationError{
				Field:   "directory.db_path",
				Message: "database path is required for sqlite directory",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "directory.mode",
			Message: fmt.Sprintf("invalid directory mode: %s (valid: http, sqlite, memory)", d.Mode),
		})
	}
	if d.TimeoutSec <= 0 {
		errs = append(errs, ValidationError{Field: "directory.timeout_sec", Message: "must be positive"})
	}
	return errs
}

func validateKeyStore(k *KeyStoreConfig) ValidationErrors {
	switch k.Kind {
	case "file", "memory":
		return nil
	}
	return ValidationErrors{{
		Field:   "keystore.kind",
		Message: fmt.Sprintf("invalid key store: %s (valid: file, memory)", k.Kind),
	}}
}

func validateLog(l *LogConfig) ValidationErrors {
	var errs ValidationErrors
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{Field: "log.level", Message: fmt.Sprintf("invalid level: %s", l.Level)})
	}
	switch l.Format {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{Field: "log.format", Message: fmt.Sprintf("invalid format: %s", l.Format)})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
