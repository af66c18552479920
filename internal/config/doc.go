// Package config handles configuration loading and validation for pulsecrypt.
//
// Files may be TOML, YAML or JSON, chosen by extension. Defaults apply for
// anything unset, PULSECRYPT_* environment variables override the file, and
// Validate reports every problem at once as ValidationErrors.
package config
