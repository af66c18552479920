package app

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"pulsecrypt/internal/domain"
)

// Options holds runtime wiring choices that do not belong in the config file.
type Options struct {
	Version    string               // reported in JSON logs
	Passphrase string               // overrides the keystore passphrase env var
	LogOutput  io.Writer            // defaults to stderr
	Registry   *prometheus.Registry // optional; a fresh one is used otherwise
	HTTP       *http.Client         // optional transport for http directory mode
	Directory  domain.DirectoryService
	KeyStore   domain.SecureKeyStore
}
