package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the engine and directory.
//
// A nil *Metrics is valid; every recording method is a no-op on it.
type Metrics struct {
	registry prometheus.Gatherer

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration *prometheus.HistogramVec

	// Key lifecycle metrics
	CacheLookupsTotal    *prometheus.CounterVec
	DerivationsTotal     *prometheus.CounterVec
	KeyRotationsTotal    *prometheus.CounterVec
	PublishFailuresTotal prometheus.Counter
	PlaintextFallbacks   prometheus.Counter

	// Migration metrics
	MigrationRecordsTotal *prometheus.CounterVec

	// Directory server metrics
	DirectoryRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers all collectors on reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		CryptoOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecrypt_crypto_operations_total",
				Help: "Encrypt and decrypt operations by outcome",
			},
			[]string{"operation", "scheme", "result"},
		),
		CryptoOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulsecrypt_crypto_operation_duration_seconds",
				Help:    "Latency of encrypt and decrypt including key resolution",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"operation"},
		),
		CacheLookupsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecrypt_key_cache_lookups_total",
				Help: "Conversation key lookups by the layer that answered",
			},
			[]string{"source"},
		),
		DerivationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecrypt_key_derivations_total",
				Help: "Conversation key derivations by conversation type",
			},
			[]string{"type"},
		),
		KeyRotationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecrypt_key_rotations_total",
				Help: "Key rotations by kind",
			},
			[]string{"kind"},
		),
		PublishFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pulsecrypt_public_key_publish_failures_total",
				Help: "Public key uploads that failed and were skipped",
			},
		),
		PlaintextFallbacks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pulsecrypt_plaintext_fallbacks_total",
				Help: "Outgoing messages sent unencrypted because no key was available",
			},
		),
		MigrationRecordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecrypt_migration_records_total",
				Help: "Legacy key records processed by result",
			},
			[]string{"result"},
		),
		DirectoryRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecrypt_directory_requests_total",
				Help: "Directory HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CryptoOperation records one encrypt or decrypt.
func (m *Metrics) CryptoOperation(op, scheme string, err error, started time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CryptoOperationsTotal.WithLabelValues(op, scheme, result).Inc()
	m.CryptoOperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// CacheLookup records which layer answered a key lookup.
func (m *Metrics) CacheLookup(source string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(source).Inc()
}

// Derivation records one key derivation.
func (m *Metrics) Derivation(conversationType string) {
	if m == nil {
		return
	}
	m.DerivationsTotal.WithLabelValues(conversationType).Inc()
}

// Rotation records one key rotation.
func (m *Metrics) Rotation(kind string) {
	if m == nil {
		return
	}
	m.KeyRotationsTotal.WithLabelValues(kind).Inc()
}

// PublishFailure records a skipped public key upload.
func (m *Metrics) PublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailuresTotal.Inc()
}

// PlaintextFallback records an unencrypted send.
func (m *Metrics) PlaintextFallback() {
	if m == nil {
		return
	}
	m.PlaintextFallbacks.Inc()
}

// MigrationRecord records a processed legacy record.
func (m *Metrics) MigrationRecord(result string) {
	if m == nil {
		return
	}
	m.MigrationRecordsTotal.WithLabelValues(result).Inc()
}

// DirectoryRequest records one served directory request.
func (m *Metrics) DirectoryRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.DirectoryRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
