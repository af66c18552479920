// Package observability provides the structured logger and Prometheus
// metrics shared by the engine, the CLI and the directory server.
//
// Neither type is required: nil loggers and nil metrics are valid and
// silently drop events. Key bytes are never passed to either; only key ids,
// versions and fingerprints.
package observability
