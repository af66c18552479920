package observability

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
//
// A nil *Logger is valid and discards everything, so components can be
// built without one in tests.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a JSON structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NewConsoleLogger creates a human-readable logger for CLI use.
func NewConsoleLogger(service string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: output, TimeFormat: time.Kitchen}
	return &Logger{
		logger: zerolog.New(cw).With().Timestamp().Str("service", service).Logger(),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithLevel returns a copy filtered at the named level (debug, info, warn, error).
func (l *Logger) WithLevel(level string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return &Logger{logger: l.get().Level(lvl)}, nil
}

// WithComponent adds component context to logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		logger: l.get().With().Str("component", name).Logger(),
	}
}

// WithUser adds user_id context to logger.
func (l *Logger) WithUser(userID string) *Logger {
	return &Logger{
		logger: l.get().With().Str("user_id", userID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.get().Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.get().Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.get().Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.get().Error().Err(err).Msg(msg)
}

// KeyPairGenerated logs creation of an identity key pair.
func (l *Logger) KeyPairGenerated(keyID, fingerprint string, rotated bool) {
	l.get().Info().
		Str("key_id", keyID).
		Str("fingerprint", fingerprint).
		Bool("rotated", rotated).
		Msg("identity key pair generated")
}

// KeyPublished logs a successful public key upload.
func (l *Logger) KeyPublished(keyID string, skipped bool) {
	l.get().Info().
		Str("key_id", keyID).
		Bool("already_published", skipped).
		Msg("public key published")
}

// PublishFailed logs a non-fatal public key upload failure.
func (l *Logger) PublishFailed(keyID string, err error) {
	l.get().Warn().
		Str("key_id", keyID).
		Err(err).
		Msg("public key publish failed")
}

// ConversationKeyResolved logs where a conversation key came from.
func (l *Logger) ConversationKeyResolved(conversationID, keyID string, version int, source string) {
	l.get().Debug().
		Str("conversation_id", conversationID).
		Str("key_id", keyID).
		Int("version", version).
		Str("source", source).
		Msg("conversation key resolved")
}

// ConversationKeyRotated logs a version bump.
func (l *Logger) ConversationKeyRotated(conversationID string, from, to int) {
	l.get().Info().
		Str("conversation_id", conversationID).
		Int("from_version", from).
		Int("to_version", to).
		Msg("conversation key rotated")
}

// MetadataRecordFailed logs a non-fatal key exchange metadata failure.
func (l *Logger) MetadataRecordFailed(conversationID string, err error) {
	l.get().Warn().
		Str("conversation_id", conversationID).
		Err(err).
		Msg("key exchange metadata not recorded")
}

// DecryptFailed logs a payload that could not be opened.
func (l *Logger) DecryptFailed(conversationID, keyID, reason string) {
	l.get().Warn().
		Str("conversation_id", conversationID).
		Str("key_id", keyID).
		Str("reason", reason).
		Msg("payload decryption failed")
}

// FallbackToPlaintext logs an outgoing message sent unencrypted.
func (l *Logger) FallbackToPlaintext(conversationID string, err error) {
	l.get().Warn().
		Str("conversation_id", conversationID).
		Err(err).
		Msg("encryption unavailable, sending unencrypted")
}

// MigrationProgress logs a migration state transition.
func (l *Logger) MigrationProgress(name, state string, processed, failed int) {
	l.get().Info().
		Str("migration", name).
		Str("status", state).
		Int("processed", processed).
		Int("failed", failed).
		Msg("migration status")
}

// MigrationRecordFailed logs one legacy record that did not migrate.
func (l *Logger) MigrationRecordFailed(name, conversationID string, err error) {
	l.get().Error().
		Str("migration", name).
		Str("conversation_id", conversationID).
		Err(err).
		Msg("legacy key migration failed")
}

// RequestServed logs one directory HTTP request.
func (l *Logger) RequestServed(method, path string, status int, elapsed time.Duration) {
	l.get().Info().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("elapsed", elapsed).
		Msg("request")
}

func (l *Logger) get() *zerolog.Logger {
	if l == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return &l.logger
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
