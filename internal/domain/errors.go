package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores and the directory for missing records.
	ErrNotFound = errors.New("not found")
	// ErrNoSession means no ratchet session exists for the conversation.
	ErrNoSession = errors.New("no ratchet session for conversation")
	// ErrVersionConflict is returned when publishing a group key version that
	// another member already published.
	ErrVersionConflict = errors.New("key version already published")
)

// KeyGenerationError means the local identity could not be created or
// persisted. Encryption is unavailable for the session.
type KeyGenerationError struct {
	Err error
}

func (e *KeyGenerationError) Error() string {
	return "key generation failed: " + errString(e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }

// CounterpartKeyUnavailableError means the peer has no usable published key.
type CounterpartKeyUnavailableError struct {
	UserID UserID
	Err    error
}

func (e *CounterpartKeyUnavailableError) Error() string {
	return fmt.Sprintf("public key of %s unavailable: %s", e.UserID, errString(e.Err))
}

func (e *CounterpartKeyUnavailableError) Unwrap() error { return e.Err }

// DerivationError wraps an ECDH or HKDF failure.
type DerivationError struct {
	Op  string
	Err error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("derive %s: %s", e.Op, errString(e.Err))
}

func (e *DerivationError) Unwrap() error { return e.Err }

// DecryptionReason classifies a DecryptionError.
type DecryptionReason string

const (
	ReasonKeyMismatch    DecryptionReason = "key_mismatch"
	ReasonAuthFailed     DecryptionReason = "auth_failed"
	ReasonTruncated      DecryptionReason = "truncated"
	ReasonUnsupported    DecryptionReason = "unsupported_algorithm"
	ReasonMalformed      DecryptionReason = "malformed"
	ReasonNoSession      DecryptionReason = "no_session"
	ReasonKeyUnavailable DecryptionReason = "key_unavailable"
	ReasonReplay         DecryptionReason = "replay"
)

// DecryptionError is the only failure decrypt paths return. It never carries
// partial plaintext.
type DecryptionError struct {
	Reason DecryptionReason
	KeyID  KeyID
	Err    error
}

func (e *DecryptionError) Error() string {
	msg := "decryption failed (" + string(e.Reason) + ")"
	if e.KeyID != "" {
		msg += " key " + string(e.KeyID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// MigrationError records a failed legacy key migration.
type MigrationError struct {
	Migration      string
	ConversationID ConversationID
	Err            error
}

func (e *MigrationError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("migration %s: conversation %s: %s", e.Migration, e.ConversationID, errString(e.Err))
	}
	return fmt.Sprintf("migration %s: %s", e.Migration, errString(e.Err))
}

func (e *MigrationError) Unwrap() error { return e.Err }

// IsDecryptionError reports whether err is or wraps a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// IsEncryptionUnavailable reports whether err means the caller should fall
// back to sending the message unencrypted.
func IsEncryptionUnavailable(err error) bool {
	var kg *KeyGenerationError
	var cu *CounterpartKeyUnavailableError
	return errors.As(err, &kg) || errors.As(err, &cu)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
