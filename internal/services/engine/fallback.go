package engine

import (
	"context"

	"pulsecrypt/internal/domain"
)

// UndecryptablePlaceholder is shown in place of a message that failed to
// decrypt.
const UndecryptablePlaceholder = "[message could not be decrypted]"

// UnencryptedWarning accompanies messages sent without encryption.
const UnencryptedWarning = "message sent without end-to-end encryption"

// Outgoing is what the shell sends for one message: either a payload or,
// when encryption is unavailable, the plaintext envelope marked as such.
type Outgoing struct {
	Encrypted bool                     `json:"encrypted"`
	Payload   *domain.EncryptedPayload `json:"payload,omitempty"`
	Plaintext *domain.MessageEnvelope  `json:"plaintext,omitempty"`
	Warning   string                   `json:"warning,omitempty"`
}

// SealOutgoing encrypts env, or returns it as plaintext with a warning if the
// local identity or the counterpart key is unavailable. Other failures are
// returned and nothing is sent.
func (e *Engine) SealOutgoing(ctx context.Context, conv domain.ConversationID, env domain.MessageEnvelope) (Outgoing, error) {
	p, err := e.EncryptOutgoing(ctx, conv, env)
	switch {
	case err == nil:
		return Outgoing{Encrypted: true, Payload: &p}, nil
	case domain.IsEncryptionUnavailable(err):
		e.log.FallbackToPlaintext(string(conv), err)
		e.metrics.PlaintextFallback()
		return Outgoing{Plaintext: &env, Warning: UnencryptedWarning}, nil
	default:
		return Outgoing{}, err
	}
}

// OpenIncoming decrypts p. On failure it returns a text placeholder and
// false; the failure has already been logged.
func (e *Engine) OpenIncoming(ctx context.Context, conv domain.ConversationID, p domain.EncryptedPayload) (domain.MessageEnvelope, bool) {
	env, err := e.DecryptIncoming(ctx, conv, p)
	if err != nil {
		return domain.MessageEnvelope{Type: domain.KindText, Text: UndecryptablePlaceholder}, false
	}
	return env, true
}
