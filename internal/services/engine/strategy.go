package engine

import (
	"context"
	"errors"
	"fmt"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/aead"
	"pulsecrypt/internal/protocol/ratchet"
)

var (
	errMissingHeader  = errors.New("payload has no ratchet header or sender")
	errUnknownSender  = errors.New("sender is not a participant")
	errDirectOnly     = errors.New("double ratchet needs a direct conversation")
	errDigestMismatch = errors.New("media digest does not match")
)

// Strategy seals and opens message bytes for one scheme.
type Strategy interface {
	Scheme() domain.Scheme
	Seal(ctx context.Context, conv domain.Conversation, plaintext, aad []byte) (domain.EncryptedPayload, error)
	Open(ctx context.Context, conv domain.Conversation, p domain.EncryptedPayload, aad []byte) ([]byte, error)
}

// keySource resolves the conversation key a payload names. It is shared by
// every strategy.
type keySource struct {
	me     domain.UserID
	keys   domain.ConversationKeyCache
	cipher *aead.Cipher
	onErr  func(conv domain.ConversationID, err error)
}

// forPayload returns the key version p was sealed under. A key id that
// differs from the local one for that version is a key mismatch.
func (s *keySource) forPayload(ctx context.Context, conv domain.ConversationID, m domain.EncryptionMetadata) (domain.ConversationKey, error) {
	if m.KeyVersion < 1 {
		return domain.ConversationKey{}, &domain.DecryptionError{
			Reason: domain.ReasonMalformed, KeyID: m.KeyID, Err: fmt.Errorf("key version %d", m.KeyVersion),
		}
	}
	key, err := s.keys.GetVersion(ctx, conv, m.KeyVersion)
	if err != nil {
		return domain.ConversationKey{}, &domain.DecryptionError{Reason: domain.ReasonKeyUnavailable, KeyID: m.KeyID, Err: err}
	}
	if key.KeyID != m.KeyID {
		return domain.ConversationKey{}, &domain.DecryptionError{
			Reason: domain.ReasonKeyMismatch,
			KeyID:  m.KeyID,
			Err:    fmt.Errorf("version %d resolves to %s", m.KeyVersion, key.KeyID),
		}
	}
	return key, nil
}

// adopt promotes a newer peer version once a payload under it authenticated.
func (s *keySource) adopt(ctx context.Context, key domain.ConversationKey) {
	if key.IsActive {
		return
	}
	if err := s.keys.Adopt(ctx, key); err != nil && s.onErr != nil {
		s.onErr(key.ConversationID, err)
	}
}

// static encrypts every message directly under the conversation key.
type static struct {
	*keySource
}

func (s static) Scheme() domain.Scheme { return domain.SchemeStatic }

func (s static) Seal(ctx context.Context, conv domain.Conversation, plaintext, aad []byte) (domain.EncryptedPayload, error) {
	key, err := s.keys.Get(ctx, conv.ID)
	if err != nil {
		return domain.EncryptedPayload{}, err
	}
	return s.cipher.Seal(plaintext, key.SymmetricKey, domain.EncryptionMetadata{
		KeyID:      key.KeyID,
		KeyVersion: key.Version,
		Scheme:     domain.SchemeStatic,
		SenderID:   s.me,
	}, aad)
}

func (s static) Open(ctx context.Context, conv domain.Conversation, p domain.EncryptedPayload, aad []byte) ([]byte, error) {
	key, err := s.forPayload(ctx, conv.ID, p.Metadata)
	if err != nil {
		return nil, err
	}
	pt, err := s.cipher.Open(p, key.SymmetricKey, aad)
	if err != nil {
		return nil, err
	}
	s.adopt(ctx, key)
	return pt, nil
}

// ratchetFailure turns ratchet errors into DecryptionErrors.
func ratchetFailure(keyID domain.KeyID, err error) error {
	if err == nil || domain.IsDecryptionError(err) {
		return err
	}
	reason := domain.ReasonMalformed
	switch {
	case errors.Is(err, domain.ErrNoSession):
		reason = domain.ReasonNoSession
	case errors.Is(err, ratchet.ErrSkippedKeyNotFound):
		reason = domain.ReasonReplay
	case errors.Is(err, ratchet.ErrSessionMismatch):
		reason = domain.ReasonKeyMismatch
	}
	return &domain.DecryptionError{Reason: reason, KeyID: keyID, Err: err}
}

func sessionKey(kind string, conv domain.ConversationID, version int) string {
	return fmt.Sprintf("%s_%s_v%d", kind, conv, version)
}
