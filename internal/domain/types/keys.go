package types

import (
	"encoding/base64"
	"fmt"
	"time"
)

// AlgorithmX25519 names the identity key agreement curve.
const AlgorithmX25519 = "X25519"

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// MarshalText encodes the key as standard base64.
func (p X25519Public) MarshalText() ([]byte, error) { return marshalKey(p[:]) }

// UnmarshalText decodes a base64 key.
func (p *X25519Public) UnmarshalText(b []byte) error { return unmarshalKey(p[:], b) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// MarshalText encodes the key as standard base64.
func (k X25519Private) MarshalText() ([]byte, error) { return marshalKey(k[:]) }

// UnmarshalText decodes a base64 key.
func (k *X25519Private) UnmarshalText(b []byte) error { return unmarshalKey(k[:], b) }

func marshalKey(k []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(k)))
	base64.StdEncoding.Encode(out, k)
	return out, nil
}

func unmarshalKey(dst, b []byte) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(raw, b)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("key length %d, want %d", n, len(dst))
	}
	copy(dst, raw[:n])
	return nil
}

// IdentityKeyPair is the local user's long-lived key agreement pair.
//
// It is persisted only to the device key store; PublishedKey is the shape
// that leaves the device.
type IdentityKeyPair struct {
	PublicKey  X25519Public  `json:"publicKey"`
	PrivateKey X25519Private `json:"privateKey"`
	KeyID      KeyID         `json:"keyId"`
	CreatedAt  time.Time     `json:"createdAt"`
	ExpiresAt  *time.Time    `json:"expiresAt,omitempty"`
	Algorithm  string        `json:"algorithm"`
}

// Expired reports whether the pair is past its expiry at now.
func (k IdentityKeyPair) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Published returns the public half as it is registered for user.
func (k IdentityKeyPair) Published(user UserID) PublishedKey {
	return PublishedKey{
		UserID:    user,
		KeyID:     k.KeyID,
		PublicKey: k.PublicKey,
		Algorithm: k.Algorithm,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		IsActive:  true,
	}
}

// PublishedKey is a public identity key as held by the directory.
type PublishedKey struct {
	UserID    UserID       `json:"userId"`
	KeyID     KeyID        `json:"keyId"`
	PublicKey X25519Public `json:"publicKey"`
	Algorithm string       `json:"algorithm"`
	CreatedAt time.Time    `json:"createdAt"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
	IsActive  bool         `json:"isActive"`
}

// ConversationKey is a symmetric key for one version of a conversation.
type ConversationKey struct {
	KeyID            KeyID            `json:"keyId"`
	ConversationID   ConversationID   `json:"conversationId"`
	ConversationType ConversationType `json:"conversationType"`
	SymmetricKey     []byte           `json:"symmetricKey"`
	CreatedAt        time.Time        `json:"createdAt"`
	ExpiresAt        *time.Time       `json:"expiresAt,omitempty"`
	Version          int              `json:"version"`
	IsActive         bool             `json:"isActive"`
}

// Expired reports whether the key is past its expiry at now.
func (k ConversationKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Clone returns a deep copy so callers cannot alias cached key bytes.
func (k ConversationKey) Clone() ConversationKey {
	out := k
	out.SymmetricKey = append([]byte(nil), k.SymmetricKey...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

// Keyring holds every retained version of a conversation's key.
// It is the value stored under conversation_key_<conversationId>.
type Keyring struct {
	ConversationID   ConversationID    `json:"conversationId"`
	ConversationType ConversationType  `json:"conversationType"`
	ActiveVersion    int               `json:"activeVersion"`
	Keys             []ConversationKey `json:"keys"`
}

// Version returns the key with the given version.
func (r Keyring) Version(v int) (ConversationKey, bool) {
	for _, k := range r.Keys {
		if k.Version == v {
			return k, true
		}
	}
	return ConversationKey{}, false
}

// Active returns the active key.
func (r Keyring) Active() (ConversationKey, bool) {
	return r.Version(r.ActiveVersion)
}
