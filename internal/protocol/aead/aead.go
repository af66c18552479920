package aead

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
)

const adLabel = "pulsecrypt/aead/v1"

// Cipher seals payloads with a detached tag and a fresh random nonce per call.
// It holds no key state and is safe for concurrent use.
type Cipher struct {
	algorithm string
	rand      io.Reader
}

// Option customises a Cipher.
type Option func(*Cipher)

// WithRand replaces the nonce source. Tests only.
func WithRand(r io.Reader) Option {
	return func(c *Cipher) { c.rand = r }
}

// New returns a Cipher that encrypts with algorithm. Decryption accepts any
// supported algorithm named in the payload metadata.
func New(algorithm string, opts ...Option) (*Cipher, error) {
	if !crypto.SupportedAlgorithm(algorithm) {
		return nil, fmt.Errorf("%w: %q", crypto.ErrUnsupportedAlgorithm, algorithm)
	}
	c := &Cipher{algorithm: algorithm, rand: rand.Reader}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Algorithm returns the algorithm used for encryption.
func (c *Cipher) Algorithm() string { return c.algorithm }

// Encrypt seals plaintext under a conversation key. The key id and version
// travel in the metadata and are authenticated together with aad.
func (c *Cipher) Encrypt(plaintext []byte, key domain.ConversationKey, aad []byte) (domain.EncryptedPayload, error) {
	return c.Seal(plaintext, key.SymmetricKey, domain.EncryptionMetadata{
		KeyID:      key.KeyID,
		KeyVersion: key.Version,
		Scheme:     domain.SchemeStatic,
	}, aad)
}

// Decrypt opens a payload sealed by Encrypt. A payload naming a different key
// id than key fails with a key_mismatch DecryptionError before any AEAD work.
func (c *Cipher) Decrypt(p domain.EncryptedPayload, key domain.ConversationKey, aad []byte) ([]byte, error) {
	if p.Metadata.KeyID != key.KeyID {
		return nil, &domain.DecryptionError{
			Reason: domain.ReasonKeyMismatch,
			KeyID:  p.Metadata.KeyID,
			Err:    fmt.Errorf("resolved key %s", key.KeyID),
		}
	}
	return c.Open(p, key.SymmetricKey, aad)
}

// Seal encrypts plaintext under a raw 32-byte key. meta supplies KeyID,
// KeyVersion, Scheme, SenderID and Ratchet; Algorithm, Nonce and AuthTag are
// filled in.
func (c *Cipher) Seal(plaintext, key []byte, meta domain.EncryptionMetadata, aad []byte) (domain.EncryptedPayload, error) {
	a, err := crypto.NewAEAD(c.algorithm, key)
	if err != nil {
		return domain.EncryptedPayload{}, err
	}
	nonce := make([]byte, crypto.NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return domain.EncryptedPayload{}, fmt.Errorf("nonce: %w", err)
	}

	meta.Algorithm = c.algorithm
	meta.Nonce = nonce
	meta.AuthTag = nil

	sealed := a.Seal(nil, nonce, plaintext, associatedData(meta, aad))
	split := len(sealed) - a.Overhead()
	meta.AuthTag = append([]byte(nil), sealed[split:]...)
	return domain.EncryptedPayload{
		Ciphertext: sealed[:split:split],
		Metadata:   meta,
	}, nil
}

// Open authenticates and decrypts p under a raw key. Every failure is a
// *domain.DecryptionError and no plaintext is returned with it.
func (c *Cipher) Open(p domain.EncryptedPayload, key, aad []byte) ([]byte, error) {
	m := p.Metadata
	fail := func(reason domain.DecryptionReason, err error) error {
		return &domain.DecryptionError{Reason: reason, KeyID: m.KeyID, Err: err}
	}
	if !crypto.SupportedAlgorithm(m.Algorithm) {
		return nil, fail(domain.ReasonUnsupported, fmt.Errorf("algorithm %q", m.Algorithm))
	}
	if len(m.Nonce) != crypto.NonceSize {
		return nil, fail(domain.ReasonTruncated, fmt.Errorf("nonce length %d", len(m.Nonce)))
	}
	if len(m.AuthTag) != crypto.TagSize {
		return nil, fail(domain.ReasonTruncated, fmt.Errorf("tag length %d", len(m.AuthTag)))
	}
	a, err := crypto.NewAEAD(m.Algorithm, key)
	if err != nil {
		return nil, fail(domain.ReasonKeyUnavailable, err)
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+len(m.AuthTag))
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, m.AuthTag...)

	meta := m
	meta.AuthTag = nil
	pt, err := a.Open(nil, m.Nonce, sealed, associatedData(meta, aad))
	if err != nil {
		return nil, fail(domain.ReasonAuthFailed, errAuth)
	}
	return pt, nil
}

var errAuth = errors.New("message authentication failed")

// associatedData binds every metadata field except nonce and tag, then the
// caller's aad. Fields are length-prefixed so no two metadata values encode
// to the same bytes.
func associatedData(m domain.EncryptionMetadata, aad []byte) []byte {
	var b []byte
	put := func(v []byte) {
		b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
		b = append(b, v...)
	}
	put([]byte(adLabel))
	put([]byte(m.KeyID))
	put([]byte(m.Algorithm))
	b = binary.BigEndian.AppendUint64(b, uint64(int64(m.KeyVersion)))
	put([]byte(m.Scheme))
	put([]byte(m.SenderID))
	if h := m.Ratchet; h != nil {
		b = append(b, 1)
		put([]byte(h.SessionID))
		put(h.DiffieHellmanPublicKey)
		b = binary.BigEndian.AppendUint32(b, h.PreviousChainLength)
		b = binary.BigEndian.AppendUint32(b, h.MessageIndex)
	} else {
		b = append(b, 0)
	}
	put(aad)
	return b
}
