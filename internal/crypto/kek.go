package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltSize is the length of KEK salts.
const SaltSize = 16

// KEKParams are the Argon2id cost parameters.
type KEKParams struct {
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"`
	Threads uint8  `json:"p"`
}

// DefaultKEKParams are used for new key stores.
var DefaultKEKParams = KEKParams{Time: 1, Memory: 64 * 1024, Threads: 4}

var errBadSalt = errors.New("invalid salt size")

// DeriveKEK derives a key-encryption key from a passphrase and salt using Argon2id.
func DeriveKEK(passphrase string, salt []byte, p KEKParams) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, errBadSalt
	}
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.Memory, p.Threads, KeySize), nil
}

// SealSecret encrypts plaintext under kek with a random nonce, binding ad.
// The result is nonce || ciphertext || tag.
func SealSecret(kek, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:NonceSize], plaintext, ad), nil
}

// OpenSecret reverses SealSecret.
func OpenSecret(kek, sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+aead.Overhead() {
		return nil, errors.New("sealed secret truncated")
	}
	return aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], ad)
}
