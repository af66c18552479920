package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"pulsecrypt/internal/domain"
)

// NonceSize is the 96-bit nonce used by both supported AEADs.
const NonceSize = 12

// TagSize is the authentication tag length of both supported AEADs.
const TagSize = 16

var (
	// ErrInvalidKeySize is returned for keys that are not KeySize bytes.
	ErrInvalidKeySize = errors.New("invalid key size")
	// ErrUnsupportedAlgorithm is returned for unknown AEAD names.
	ErrUnsupportedAlgorithm = errors.New("unsupported AEAD algorithm")
)

// NewAEAD returns the AEAD named by algorithm keyed with key.
func NewAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeySize, len(key))
	}
	switch algorithm {
	case domain.AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case domain.AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// SupportedAlgorithm reports whether NewAEAD accepts algorithm.
func SupportedAlgorithm(algorithm string) bool {
	return algorithm == domain.AlgorithmAES256GCM || algorithm == domain.AlgorithmChaCha20Poly1305
}
