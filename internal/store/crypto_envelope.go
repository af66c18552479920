package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"unicode"

	"pulsecrypt/internal/crypto"
)

const (
	// The current supported version of the key store metadata on disk.
	keystoreFormatVersion = 1

	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12

	checkPlaintext = "pulsecrypt-keystore"
)

var (
	// ErrWrongPassphrase is returned when the passphrase is incorrect or the
	// metadata has been modified / corrupted.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key store")

	// ErrWeakPassphrase is returned when creating a store with a passphrase
	// that fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
)

// meta is the on‑disk JSON structure holding the KDF parameters and a
// check value sealed under the derived key.
type meta struct {
	V      int              `json:"v"`
	Salt   []byte           `json:"salt"`
	KDF    crypto.KEKParams `json:"argon2id"`
	Check  []byte           `json:"check"`
	Create int64            `json:"created"`
}

// newMeta derives a fresh KEK for passphrase and returns it with its metadata.
func newMeta(passphrase string, p crypto.KEKParams, now int64) (meta, []byte, error) {
	salt := make([]byte, crypto.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return meta{}, nil, err
	}
	kek, err := crypto.DeriveKEK(passphrase, salt, p)
	if err != nil {
		return meta{}, nil, err
	}
	check, err := crypto.SealSecret(kek, []byte(checkPlaintext), []byte("check"))
	if err != nil {
		crypto.Wipe(kek)
		return meta{}, nil, err
	}
	return meta{V: keystoreFormatVersion, Salt: salt, KDF: p, Check: check, Create: now}, kek, nil
}

// unlock re-derives the KEK and verifies it against the check value.
func (m meta) unlock(passphrase string) ([]byte, error) {
	if m.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported key store version %d", m.V)
	}
	kek, err := crypto.DeriveKEK(passphrase, m.Salt, m.KDF)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.OpenSecret(kek, m.Check, []byte("check"))
	if err != nil || string(pt) != checkPlaintext {
		crypto.Wipe(kek)
		return nil, ErrWrongPassphrase
	}
	return kek, nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
