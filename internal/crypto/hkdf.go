package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every symmetric key pulsecrypt derives.
const KeySize = 32

// HKDFExtract returns the pseudorandom key for secret under salt.
func HKDFExtract(secret, salt []byte) []byte {
	return hkdf.Extract(sha256.New, secret, salt)
}

// HKDFExpand expands prk with info into n bytes.
func HKDFExpand(prk, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		Wipe(out)
		return nil, err
	}
	return out, nil
}

// HKDF runs extract-then-expand in one call.
func HKDF(secret, salt, info []byte, n int) ([]byte, error) {
	prk := HKDFExtract(secret, salt)
	defer Wipe(prk)
	return HKDFExpand(prk, info, n)
}

// HMACSHA256 returns HMAC-SHA256(key, parts...).
func HMACSHA256(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool { return hmac.Equal(a, b) }
