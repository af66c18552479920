package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"pulsecrypt/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// IdentityKeyID names an identity key by its public half so identical key
// material always carries the same id.
func IdentityKeyID(pub domain.X25519Public) domain.KeyID {
	return domain.KeyID("ik_" + Fingerprint(pub.Slice()))
}
