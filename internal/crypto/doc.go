// Package crypto exposes the minimal primitives used by pulsecrypt.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     PublicKey, DH)
//   - HKDF-SHA256 extract/expand and HMAC-SHA256 (HKDF, HKDFExpand, HMACSHA256)
//   - AEAD construction for AES-256-GCM and ChaCha20-Poly1305 (NewAEAD)
//   - Argon2id key-encryption keys and sealed secrets for the key store
//     (DeriveKEK, SealSecret, OpenSecret)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Key types are the fixed-size arrays defined in internal/domain. Callers
// should treat returned secrets as sensitive and rely on Wipe when practical
// to reduce lifetime in memory.
package crypto
