// Package aead seals message payloads for storage and transport.
//
// A payload is the AEAD ciphertext with the 16-byte tag detached into
// EncryptionMetadata next to the 96-bit nonce. The nonce is drawn from
// crypto/rand on every call; no counter or cache exists. Key id, algorithm,
// key version, scheme, sender and ratchet header are all authenticated, so
// editing any of them fails decryption.
//
// Supported algorithms are AES-256-GCM and ChaCha20-Poly1305.
package aead
