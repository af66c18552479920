// Package identity manages the local user's long-lived X25519 key pair.
//
// Contents:
//   - EnsureKeyPair: load or create the pair, rotating it once expired.
//   - PublishPublicKey: idempotent registration with the directory.
//   - Rotate: synchronous regeneration, background republish.
//   - PublicKeyOf: counterpart key lookup with a bounded timeout.
//
// # Notes
//
// The private key is only ever written to the SecureKeyStore. The key id is
// derived from the public key, so re-running EnsureKeyPair without expiry
// always yields the same id.
package identity
