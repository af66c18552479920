// Package engine is the shell-facing encryption API.
//
// An Engine resolves the conversation, serialises the MessageEnvelope and
// hands it to one of three strategies:
//
//   - static: AEAD under the conversation key itself
//   - chain:  per-sender symmetric chains seeded from the conversation key
//   - double: the Double Ratchet, direct conversations only
//
// The outgoing scheme is configured; incoming payloads are opened with the
// scheme their metadata names, so peers on different settings interoperate.
// Payloads under a legacy server-held key are opened through the directory's
// legacy archive until the migration deletes it.
//
// Decrypt paths only ever return *domain.DecryptionError. SealOutgoing and
// OpenIncoming add the shell policies on top: plaintext with a warning when
// encryption is unavailable, and a placeholder for undecryptable messages.
package engine
