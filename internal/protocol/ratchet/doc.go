// Package ratchet advances per-message keys for forward secrecy.
//
// Two constructions share one session model:
//
//   - Chain: a symmetric ratchet. Each sender owns a chain seeded from the
//     conversation root with HMAC(root, "chain|"+sender); every message takes
//     HMAC(ck, 0x01) as its key and moves to HMAC(ck, 0x02). In a group this
//     is the sender-keys construction.
//   - Double: the Double Ratchet. A root key and two chains; a new remote
//     DH public key triggers a DH step that reseeds both chains.
//
// Both work on immutable snapshots. Seal/Encrypt and Open/Decrypt return the
// next snapshot together with the message key, and Sessions stores it under a
// per-session lock only when the caller's AEAD step succeeded.
//
// Out-of-order messages are supported up to MaxSkipped retained keys
// (default 1000). A replayed index has no key left and fails.
package ratchet
