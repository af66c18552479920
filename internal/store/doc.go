// Package store provides the device-local SecureKeyStore implementations.
//
// FileKeyStore seals every entry under a passphrase-derived key and writes
// it atomically (temp file then rename) with 0600 permissions.
// MemoryKeyStore keeps entries in process memory. Both are concurrency-safe
// via internal locking.
//
// Entry names follow a fixed layout: user_keypair_<userId> holds the
// identity key pair and conversation_key_<conversationId> holds the
// conversation keyring, both JSON-encoded (see IdentityKey, ConversationKey).
package store
