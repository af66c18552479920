// Package keycache holds conversation keys.
//
// Lookups go memory, then the SecureKeyStore entry conversation_key_<id>,
// then a Deriver. The stored value is a JSON keyring of every retained
// version; rotation appends a version and leaves the previous ones readable.
package keycache
