// Package derivation derives conversation keys from identity key agreement.
//
// A direct conversation key is X25519(myPriv, theirPub) fed through
// HKDF-SHA256 with a fixed salt and an info string that carries the
// conversation id and key version. Media, attachment digest, group wrap and
// ratchet root keys come from the same construction under separate labels.
package derivation
