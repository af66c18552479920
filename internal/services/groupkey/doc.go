// Package groupkey distributes group conversation keys.
//
// A group key version is 32 random bytes chosen by whichever member creates
// it. The creator wraps one copy per member under an X25519+HKDF pairwise key
// and publishes all copies at once; the directory rejects a second
// publication of the same version. Per-sender message chains are then
// derived from the group key by the chain strategy.
package groupkey
