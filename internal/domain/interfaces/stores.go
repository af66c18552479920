package interfaces

import "context"

// SecureKeyStore is device-local, protected storage for raw key material.
// Values are opaque bytes (JSON-encoded key objects); a missing key is
// reported as ok=false, not as an error.
type SecureKeyStore interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
