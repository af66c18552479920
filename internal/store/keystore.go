package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
)

const (
	metaFile   = "keystore.json"
	entriesDir = "keys"
)

// FileKeyStore is a passphrase-protected SecureKeyStore on disk.
//
// Each entry is sealed separately with ChaCha20-Poly1305 under an Argon2id
// key-encryption key; the entry name is bound as associated data so files
// cannot be swapped between names.
type FileKeyStore struct {
	dir string
	mu  sync.Mutex
	kek []byte
}

// Option configures a FileKeyStore.
type Option func(*options)

type options struct {
	kdf        crypto.KEKParams
	skipPolicy bool
}

// WithKDFParams overrides the Argon2id cost for new stores.
func WithKDFParams(p crypto.KEKParams) Option {
	return func(o *options) { o.kdf = p }
}

// WithoutPassphrasePolicy disables the strength check for new stores.
func WithoutPassphrasePolicy() Option {
	return func(o *options) { o.skipPolicy = true }
}

// OpenFileKeyStore opens the store in dir, creating it if needed.
// A new store requires a passphrase that passes the strength policy.
func OpenFileKeyStore(dir, passphrase string, opts ...Option) (*FileKeyStore, error) {
	o := options{kdf: crypto.DefaultKEKParams}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(filepath.Join(dir, entriesDir), 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}

	var m meta
	b, err := readFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("keystore: read meta: %w", err)
	}
	if b == nil {
		if !o.skipPolicy && !isSecurePassphrase(passphrase) {
			return nil, ErrWeakPassphrase
		}
		m, kek, err := newMeta(passphrase, o.kdf, time.Now().Unix())
		if err != nil {
			return nil, fmt.Errorf("keystore: init: %w", err)
		}
		if err := writeJSON(filepath.Join(dir, metaFile), m, 0o600); err != nil {
			crypto.Wipe(kek)
			return nil, fmt.Errorf("keystore: write meta: %w", err)
		}
		return &FileKeyStore{dir: dir, kek: kek}, nil
	}
	if err := unmarshalJSON(b, &m); err != nil {
		return nil, fmt.Errorf("keystore: parse meta: %w", err)
	}
	kek, err := m.unlock(passphrase)
	if err != nil {
		return nil, err
	}
	return &FileKeyStore{dir: dir, kek: kek}, nil
}

// Get returns the decrypted value stored under key.
func (s *FileKeyStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kek == nil {
		return nil, false, errClosed
	}
	b, err := readFile(s.path(key))
	if err != nil {
		return nil, false, fmt.Errorf("keystore: read %s: %w", key, err)
	}
	if b == nil {
		return nil, false, nil
	}
	pt, err := crypto.OpenSecret(s.kek, b, []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("keystore: open %s: %w", key, ErrWrongPassphrase)
	}
	return pt, true, nil
}

// Set seals value and atomically replaces the entry.
func (s *FileKeyStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kek == nil {
		return errClosed
	}
	sealed, err := crypto.SealSecret(s.kek, value, []byte(key))
	if err != nil {
		return fmt.Errorf("keystore: seal %s: %w", key, err)
	}
	return writeFile(s.path(key), sealed, 0o600)
}

// Delete removes the entry; deleting a missing entry is not an error.
func (s *FileKeyStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("keystore: delete %s: %w", key, err)
	}
	return nil
}

// Close wipes the key-encryption key. The store is unusable afterwards.
func (s *FileKeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Wipe(s.kek)
	s.kek = nil
	return nil
}

// path hex-encodes the entry name so any key string maps to a safe file name.
func (s *FileKeyStore) path(key string) string {
	return filepath.Join(s.dir, entriesDir, hex.EncodeToString([]byte(key))+".enc")
}

var errClosed = errors.New("keystore: closed")

// Compile-time assertion that FileKeyStore implements domain.SecureKeyStore.
var _ domain.SecureKeyStore = (*FileKeyStore)(nil)
