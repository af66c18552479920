package aead_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/aead"
)

func testKey(id domain.KeyID, fill byte) domain.ConversationKey {
	return domain.ConversationKey{
		KeyID:        id,
		Version:      1,
		SymmetricKey: bytes.Repeat([]byte{fill}, 32),
		IsActive:     true,
	}
}

func requireReason(t *testing.T, err error, want domain.DecryptionReason) {
	t.Helper()
	var de *domain.DecryptionError
	require.True(t, errors.As(err, &de), "want DecryptionError, got %v", err)
	assert.Equal(t, want, de.Reason)
}

func TestRoundTrip(t *testing.T) {
	for _, alg := range []string{domain.AlgorithmAES256GCM, domain.AlgorithmChaCha20Poly1305} {
		t.Run(alg, func(t *testing.T) {
			c, err := aead.New(alg)
			require.NoError(t, err)
			key := testKey("k1", 7)

			p, err := c.Encrypt([]byte("hello"), key, []byte("dm_a_b"))
			require.NoError(t, err)
			assert.Equal(t, alg, p.Metadata.Algorithm)
			assert.Len(t, p.Metadata.Nonce, 12)
			assert.Len(t, p.Metadata.AuthTag, 16)
			assert.Equal(t, domain.KeyID("k1"), p.Metadata.KeyID)
			assert.Equal(t, 1, p.Metadata.KeyVersion)
			assert.Len(t, p.Ciphertext, len("hello"))

			pt, err := c.Decrypt(p, key, []byte("dm_a_b"))
			require.NoError(t, err)
			assert.Equal(t, "hello", string(pt))
		})
	}
}

func TestEmptyPlaintext(t *testing.T) {
	c, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)
	key := testKey("k1", 1)

	p, err := c.Encrypt(nil, key, nil)
	require.NoError(t, err)
	pt, err := c.Decrypt(p, key, nil)
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestFreshNoncePerCall(t *testing.T) {
	c, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)
	key := testKey("k1", 1)

	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		p, err := c.Encrypt([]byte("same"), key, nil)
		require.NoError(t, err)
		n := string(p.Metadata.Nonce)
		require.False(t, seen[n], "nonce reused")
		seen[n] = true
	}
}

func TestTamperDetection(t *testing.T) {
	c, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)
	key := testKey("k1", 3)
	p, err := c.Encrypt([]byte("attack at dawn"), key, nil)
	require.NoError(t, err)

	for i := range p.Ciphertext {
		for bit := 0; bit < 8; bit++ {
			q := clone(p)
			q.Ciphertext[i] ^= 1 << bit
			pt, err := c.Decrypt(q, key, nil)
			assert.Nil(t, pt)
			requireReason(t, err, domain.ReasonAuthFailed)
		}
	}
	for i := range p.Metadata.AuthTag {
		q := clone(p)
		q.Metadata.AuthTag[i] ^= 0x80
		_, err := c.Decrypt(q, key, nil)
		requireReason(t, err, domain.ReasonAuthFailed)
	}
}

func TestMetadataIsAuthenticated(t *testing.T) {
	c, err := aead.New(domain.AlgorithmChaCha20Poly1305)
	require.NoError(t, err)
	key := testKey("k1", 3)
	p, err := c.Seal([]byte("x"), key.SymmetricKey, domain.EncryptionMetadata{
		KeyID: "k1", KeyVersion: 2, Scheme: domain.SchemeChain, SenderID: "alice",
		Ratchet: &domain.RatchetHeader{SessionID: "s", MessageIndex: 4},
	}, nil)
	require.NoError(t, err)

	edits := map[string]func(*domain.EncryptedPayload){
		"version": func(q *domain.EncryptedPayload) { q.Metadata.KeyVersion = 3 },
		"scheme":  func(q *domain.EncryptedPayload) { q.Metadata.Scheme = domain.SchemeStatic },
		"sender":  func(q *domain.EncryptedPayload) { q.Metadata.SenderID = "mallory" },
		"index":   func(q *domain.EncryptedPayload) { q.Metadata.Ratchet.MessageIndex = 5 },
		"header":  func(q *domain.EncryptedPayload) { q.Metadata.Ratchet = nil },
	}
	for name, edit := range edits {
		t.Run(name, func(t *testing.T) {
			q := clone(p)
			edit(&q)
			_, err := c.Open(q, key.SymmetricKey, nil)
			requireReason(t, err, domain.ReasonAuthFailed)
		})
	}

	_, err = c.Open(p, key.SymmetricKey, []byte("other context"))
	requireReason(t, err, domain.ReasonAuthFailed)
}

func TestKeyMismatchFailsClosed(t *testing.T) {
	c, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)
	p, err := c.Encrypt([]byte("hello"), testKey("k1", 1), nil)
	require.NoError(t, err)

	pt, err := c.Decrypt(p, testKey("k2", 1), nil)
	assert.Nil(t, pt)
	requireReason(t, err, domain.ReasonKeyMismatch)

	// Same id but different bytes is caught by the tag.
	_, err = c.Decrypt(p, testKey("k1", 2), nil)
	requireReason(t, err, domain.ReasonAuthFailed)
}

func TestTruncated(t *testing.T) {
	c, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)
	key := testKey("k1", 1)
	p, err := c.Encrypt([]byte("hello"), key, nil)
	require.NoError(t, err)

	q := clone(p)
	q.Metadata.AuthTag = q.Metadata.AuthTag[:8]
	_, err = c.Decrypt(q, key, nil)
	requireReason(t, err, domain.ReasonTruncated)

	q = clone(p)
	q.Metadata.Nonce = nil
	_, err = c.Decrypt(q, key, nil)
	requireReason(t, err, domain.ReasonTruncated)

	q = clone(p)
	q.Ciphertext = q.Ciphertext[:len(q.Ciphertext)-1]
	_, err = c.Decrypt(q, key, nil)
	requireReason(t, err, domain.ReasonAuthFailed)
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := aead.New("AES-128-CBC")
	assert.Error(t, err)

	c, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)
	key := testKey("k1", 1)
	p, err := c.Encrypt([]byte("hello"), key, nil)
	require.NoError(t, err)
	p.Metadata.Algorithm = "AES-128-CBC"
	_, err = c.Decrypt(p, key, nil)
	requireReason(t, err, domain.ReasonUnsupported)
}

func TestCrossAlgorithmDecrypt(t *testing.T) {
	gcm, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)
	chacha, err := aead.New(domain.AlgorithmChaCha20Poly1305)
	require.NoError(t, err)
	key := testKey("k1", 9)

	p, err := chacha.Encrypt([]byte("hi"), key, nil)
	require.NoError(t, err)
	pt, err := gcm.Decrypt(p, key, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pt))
}

func clone(p domain.EncryptedPayload) domain.EncryptedPayload {
	q := p
	q.Ciphertext = append([]byte(nil), p.Ciphertext...)
	q.Metadata.Nonce = append([]byte(nil), p.Metadata.Nonce...)
	q.Metadata.AuthTag = append([]byte(nil), p.Metadata.AuthTag...)
	if p.Metadata.Ratchet != nil {
		h := *p.Metadata.Ratchet
		q.Metadata.Ratchet = &h
	}
	return q
}
