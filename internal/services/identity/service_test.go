package identity_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/directory"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/services/identity"
	"pulsecrypt/internal/store"
)

type countingDirectory struct {
	*directory.Memory
	publishes atomic.Int32
}

func (d *countingDirectory) PublishPublicKey(ctx context.Context, k domain.PublishedKey) error {
	d.publishes.Add(1)
	return d.Memory.PublishPublicKey(ctx, k)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("keychain locked")
}

func (brokenStore) Set(context.Context, string, []byte) error { return errors.New("keychain locked") }

func (brokenStore) Delete(context.Context, string) error { return nil }

func TestEnsureKeyPair_Idempotent(t *testing.T) {
	ctx := context.Background()
	keys := store.NewMemoryKeyStore()
	svc := identity.New("alice", keys, directory.NewMemory())

	a, err := svc.EnsureKeyPair(ctx)
	require.NoError(t, err)
	b, err := svc.EnsureKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.KeyID, b.KeyID)
	assert.Equal(t, domain.AlgorithmX25519, a.Algorithm)

	// A second service over the same store sees the persisted pair.
	again := identity.New("alice", keys, directory.NewMemory())
	c, err := again.EnsureKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey, c.PublicKey)

	var stored domain.IdentityKeyPair
	ok, err := store.GetJSON(ctx, keys, store.IdentityKey("alice"), &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.PrivateKey, stored.PrivateKey)
}

func TestEnsureKeyPair_ConcurrentCallersShareOnePair(t *testing.T) {
	ctx := context.Background()
	svc := identity.New("alice", store.NewMemoryKeyStore(), directory.NewMemory())

	var wg sync.WaitGroup
	ids := make([]domain.KeyID, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := svc.EnsureKeyPair(ctx)
			assert.NoError(t, err)
			ids[i] = kp.KeyID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnsureKeyPair_ExpiredPairIsReplacedAndRepublished(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir := directory.NewMemory()
	svc := identity.New("alice", store.NewMemoryKeyStore(), dir,
		identity.WithTTL(time.Hour),
		identity.WithClock(func() time.Time { return now }))

	first, err := svc.EnsureKeyPair(ctx)
	require.NoError(t, err)
	require.NotNil(t, first.ExpiresAt)
	require.NoError(t, svc.PublishPublicKey(ctx))

	now = now.Add(2 * time.Hour)
	second, err := svc.EnsureKeyPair(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.KeyID, second.KeyID)

	svc.Wait()
	pub, err := dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, pub.KeyID)
}

func TestPublishPublicKey_SkipsWhenAlreadyActive(t *testing.T) {
	ctx := context.Background()
	dir := &countingDirectory{Memory: directory.NewMemory()}
	svc := identity.New("alice", store.NewMemoryKeyStore(), dir)

	require.NoError(t, svc.PublishPublicKey(ctx))
	require.NoError(t, svc.PublishPublicKey(ctx))
	assert.Equal(t, int32(1), dir.publishes.Load())
}

func TestRotate_DeactivatesPreviousKey(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	svc := identity.New("alice", store.NewMemoryKeyStore(), dir)

	require.NoError(t, svc.PublishPublicKey(ctx))
	old, err := svc.EnsureKeyPair(ctx)
	require.NoError(t, err)

	next, err := svc.Rotate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, next.KeyID)
	svc.Wait()

	keys := dir.PublicKeys("alice")
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Equal(t, k.KeyID == next.KeyID, k.IsActive, k.KeyID)
	}

	cur, err := svc.EnsureKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.KeyID, cur.KeyID)
}

func TestPublicKeyOf_Unavailable(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	dir := directory.NewMemory()
	svc := identity.New("alice", store.NewMemoryKeyStore(), dir,
		identity.WithClock(func() time.Time { return now }))

	_, err := svc.PublicKeyOf(ctx, "bob")
	var unavailable *domain.CounterpartKeyUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, domain.UserID("bob"), unavailable.UserID)
	assert.True(t, domain.IsEncryptionUnavailable(err))

	expired := now.Add(-time.Minute)
	k := domain.PublishedKey{UserID: "bob", KeyID: "ik_b", Algorithm: domain.AlgorithmX25519,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: &expired, IsActive: true}
	k.PublicKey[0] = 9
	require.NoError(t, dir.PublishPublicKey(ctx, k))
	_, err = svc.PublicKeyOf(ctx, "bob")
	assert.ErrorAs(t, err, &unavailable)

	k.ExpiresAt = nil
	require.NoError(t, dir.PublishPublicKey(ctx, k))
	got, err := svc.PublicKeyOf(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.KeyID("ik_b"), got.KeyID)
}

func TestEnsureKeyPair_StoreFailure(t *testing.T) {
	svc := identity.New("alice", brokenStore{}, directory.NewMemory())
	_, err := svc.EnsureKeyPair(context.Background())

	var kg *domain.KeyGenerationError
	require.ErrorAs(t, err, &kg)
	assert.Contains(t, err.Error(), "keychain locked")
	assert.True(t, domain.IsEncryptionUnavailable(err))
}

func TestFingerprint_Stable(t *testing.T) {
	ctx := context.Background()
	svc := identity.New("alice", store.NewMemoryKeyStore(), directory.NewMemory())
	a, err := svc.Fingerprint(ctx)
	require.NoError(t, err)
	b, err := svc.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}
