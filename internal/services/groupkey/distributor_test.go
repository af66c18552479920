package groupkey_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/directory"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/aead"
	"pulsecrypt/internal/services/derivation"
	"pulsecrypt/internal/services/groupkey"
	"pulsecrypt/internal/services/identity"
	"pulsecrypt/internal/store"
)

var group = domain.Conversation{
	ID:           "grp_hikers",
	Type:         domain.ConversationGroup,
	Participants: []domain.UserID{"alice", "bob", "carol"},
}

type member struct {
	id   *identity.Service
	dist *groupkey.Distributor
}

func setup(t *testing.T, dir *directory.Memory, users ...domain.UserID) map[domain.UserID]member {
	t.Helper()
	ctx := context.Background()
	cipher, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)

	out := make(map[domain.UserID]member, len(users))
	for _, u := range users {
		id := identity.New(u, store.NewMemoryKeyStore(), dir)
		require.NoError(t, id.PublishPublicKey(ctx))
		out[u] = member{id: id, dist: groupkey.New(u, id, derivation.New(), dir, cipher)}
	}
	return out
}

func TestResolve_AllMembersShareTheKey(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	m := setup(t, dir, "alice", "bob", "carol")

	ka, err := m["alice"].dist.Resolve(ctx, group, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, ka.Version)
	assert.Equal(t, domain.ConversationGroup, ka.ConversationType)

	for _, u := range []domain.UserID{"bob", "carol"} {
		k, err := m[u].dist.Resolve(ctx, group, 0)
		require.NoError(t, err, u)
		assert.Equal(t, ka.KeyID, k.KeyID, u)
		assert.Equal(t, ka.SymmetricKey, k.SymmetricKey, u)
	}

	// Envelopes on the directory never carry the plain key.
	env, err := dir.GetGroupKeyEnvelope(ctx, group.ID, 1, "bob")
	require.NoError(t, err)
	assert.NotContains(t, string(env.Wrapped.Ciphertext), string(ka.SymmetricKey))
}

func TestRotate_NewVersionAndOldStillReadable(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	m := setup(t, dir, "alice", "bob", "carol")

	v1, err := m["alice"].dist.Resolve(ctx, group, 0)
	require.NoError(t, err)
	v2, err := m["bob"].dist.Rotate(ctx, group, 2)
	require.NoError(t, err)
	assert.NotEqual(t, v1.SymmetricKey, v2.SymmetricKey)

	latest, err := m["carol"].dist.Resolve(ctx, group, 0)
	require.NoError(t, err)
	assert.Equal(t, v2.KeyID, latest.KeyID)

	old, err := m["carol"].dist.Resolve(ctx, group, 1)
	require.NoError(t, err)
	assert.Equal(t, v1.KeyID, old.KeyID)

	_, err = m["carol"].dist.Resolve(ctx, group, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRotate_RaceConvergesOnOneKey(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	m := setup(t, dir, "alice", "bob", "carol")

	keys := make(map[domain.UserID]domain.ConversationKey)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for u, mem := range m {
		wg.Add(1)
		go func(u domain.UserID, mem member) {
			defer wg.Done()
			k, err := mem.dist.Rotate(ctx, group, 1)
			assert.NoError(t, err)
			mu.Lock()
			keys[u] = k
			mu.Unlock()
		}(u, mem)
	}
	wg.Wait()

	require.Len(t, keys, 3)
	assert.Equal(t, keys["alice"].KeyID, keys["bob"].KeyID)
	assert.Equal(t, keys["alice"].KeyID, keys["carol"].KeyID)
}

func TestResolve_NonMemberCannotRead(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	m := setup(t, dir, "alice", "bob", "carol", "mallory")

	_, err := m["alice"].dist.Resolve(ctx, group, 0)
	require.NoError(t, err)

	_, err = m["mallory"].dist.Resolve(ctx, group, 1)
	assert.ErrorIs(t, err, groupkey.ErrNotRecipient)

	_, err = m["mallory"].dist.Rotate(ctx, group, 2)
	assert.Error(t, err)
}

func TestResolve_RejectsForgedSenderKey(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	m := setup(t, dir, "alice", "bob", "carol")

	_, err := m["alice"].dist.Resolve(ctx, group, 0)
	require.NoError(t, err)

	// Bob's envelope for v2 claims to come from alice but uses another key.
	_, fake, err := crypto.GenerateX25519()
	require.NoError(t, err)
	env, err := dir.GetGroupKeyEnvelope(ctx, group.ID, 1, "bob")
	require.NoError(t, err)
	env.Version = 2
	env.SenderPublicKey = fake
	require.NoError(t, dir.PublishGroupKey(ctx, group.ID, 2, []domain.GroupKeyEnvelope{env}))

	_, err = m["bob"].dist.Resolve(ctx, group, 2)
	assert.Error(t, err)
}

func TestRotate_MissingMemberKey(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	m := setup(t, dir, "alice", "bob")

	_, err := m["alice"].dist.Resolve(ctx, group, 0)
	var unavailable *domain.CounterpartKeyUnavailableError
	assert.ErrorAs(t, err, &unavailable)
	assert.Equal(t, domain.UserID("carol"), unavailable.UserID)

	v, err := dir.LatestGroupKeyVersion(ctx, group.ID)
	require.NoError(t, err)
	assert.Zero(t, v)
}
