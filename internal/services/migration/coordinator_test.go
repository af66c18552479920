package migration_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/directory"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/aead"
	"pulsecrypt/internal/services/conversation"
	"pulsecrypt/internal/services/derivation"
	"pulsecrypt/internal/services/identity"
	"pulsecrypt/internal/services/keycache"
	"pulsecrypt/internal/services/migration"
	"pulsecrypt/internal/store"
)

type member struct {
	cache *keycache.Cache
	coord *migration.Coordinator
}

type fixture struct {
	dir     *directory.Memory
	cipher  *aead.Cipher
	members map[domain.UserID]member
	cache   *keycache.Cache
	coord   *migration.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := directory.NewMemory()
	cipher, err := aead.New(domain.AlgorithmAES256GCM)
	require.NoError(t, err)

	f := &fixture{dir: dir, cipher: cipher, members: make(map[domain.UserID]member)}
	for _, u := range []domain.UserID{"alice", "bob", "carol"} {
		keys := store.NewMemoryKeyStore()
		id := identity.New(u, keys, dir)
		require.NoError(t, id.PublishPublicKey(ctx))
		cache := keycache.New(u, conversation.NewRegistry(), keys,
			keycache.WithDeriver(domain.ConversationDirect, &keycache.ECDH{Identity: id, Engine: derivation.New(), Me: u}))
		f.members[u] = member{cache: cache, coord: migration.New(u, dir, dir, cache, cipher)}
	}
	f.cache = f.members["alice"].cache
	f.coord = f.members["alice"].coord
	return f
}

func (f *fixture) addLegacy(t *testing.T, conv domain.ConversationID, peer domain.UserID, tamper bool) {
	t.Helper()
	f.addLegacyBetween(t, conv, "alice", peer, tamper)
}

func (f *fixture) addLegacyBetween(t *testing.T, conv domain.ConversationID, a, b domain.UserID, tamper bool) {
	t.Helper()
	key := bytes.Repeat([]byte{byte(len(conv))}, 32)
	sample, err := f.cipher.Seal([]byte("old message"), key, domain.EncryptionMetadata{
		KeyID: domain.KeyID("legacy:" + conv), Scheme: domain.SchemeLegacy,
	}, nil)
	require.NoError(t, err)
	if tamper {
		sample.Metadata.AuthTag[0] ^= 1
	}
	require.NoError(t, f.dir.AddLegacyKey(context.Background(), domain.LegacyKeyRecord{
		ConversationID:   conv,
		ConversationType: domain.ConversationDirect,
		Participants:     []domain.UserID{a, b},
		KeyID:            domain.KeyID("legacy:" + conv),
		SymmetricKey:     key,
		Sample:           &sample,
		CreatedAt:        time.Now().UTC(),
	}))
}

func TestMigrate_CompletesAndSecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLegacy(t, "dm_alice_bob", "bob", false)
	f.addLegacy(t, "dm_alice_carol", "carol", false)

	st, err := f.coord.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationCompleted, st.Status)
	assert.Equal(t, 2, st.Processed)
	require.NotNil(t, st.CompletedAt)

	rec, err := f.dir.GetLegacyKey(ctx, "dm_alice_bob")
	require.NoError(t, err)
	assert.True(t, rec.MigrationCompleted)

	_, ok, err := f.cache.Keyring(ctx, "dm_alice_bob")
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := f.coord.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationCompleted, again.Status)
	assert.Equal(t, 2, again.Processed)
	assert.True(t, st.CompletedAt.Equal(*again.CompletedAt))
}

func TestMigrate_FailureIsRecordedAndResumable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLegacy(t, "dm_alice_bob", "bob", false)
	f.addLegacy(t, "dm_alice_carol", "carol", true)

	st, err := f.coord.Migrate(ctx)
	var merr *domain.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, domain.ConversationID("dm_alice_carol"), merr.ConversationID)
	assert.Equal(t, domain.MigrationFailed, st.Status)
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, 1, st.Failed)
	assert.Contains(t, st.ErrorMessage, "dm_alice_carol")

	stored, err := f.dir.GetMigrationStatus(ctx, f.coord.Name())
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationFailed, stored.Status)

	// Normal encryption keeps working for the failed conversation.
	k, err := f.cache.Get(ctx, "dm_alice_carol")
	require.NoError(t, err)
	_, err = f.cipher.Encrypt([]byte("hi"), k, nil)
	require.NoError(t, err)

	// Cleanup is refused until the migration completed.
	n, err := f.coord.Cleanup(ctx)
	assert.ErrorAs(t, err, &merr)
	assert.Zero(t, n)
	_, err = f.dir.GetLegacyKey(ctx, "dm_alice_bob")
	require.NoError(t, err)

	// Replace the broken record and resume.
	require.NoError(t, f.dir.DeleteLegacyKeys(ctx, []domain.ConversationID{"dm_alice_carol"}))
	f.addLegacy(t, "dm_alice_carol", "carol", false)
	st, err = f.coord.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationCompleted, st.Status)
	assert.Equal(t, 2, st.Processed)
	assert.Zero(t, st.Failed)
	assert.Empty(t, st.ErrorMessage)
}

func TestCleanup_AfterCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLegacy(t, "dm_alice_bob", "bob", false)

	_, err := f.coord.Migrate(ctx)
	require.NoError(t, err)

	n, err := f.coord.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := f.dir.ListLegacyKeys(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, recs)

	n, err = f.coord.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigrate_CounterpartWithoutKeyFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLegacy(t, "dm_alice_dave", "dave", false)

	st, err := f.coord.Migrate(ctx)
	require.Error(t, err)
	assert.Equal(t, domain.MigrationFailed, st.Status)

	var unavailable *domain.CounterpartKeyUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestCleanup_RefusedUnlessCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLegacy(t, "dm_alice_bob", "bob", false)
	_, err := f.coord.Migrate(ctx)
	require.NoError(t, err)

	for _, state := range []domain.MigrationState{domain.MigrationInProgress, domain.MigrationFailed, domain.MigrationNotStarted} {
		require.NoError(t, f.dir.SetMigrationStatus(ctx, domain.MigrationStatus{Name: f.coord.Name(), Status: state}))

		n, err := f.coord.Cleanup(ctx)
		var merr *domain.MigrationError
		require.ErrorAs(t, err, &merr, "state %s", state)
		assert.Zero(t, n)

		rec, err := f.dir.GetLegacyKey(ctx, "dm_alice_bob")
		require.NoError(t, err)
		assert.True(t, rec.MigrationCompleted)
	}
}

func TestMigrate_UsersSharingDirectoryKeepSeparateLedgers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLegacy(t, "dm_alice_bob", "bob", false)
	f.addLegacyBetween(t, "dm_bob_carol", "bob", "carol", false)

	alice, carol := f.members["alice"].coord, f.members["carol"].coord
	assert.NotEqual(t, alice.Name(), carol.Name())

	st, err := alice.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationCompleted, st.Status)
	assert.Equal(t, 1, st.Processed)

	before, err := carol.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationNotStarted, before.Status)

	// Alice's completed run does not open carol's cleanup gate.
	_, err = carol.Cleanup(ctx)
	require.Error(t, err)

	st, err = carol.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationCompleted, st.Status)
	assert.Equal(t, 1, st.Processed)

	rec, err := f.dir.GetLegacyKey(ctx, "dm_bob_carol")
	require.NoError(t, err)
	assert.True(t, rec.MigrationCompleted)

	_, ok, err := f.members["carol"].cache.Keyring(ctx, "dm_bob_carol")
	require.NoError(t, err)
	assert.True(t, ok)

	// Bob shares both conversations and still has his own run to do.
	bob, err := f.members["bob"].coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationNotStarted, bob.Status)
}
