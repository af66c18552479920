package directory_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/directory"
	"pulsecrypt/internal/domain"
)

type backend interface {
	domain.DirectoryService
	AddLegacyKey(ctx context.Context, rec domain.LegacyKeyRecord) error
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sq, err := directory.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	srv := httptest.NewServer(directory.NewRouter(directory.NewMemory(), directory.ServerOptions{}))
	t.Cleanup(srv.Close)

	return map[string]backend{
		"memory": directory.NewMemory(),
		"sqlite": sq,
		"http":   directory.NewHTTP(srv.URL, 5*time.Second),
	}
}

func pubKey(user domain.UserID, id domain.KeyID, b byte, created time.Time) domain.PublishedKey {
	var pk domain.X25519Public
	pk[0] = b
	return domain.PublishedKey{
		UserID: user, KeyID: id, PublicKey: pk,
		Algorithm: domain.AlgorithmX25519, CreatedAt: created, IsActive: true,
	}
}

func TestDirectory_PublicKeys(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := dir.GetPublicKey(ctx, "alice")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, dir.PublishPublicKey(ctx, pubKey("alice", "ik_1", 1, now)))
			require.NoError(t, dir.PublishPublicKey(ctx, pubKey("alice", "ik_2", 2, now.Add(time.Minute))))

			got, err := dir.GetPublicKey(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, domain.KeyID("ik_2"), got.KeyID)
			assert.Equal(t, byte(2), got.PublicKey[0])
			assert.True(t, got.CreatedAt.Equal(now.Add(time.Minute)))

			require.NoError(t, dir.DeactivatePublicKeys(ctx, "alice", "ik_1"))
			got, err = dir.GetPublicKey(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, domain.KeyID("ik_1"), got.KeyID)

			require.NoError(t, dir.DeactivatePublicKeys(ctx, "alice", "none"))
			_, err = dir.GetPublicKey(ctx, "alice")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestDirectory_RejectsEmptyPublicKey(t *testing.T) {
	ctx := context.Background()
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			k := pubKey("alice", "ik_1", 0, time.Now())
			assert.Error(t, dir.PublishPublicKey(ctx, k))
		})
	}
}

func TestDirectory_KeyExchangeStatusIsUnordered(t *testing.T) {
	ctx := context.Background()
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := dir.GetKeyExchangeStatus(ctx, "alice", "bob")
			require.NoError(t, err)
			assert.False(t, ok)

			st := domain.NewKeyExchangeStatus("bob", "alice", "dm_alice_bob")
			st.Completed = true
			require.NoError(t, dir.SetKeyExchangeStatus(ctx, st))

			got, ok, err := dir.GetKeyExchangeStatus(ctx, "bob", "alice")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, domain.UserID("alice"), got.User1ID)
			assert.Equal(t, domain.UserID("bob"), got.User2ID)
			assert.True(t, got.Completed)
		})
	}
}

func TestDirectory_RecordKeyExchangeMetadata(t *testing.T) {
	ctx := context.Background()
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := domain.KeyExchangeRecord{
				ConversationID: "dm_alice_bob", KeyID: "k1", CreatedBy: "alice",
				CreatedAt: time.Now().UTC(), Version: 1, Method: domain.MethodECDH, IsActive: true,
			}
			require.NoError(t, dir.RecordKeyExchangeMetadata(ctx, rec))
			rec.KeyID, rec.Version = "k2", 2
			require.NoError(t, dir.RecordKeyExchangeMetadata(ctx, rec))
		})
	}
}

func TestDirectory_MigrationStatus(t *testing.T) {
	ctx := context.Background()
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st, err := dir.GetMigrationStatus(ctx, "legacy-v1")
			require.NoError(t, err)
			assert.Equal(t, domain.MigrationNotStarted, st.Status)

			started := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, dir.SetMigrationStatus(ctx, domain.MigrationStatus{
				Name: "legacy-v1", Status: domain.MigrationInProgress, StartedAt: &started, Processed: 3,
			}))
			st, err = dir.GetMigrationStatus(ctx, "legacy-v1")
			require.NoError(t, err)
			assert.Equal(t, domain.MigrationInProgress, st.Status)
			assert.Equal(t, 3, st.Processed)
			require.NotNil(t, st.StartedAt)
			assert.True(t, st.StartedAt.Equal(started))
			assert.Nil(t, st.CompletedAt)
		})
	}
}

func TestDirectory_LegacyKeys(t *testing.T) {
	ctx := context.Background()
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, rec := range []domain.LegacyKeyRecord{
				{ConversationID: "dm_alice_bob", ConversationType: domain.ConversationDirect,
					Participants: []domain.UserID{"alice", "bob"}, KeyID: "legacy1",
					SymmetricKey: []byte("0123456789abcdef0123456789abcdef"), CreatedAt: time.Now().UTC()},
				{ConversationID: "dm_bob_carol", ConversationType: domain.ConversationDirect,
					Participants: []domain.UserID{"bob", "carol"}, KeyID: "legacy2",
					SymmetricKey: []byte("fedcba9876543210fedcba9876543210"), CreatedAt: time.Now().UTC()},
			} {
				require.NoError(t, dir.AddLegacyKey(ctx, rec))
			}

			recs, err := dir.ListLegacyKeys(ctx, "bob")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, domain.ConversationID("dm_alice_bob"), recs[0].ConversationID)

			recs, err = dir.ListLegacyKeys(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, recs, 1)

			require.NoError(t, dir.MarkLegacyKeyMigrated(ctx, "dm_alice_bob"))
			rec, err := dir.GetLegacyKey(ctx, "dm_alice_bob")
			require.NoError(t, err)
			assert.True(t, rec.MigrationCompleted)
			assert.NotNil(t, rec.MigratedAt)
			assert.Equal(t, "0123456789abcdef0123456789abcdef", string(rec.SymmetricKey))

			assert.ErrorIs(t, dir.MarkLegacyKeyMigrated(ctx, "missing"), domain.ErrNotFound)

			require.NoError(t, dir.DeleteLegacyKeys(ctx, []domain.ConversationID{"dm_alice_bob", "dm_bob_carol"}))
			_, err = dir.GetLegacyKey(ctx, "dm_alice_bob")
			assert.ErrorIs(t, err, domain.ErrNotFound)
			recs, err = dir.ListLegacyKeys(ctx, "bob")
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func envelopesFor(group domain.ConversationID, version int, members ...domain.UserID) []domain.GroupKeyEnvelope {
	out := make([]domain.GroupKeyEnvelope, 0, len(members))
	for _, m := range members {
		out = append(out, domain.GroupKeyEnvelope{
			GroupID: group, Version: version, RecipientID: m, SenderID: "alice",
			Wrapped: domain.EncryptedPayload{
				Ciphertext: []byte("wrapped-" + string(m)),
				Metadata:   domain.EncryptionMetadata{KeyID: "pair", Algorithm: domain.AlgorithmAES256GCM, KeyVersion: version},
			},
			CreatedAt: time.Now().UTC(),
		})
	}
	return out
}

func TestDirectory_GroupKeysCompareAndSet(t *testing.T) {
	ctx := context.Background()
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			v, err := dir.LatestGroupKeyVersion(ctx, "grp")
			require.NoError(t, err)
			assert.Zero(t, v)

			require.NoError(t, dir.PublishGroupKey(ctx, "grp", 1, envelopesFor("grp", 1, "alice", "bob")))
			err = dir.PublishGroupKey(ctx, "grp", 1, envelopesFor("grp", 1, "carol"))
			assert.ErrorIs(t, err, domain.ErrVersionConflict)

			v, err = dir.LatestGroupKeyVersion(ctx, "grp")
			require.NoError(t, err)
			assert.Equal(t, 1, v)

			env, err := dir.GetGroupKeyEnvelope(ctx, "grp", 1, "bob")
			require.NoError(t, err)
			assert.Equal(t, "wrapped-bob", string(env.Wrapped.Ciphertext))

			_, err = dir.GetGroupKeyEnvelope(ctx, "grp", 1, "carol")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			assert.Error(t, dir.PublishGroupKey(ctx, "grp", 2, envelopesFor("other", 2, "bob")))
			assert.Error(t, dir.PublishGroupKey(ctx, "grp", 2, envelopesFor("grp", 2, "bob", "bob")))
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/dir.db"

	db, err := directory.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.PublishPublicKey(ctx, pubKey("alice", "ik_1", 7, time.Now().UTC())))
	require.NoError(t, db.Close())

	db, err = directory.OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, byte(7), got.PublicKey[0])
}
