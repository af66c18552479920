package app_test

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/app"
	"pulsecrypt/internal/config"
	"pulsecrypt/internal/directory"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/store"
)

func testConfig(user string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Identity.UserID = user
	cfg.KeyStore.Kind = "memory"
	cfg.Directory.Mode = "memory"
	cfg.Log.Level = "error"
	return cfg
}

func wire(t *testing.T, cfg *config.Config, opts app.Options) *app.Wire {
	t.Helper()
	opts.LogOutput = io.Discard
	w, err := app.NewWire(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestNewWire_TwoUsersOverSharedDirectory(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := wire(t, testConfig("alice"), app.Options{Directory: dir})
	bob := wire(t, testConfig("bob"), app.Options{Directory: dir})

	_, err := alice.Engine.EnsureIdentity(ctx)
	require.NoError(t, err)
	_, err = bob.Engine.EnsureIdentity(ctx)
	require.NoError(t, err)

	conv := domain.DirectConversationID("alice", "bob")
	p, err := alice.Engine.EncryptOutgoing(ctx, conv, domain.NewTextMessage("wired"))
	require.NoError(t, err)
	env, err := bob.Engine.DecryptIncoming(ctx, conv, p)
	require.NoError(t, err)
	assert.Equal(t, "wired", env.Text)

	// Migration progress is tracked per user on the shared directory.
	assert.NotEqual(t, alice.Migration.Name(), bob.Migration.Name())
	st, err := alice.Migration.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationCompleted, st.Status)
	other, err := bob.Migration.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationNotStarted, other.Status)
}

func TestNewWire_StrategyFromConfig(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	cfgA := testConfig("alice")
	cfgA.Crypto.Strategy = "chain"
	alice := wire(t, cfgA, app.Options{Directory: dir})
	bob := wire(t, testConfig("bob"), app.Options{Directory: dir})
	require.NoError(t, alice.Identity.PublishPublicKey(ctx))
	require.NoError(t, bob.Identity.PublishPublicKey(ctx))

	assert.Equal(t, domain.SchemeChain, alice.Engine.Scheme())
	p, err := alice.Engine.EncryptOutgoing(ctx, "dm_alice_bob", domain.NewTextMessage("chained"))
	require.NoError(t, err)
	assert.Equal(t, domain.SchemeChain, p.Metadata.Scheme)

	env, err := bob.Engine.DecryptIncoming(ctx, "dm_alice_bob", p)
	require.NoError(t, err)
	assert.Equal(t, "chained", env.Text)
}

func TestRegisterGroup_SurvivesRewire(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	keys := store.NewMemoryKeyStore()
	w := wire(t, testConfig("alice"), app.Options{Directory: dir, KeyStore: keys})

	g := domain.Conversation{ID: "grp_team", Participants: []domain.UserID{"carol", "alice", "bob"}}
	require.NoError(t, w.RegisterGroup(ctx, g))

	again := wire(t, testConfig("alice"), app.Options{Directory: dir, KeyStore: keys})
	got, err := again.Conversations.Resolve(ctx, "grp_team")
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationGroup, got.Type)
	assert.Equal(t, []domain.UserID{"alice", "bob", "carol"}, got.Participants)
}

func TestNewWire_HTTPDirectory(t *testing.T) {
	ctx := context.Background()
	mem := directory.NewMemory()
	srv := httptest.NewServer(directory.NewRouter(mem, directory.ServerOptions{}))
	defer srv.Close()

	cfg := testConfig("alice")
	cfg.Directory.Mode = "http"
	cfg.Directory.URL = srv.URL
	w := wire(t, cfg, app.Options{})

	kp, err := w.Engine.EnsureIdentity(ctx)
	require.NoError(t, err)
	pub, err := mem.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, kp.KeyID, pub.KeyID)
}

func TestNewWire_RejectsBadSettings(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig("")
	_, err := app.NewWire(ctx, cfg, app.Options{LogOutput: io.Discard})
	require.Error(t, err)

	cfg = testConfig("alice")
	cfg.Directory.Mode = "carrier-pigeon"
	_, err = app.NewWire(ctx, cfg, app.Options{LogOutput: io.Discard})
	require.Error(t, err)

	cfg = testConfig("alice")
	cfg.Crypto.Strategy = "rot13"
	_, err = app.NewWire(ctx, cfg, app.Options{LogOutput: io.Discard})
	require.Error(t, err)
}

func TestOpen_FileKeyStore(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	cfg := testConfig("alice")
	cfg.Identity.Home = home
	cfg.KeyStore.Kind = "file"

	opts := app.Options{Passphrase: "Correct-Horse-Battery-42", Directory: directory.NewMemory()}
	w := wire(t, cfg, opts)
	kp, err := w.Identity.EnsureKeyPair(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	again := wire(t, cfg, opts)
	kp2, err := again.Identity.EnsureKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, kp.KeyID, kp2.KeyID)
}
