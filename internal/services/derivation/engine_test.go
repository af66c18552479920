package derivation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/services/derivation"
)

func pair(t *testing.T) (domain.X25519Private, domain.X25519Public) {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	return priv, pub
}

func TestDeriveConversationKey_Symmetric(t *testing.T) {
	e := derivation.New()
	aPriv, aPub := pair(t)
	bPriv, bPub := pair(t)
	conv := domain.DirectConversationID("alice", "bob")

	ka, err := e.DeriveConversationKey(conv, 1, aPriv, bPub)
	require.NoError(t, err)
	kb, err := e.DeriveConversationKey(conv, 1, bPriv, aPub)
	require.NoError(t, err)

	assert.Equal(t, ka.SymmetricKey, kb.SymmetricKey)
	assert.Equal(t, ka.KeyID, kb.KeyID)
	assert.Len(t, ka.SymmetricKey, crypto.KeySize)
	assert.Equal(t, domain.ConversationDirect, ka.ConversationType)
	assert.True(t, ka.IsActive)
}

func TestDeriveConversationKey_ContextSeparation(t *testing.T) {
	e := derivation.New()
	aPriv, _ := pair(t)
	_, bPub := pair(t)

	v1, err := e.DeriveConversationKey("dm_a_b", 1, aPriv, bPub)
	require.NoError(t, err)
	v2, err := e.DeriveConversationKey("dm_a_b", 2, aPriv, bPub)
	require.NoError(t, err)
	other, err := e.DeriveConversationKey("dm_a_c", 1, aPriv, bPub)
	require.NoError(t, err)

	assert.NotEqual(t, v1.SymmetricKey, v2.SymmetricKey)
	assert.NotEqual(t, v1.KeyID, v2.KeyID)
	assert.NotEqual(t, v1.SymmetricKey, other.SymmetricKey)

	wrap, err := e.DeriveWrapKey(aPriv, bPub, derivation.Context("dm_a_b", 1))
	require.NoError(t, err)
	assert.NotEqual(t, v1.SymmetricKey, wrap)
}

func TestDeriveConversationKey_Failures(t *testing.T) {
	e := derivation.New()
	aPriv, bPub := pair(t)

	_, err := e.DeriveConversationKey("dm_a_b", 1, aPriv, domain.X25519Public{})
	var de *domain.DerivationError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ecdh", de.Op)

	_, err = e.DeriveConversationKey("dm_a_b", 0, aPriv, bPub)
	assert.ErrorAs(t, err, &de)
}

func TestSubkeys_DomainSeparated(t *testing.T) {
	e := derivation.New()
	aPriv, _ := pair(t)
	_, bPub := pair(t)
	k, err := e.DeriveConversationKey("dm_a_b", 1, aPriv, bPub)
	require.NoError(t, err)

	media, err := e.DeriveMediaKey(k)
	require.NoError(t, err)
	auth, err := e.DeriveAuthKey(k)
	require.NoError(t, err)
	root, err := e.DeriveRatchetRoot(k)
	require.NoError(t, err)

	seen := map[string]bool{string(k.SymmetricKey): true}
	for _, sub := range [][]byte{media, auth, root} {
		assert.Len(t, sub, crypto.KeySize)
		assert.False(t, seen[string(sub)])
		seen[string(sub)] = true
	}

	again, err := e.DeriveMediaKey(k)
	require.NoError(t, err)
	assert.Equal(t, media, again)

	_, err = e.DeriveMediaKey(domain.ConversationKey{SymmetricKey: []byte("short")})
	assert.Error(t, err)
}

func TestKeyID_DependsOnKeyBytes(t *testing.T) {
	a := derivation.KeyID("dm_a_b", 1, []byte("key-one"))
	b := derivation.KeyID("dm_a_b", 1, []byte("key-two"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, derivation.KeyID("dm_a_b", 1, []byte("key-one")))
}
