package ratchet_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/ratchet"
)

func rootKey(version int) domain.ConversationKey {
	return domain.ConversationKey{
		KeyID:        domain.KeyID("root-v" + string(rune('0'+version))),
		Version:      version,
		SymmetricKey: bytes.Repeat([]byte{byte(version)}, 32),
	}
}

func TestChain_DirectionalChainsAgree(t *testing.T) {
	c := ratchet.Chain{}
	now := time.Now()
	a, err := c.NewSession("dm_alice_bob", "alice", rootKey(1), now)
	require.NoError(t, err)
	b, err := c.NewSession("dm_alice_bob", "bob", rootKey(1), now)
	require.NoError(t, err)
	assert.Equal(t, a.SessionID, b.SessionID)

	keys := map[string]bool{}
	for i := 0; i < 3; i++ {
		var h domain.RatchetHeader
		var mk, got []byte
		a, h, mk, err = c.Seal(a)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), h.MessageIndex)
		b, got, err = c.Open(b, "alice", h)
		require.NoError(t, err)
		assert.Equal(t, mk, got)
		keys[string(mk)] = true

		b, h, mk, err = c.Seal(b)
		require.NoError(t, err)
		a, got, err = c.Open(a, "bob", h)
		require.NoError(t, err)
		assert.Equal(t, mk, got)
		keys[string(mk)] = true
	}
	assert.Len(t, keys, 6, "every message has its own key")
}

func TestChain_SnapshotsAreImmutable(t *testing.T) {
	c := ratchet.Chain{}
	s0, err := c.NewSession("g1", "alice", rootKey(1), time.Now())
	require.NoError(t, err)
	before := s0.Sending.Clone()

	s1, _, _, err := c.Seal(s0)
	require.NoError(t, err)
	assert.Equal(t, before, s0.Sending)
	assert.Equal(t, uint32(1), s1.Sending.Index)
	assert.NotEqual(t, s0.Sending.Key, s1.Sending.Key)
}

func TestChain_GroupSenderKeys(t *testing.T) {
	c := ratchet.Chain{}
	now := time.Now()
	members := []domain.UserID{"alice", "bob", "carol"}
	st := map[domain.UserID]domain.SessionState{}
	for _, m := range members {
		s, err := c.NewSession("g1", m, rootKey(2), now)
		require.NoError(t, err)
		st[m] = s
	}

	next, h, mk, err := c.Seal(st["carol"])
	require.NoError(t, err)
	st["carol"] = next
	for _, m := range []domain.UserID{"alice", "bob"} {
		s, got, err := c.Open(st[m], "carol", h)
		require.NoError(t, err)
		assert.Equal(t, mk, got, m)
		st[m] = s
	}

	// A key opened under the wrong sender does not match.
	_, wrong, err := c.Open(st["alice"], "bob", h)
	require.NoError(t, err)
	assert.NotEqual(t, mk, wrong)
}

func TestChain_OutOfOrderReplayAndCap(t *testing.T) {
	c := ratchet.Chain{MaxSkipped: 3}
	now := time.Now()
	a, err := c.NewSession("dm_alice_bob", "alice", rootKey(1), now)
	require.NoError(t, err)
	b, err := c.NewSession("dm_alice_bob", "bob", rootKey(1), now)
	require.NoError(t, err)

	var hs []domain.RatchetHeader
	var mks [][]byte
	for i := 0; i < 3; i++ {
		var h domain.RatchetHeader
		var mk []byte
		a, h, mk, err = c.Seal(a)
		require.NoError(t, err)
		hs, mks = append(hs, h), append(mks, mk)
	}

	b, got, err := c.Open(b, "alice", hs[2])
	require.NoError(t, err)
	assert.Equal(t, mks[2], got)
	assert.Len(t, b.Skipped, 2)

	b, got, err = c.Open(b, "alice", hs[0])
	require.NoError(t, err)
	assert.Equal(t, mks[0], got)

	_, _, err = c.Open(b, "alice", hs[0])
	assert.ErrorIs(t, err, ratchet.ErrSkippedKeyNotFound)

	far := hs[2]
	far.MessageIndex = 100
	_, _, err = c.Open(b, "alice", far)
	assert.ErrorIs(t, err, ratchet.ErrTooManySkipped)
}

func TestChain_SessionMismatch(t *testing.T) {
	c := ratchet.Chain{}
	now := time.Now()
	a, err := c.NewSession("dm_alice_bob", "alice", rootKey(1), now)
	require.NoError(t, err)
	b, err := c.NewSession("dm_alice_bob", "bob", rootKey(2), now)
	require.NoError(t, err)

	_, h, _, err := c.Seal(a)
	require.NoError(t, err)
	_, _, err = c.Open(b, "alice", h)
	assert.ErrorIs(t, err, ratchet.ErrSessionMismatch)

	_, err = c.NewSession("x", "alice", domain.ConversationKey{SymmetricKey: []byte{1}}, now)
	assert.Error(t, err)
}
