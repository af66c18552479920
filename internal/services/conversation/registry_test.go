package conversation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/services/conversation"
)

func TestResolve_DirectWithoutRegistration(t *testing.T) {
	r := conversation.NewRegistry()
	c, err := r.Resolve(context.Background(), domain.DirectConversationID("bob", "alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationDirect, c.Type)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, c.Participants)

	peer, err := c.Counterpart("alice")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), peer)
}

func TestResolve_Unknown(t *testing.T) {
	r := conversation.NewRegistry()
	for _, id := range []domain.ConversationID{"grp_1", "dm_alice", "dm_alice_alice"} {
		_, err := r.Resolve(context.Background(), id)
		assert.ErrorIs(t, err, domain.ErrNotFound, id)
	}
}

func TestResolve_ReversedDirectIDRejected(t *testing.T) {
	r := conversation.NewRegistry()
	_, err := r.Resolve(context.Background(), "dm_bob_alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "dm_alice_bob")

	c, err := r.Resolve(context.Background(), "dm_alice_bob")
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationID("dm_alice_bob"), c.ID)
}

func TestRegister_Group(t *testing.T) {
	r := conversation.NewRegistry()
	require.NoError(t, r.Register(domain.Conversation{
		ID: "grp_1", Type: domain.ConversationGroup,
		Participants: []domain.UserID{"carol", "alice", "bob", "alice"},
	}))

	c, err := r.Resolve(context.Background(), "grp_1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"alice", "bob", "carol"}, c.Participants)

	c.Participants[0] = "mallory"
	again, err := r.Resolve(context.Background(), "grp_1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), again.Participants[0])

	r.Forget("grp_1")
	_, err = r.Resolve(context.Background(), "grp_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegister_Invalid(t *testing.T) {
	r := conversation.NewRegistry()
	assert.Error(t, r.Register(domain.Conversation{ID: "", Type: domain.ConversationGroup}))
	assert.Error(t, r.Register(domain.Conversation{ID: "x", Type: "channel", Participants: []domain.UserID{"a", "b"}}))
	assert.Error(t, r.Register(domain.Conversation{ID: "x", Type: domain.ConversationDirect, Participants: []domain.UserID{"a"}}))
	assert.Error(t, r.Register(domain.Conversation{ID: "dm_b_a", Type: domain.ConversationDirect, Participants: []domain.UserID{"a", "b"}}))
	assert.Error(t, r.Register(domain.Conversation{ID: "x", Type: domain.ConversationGroup, Participants: []domain.UserID{"a", "a"}}))
}
