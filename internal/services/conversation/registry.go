package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pulsecrypt/internal/domain"
)

// Registry resolves conversation ids to participants. Group conversations
// must be registered; direct ids of the form dm_<a>_<b> with a < b resolve
// on their own. The reversed form is rejected so both peers key and bind
// the conversation under one id.
type Registry struct {
	mu    sync.RWMutex
	convs map[domain.ConversationID]domain.Conversation
}

var _ domain.ConversationResolver = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{convs: make(map[domain.ConversationID]domain.Conversation)}
}

// Register adds or replaces a conversation. Participants are stored sorted
// and deduplicated.
func (r *Registry) Register(c domain.Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation: empty id")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("conversation %s: unknown type %q", c.ID, c.Type)
	}
	c.Participants = normalize(c.Participants)
	switch {
	case c.Type == domain.ConversationDirect && len(c.Participants) != 2:
		return fmt.Errorf("conversation %s: direct conversation needs two participants, got %d", c.ID, len(c.Participants))
	case c.Type == domain.ConversationGroup && len(c.Participants) < 2:
		return fmt.Errorf("conversation %s: group needs at least two participants", c.ID)
	case c.Type == domain.ConversationDirect && c.ID != domain.DirectConversationID(c.Participants[0], c.Participants[1]):
		return fmt.Errorf("conversation %s: direct conversation id must be %s",
			c.ID, domain.DirectConversationID(c.Participants[0], c.Participants[1]))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[c.ID] = c
	return nil
}

// Forget removes a registered conversation.
func (r *Registry) Forget(id domain.ConversationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
}

func (r *Registry) Resolve(_ context.Context, id domain.ConversationID) (domain.Conversation, error) {
	r.mu.RLock()
	c, ok := r.convs[id]
	r.mu.RUnlock()
	if ok {
		c.Participants = append([]domain.UserID(nil), c.Participants...)
		return c, nil
	}
	if a, b, ok := domain.ParseDirectConversationID(id); ok && a != b {
		if canon := domain.DirectConversationID(a, b); canon != id {
			return domain.Conversation{}, fmt.Errorf("conversation %s is not canonical, use %s: %w", id, canon, domain.ErrNotFound)
		}
		return Direct(a, b), nil
	}
	return domain.Conversation{}, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
}

// Direct returns the direct conversation between a and b.
func Direct(a, b domain.UserID) domain.Conversation {
	return domain.Conversation{
		ID:           domain.DirectConversationID(a, b),
		Type:         domain.ConversationDirect,
		Participants: normalize([]domain.UserID{a, b}),
	}
}

func normalize(users []domain.UserID) []domain.UserID {
	seen := make(map[domain.UserID]bool, len(users))
	out := make([]domain.UserID, 0, len(users))
	for _, u := range users {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
