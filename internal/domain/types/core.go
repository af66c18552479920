package types

import (
	"fmt"
	"strings"
)

// UserID identifies an account registered with the directory.
type UserID string

// String returns the string form of the user identifier.
func (u UserID) String() string { return string(u) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// KeyID names a specific key generation (identity or conversation).
type KeyID string

// String returns the string form of the key identifier.
func (id KeyID) String() string { return string(id) }

// ConversationID identifies a direct or group conversation.
type ConversationID string

// String returns the string form of the conversation identifier.
func (id ConversationID) String() string { return string(id) }

// ConversationType distinguishes one-to-one from group ("pulse") conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationGroup
}

// Conversation describes who takes part in a conversation.
type Conversation struct {
	ID           ConversationID   `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []UserID         `json:"participants"`
}

// Has reports whether user takes part in the conversation.
func (c Conversation) Has(user UserID) bool {
	for _, p := range c.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// Counterpart returns the other participant of a direct conversation.
func (c Conversation) Counterpart(me UserID) (UserID, error) {
	if c.Type != ConversationDirect {
		return "", fmt.Errorf("conversation %s is not direct", c.ID)
	}
	if len(c.Participants) != 2 || !c.Has(me) {
		return "", fmt.Errorf("conversation %s does not pair %s with one peer", c.ID, me)
	}
	if c.Participants[0] == me {
		return c.Participants[1], nil
	}
	return c.Participants[0], nil
}

// DirectConversationID returns the canonical id for a direct conversation
// between a and b, independent of argument order.
func DirectConversationID(a, b UserID) ConversationID {
	if b < a {
		a, b = b, a
	}
	return ConversationID("dm_" + string(a) + "_" + string(b))
}

// ParseDirectConversationID splits a "dm_<a>_<b>" id into its two users.
// User ids containing '_' are not representable in this form.
func ParseDirectConversationID(id ConversationID) (UserID, UserID, bool) {
	rest, ok := strings.CutPrefix(string(id), "dm_")
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, "_")
	if !ok || a == "" || b == "" || strings.Contains(b, "_") {
		return "", "", false
	}
	return UserID(a), UserID(b), true
}
