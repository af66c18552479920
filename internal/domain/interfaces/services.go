package interfaces

import (
	"context"

	domaintypes "pulsecrypt/internal/domain/types"
)

// IdentityService owns the local identity key pair.
type IdentityService interface {
	EnsureKeyPair(ctx context.Context) (domaintypes.IdentityKeyPair, error)
	PublishPublicKey(ctx context.Context) error
	Rotate(ctx context.Context) (domaintypes.IdentityKeyPair, error)
	PublicKeyOf(ctx context.Context, user domaintypes.UserID) (domaintypes.PublishedKey, error)
}

// ConversationKeyCache resolves and rotates conversation keys.
type ConversationKeyCache interface {
	Get(ctx context.Context, conv domaintypes.ConversationID) (domaintypes.ConversationKey, error)
	GetVersion(ctx context.Context, conv domaintypes.ConversationID, version int) (domaintypes.ConversationKey, error)
	Invalidate(conv domaintypes.ConversationID)
	Rotate(ctx context.Context, conv domaintypes.ConversationID) (domaintypes.ConversationKey, error)
	Purge(ctx context.Context, conv domaintypes.ConversationID) error
	// Adopt makes a newer version received from a peer the active one.
	Adopt(ctx context.Context, key domaintypes.ConversationKey) error
}

// ConversationResolver maps a conversation id to its participants.
type ConversationResolver interface {
	Resolve(ctx context.Context, conv domaintypes.ConversationID) (domaintypes.Conversation, error)
}
