package store

import (
	"context"
	"encoding/json"
	"fmt"

	"pulsecrypt/internal/domain"
)

// IdentityKey returns the entry name holding a user's identity key pair.
func IdentityKey(user domain.UserID) string { return "user_keypair_" + string(user) }

// ConversationKey returns the entry name holding a conversation's keyring.
func ConversationKey(conv domain.ConversationID) string {
	return "conversation_key_" + string(conv)
}

// GetJSON loads and decodes an entry; ok is false when it does not exist.
func GetJSON(ctx context.Context, s domain.SecureKeyStore, key string, out any) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s domain.SecureKeyStore, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, b)
}
