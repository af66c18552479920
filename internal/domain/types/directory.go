package types

import "time"

// KeyExchangeMethod records how a conversation key came to exist.
type KeyExchangeMethod string

const (
	MethodECDH        KeyExchangeMethod = "ecdh-hkdf"
	MethodGroupWrap   KeyExchangeMethod = "group-wrap"
	MethodLegacyServe KeyExchangeMethod = "legacy-server"
)

// KeyExchangeRecord is the metadata of one conversation key version.
// It never carries key material.
type KeyExchangeRecord struct {
	ConversationID ConversationID    `json:"conversationId"`
	KeyID          KeyID             `json:"keyId"`
	CreatedBy      UserID            `json:"createdBy"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Version        int               `json:"version"`
	Method         KeyExchangeMethod `json:"method"`
	IsActive       bool              `json:"isActive"`
}

// KeyExchangeStatus tracks whether two users completed a key exchange.
// User1ID always sorts before User2ID so a pair has one row.
type KeyExchangeStatus struct {
	User1ID        UserID         `json:"user1Id"`
	User2ID        UserID         `json:"user2Id"`
	ConversationID ConversationID `json:"conversationId"`
	Completed      bool           `json:"completed"`
	LastRotation   *time.Time     `json:"lastRotation,omitempty"`
}

// NewKeyExchangeStatus orders the pair canonically.
func NewKeyExchangeStatus(a, b UserID, conv ConversationID) KeyExchangeStatus {
	if b < a {
		a, b = b, a
	}
	return KeyExchangeStatus{User1ID: a, User2ID: b, ConversationID: conv}
}

// MigrationState is the lifecycle of a named migration.
type MigrationState string

const (
	MigrationNotStarted MigrationState = "not_started"
	MigrationInProgress MigrationState = "in_progress"
	MigrationCompleted  MigrationState = "completed"
	MigrationFailed     MigrationState = "failed"
)

// MigrationStatus is persisted by the directory so runs can resume.
type MigrationStatus struct {
	Name         string         `json:"name"`
	Status       MigrationState `json:"status"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Processed    int            `json:"processed"`
	Failed       int            `json:"failed"`
}

// LegacyKeyRecord is a conversation key that the server used to hold.
type LegacyKeyRecord struct {
	ConversationID     ConversationID    `json:"conversationId"`
	ConversationType   ConversationType  `json:"conversationType"`
	Participants       []UserID          `json:"participants"`
	KeyID              KeyID             `json:"keyId"`
	SymmetricKey       []byte            `json:"symmetricKey"`
	Sample             *EncryptedPayload `json:"sample,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	MigrationCompleted bool              `json:"migrationCompleted"`
	MigratedAt         *time.Time        `json:"migratedAt,omitempty"`
}

// GroupKeyEnvelope is one member's copy of a group key version, wrapped
// under a pairwise key between sender and recipient.
type GroupKeyEnvelope struct {
	GroupID         ConversationID   `json:"groupId"`
	Version         int              `json:"version"`
	RecipientID     UserID           `json:"recipientId"`
	RecipientKeyID  KeyID            `json:"recipientKeyId"`
	SenderID        UserID           `json:"senderId"`
	SenderKeyID     KeyID            `json:"senderKeyId"`
	SenderPublicKey X25519Public     `json:"senderPublicKey"`
	Wrapped         EncryptedPayload `json:"wrapped"`
	CreatedAt       time.Time        `json:"createdAt"`
}
