package interfaces

import (
	"context"

	domaintypes "pulsecrypt/internal/domain/types"
)

// KeyDirectory maps users to their published identity public keys.
type KeyDirectory interface {
	// GetPublicKey returns the latest active key or an error wrapping
	// domain.ErrNotFound.
	GetPublicKey(ctx context.Context, user domaintypes.UserID) (domaintypes.PublishedKey, error)
	PublishPublicKey(ctx context.Context, key domaintypes.PublishedKey) error
	// DeactivatePublicKeys marks every key of user except keep inactive.
	DeactivatePublicKeys(ctx context.Context, user domaintypes.UserID, keep domaintypes.KeyID) error
}

// KeyExchangeLog records conversation key metadata; never key material.
type KeyExchangeLog interface {
	RecordKeyExchangeMetadata(ctx context.Context, rec domaintypes.KeyExchangeRecord) error
	SetKeyExchangeStatus(ctx context.Context, st domaintypes.KeyExchangeStatus) error
	GetKeyExchangeStatus(
		ctx context.Context,
		a, b domaintypes.UserID,
	) (domaintypes.KeyExchangeStatus, bool, error)
}

// MigrationLedger persists named migration state.
type MigrationLedger interface {
	// GetMigrationStatus returns a NotStarted status for unknown names.
	GetMigrationStatus(ctx context.Context, name string) (domaintypes.MigrationStatus, error)
	SetMigrationStatus(ctx context.Context, st domaintypes.MigrationStatus) error
}

// LegacyKeyArchive exposes keys from the server-stored scheme.
type LegacyKeyArchive interface {
	ListLegacyKeys(ctx context.Context, user domaintypes.UserID) ([]domaintypes.LegacyKeyRecord, error)
	GetLegacyKey(ctx context.Context, conv domaintypes.ConversationID) (domaintypes.LegacyKeyRecord, error)
	MarkLegacyKeyMigrated(ctx context.Context, conv domaintypes.ConversationID) error
	DeleteLegacyKeys(ctx context.Context, convs []domaintypes.ConversationID) error
}

// GroupKeyDirectory distributes wrapped group keys.
type GroupKeyDirectory interface {
	// PublishGroupKey stores every member envelope of a new version at once.
	// It fails with domain.ErrVersionConflict if the version already exists.
	PublishGroupKey(ctx context.Context, group domaintypes.ConversationID, version int, envs []domaintypes.GroupKeyEnvelope) error
	GetGroupKeyEnvelope(
		ctx context.Context,
		group domaintypes.ConversationID,
		version int,
		member domaintypes.UserID,
	) (domaintypes.GroupKeyEnvelope, error)
	// LatestGroupKeyVersion returns 0 when no version was published.
	LatestGroupKeyVersion(ctx context.Context, group domaintypes.ConversationID) (int, error)
}

// DirectoryService is the remote collaborator consumed by the engine.
type DirectoryService interface {
	KeyDirectory
	KeyExchangeLog
	MigrationLedger
	LegacyKeyArchive
	GroupKeyDirectory
}
