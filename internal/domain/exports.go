package domain

import (
	interfaces "pulsecrypt/internal/domain/interfaces"
	types "pulsecrypt/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID             = types.UserID
	Fingerprint        = types.Fingerprint
	KeyID              = types.KeyID
	ConversationID     = types.ConversationID
	ConversationType   = types.ConversationType
	Conversation       = types.Conversation
	X25519Public       = types.X25519Public
	X25519Private      = types.X25519Private
	IdentityKeyPair    = types.IdentityKeyPair
	PublishedKey       = types.PublishedKey
	ConversationKey    = types.ConversationKey
	Keyring            = types.Keyring
	Scheme             = types.Scheme
	EncryptionMetadata = types.EncryptionMetadata
	EncryptedPayload   = types.EncryptedPayload
	RatchetHeader      = types.RatchetHeader
	ChainKey           = types.ChainKey
	SessionState       = types.SessionState
	RatchetState       = types.RatchetState
	KeyExchangeMethod  = types.KeyExchangeMethod
	KeyExchangeRecord  = types.KeyExchangeRecord
	KeyExchangeStatus  = types.KeyExchangeStatus
	MigrationState     = types.MigrationState
	MigrationStatus    = types.MigrationStatus
	LegacyKeyRecord    = types.LegacyKeyRecord
	GroupKeyEnvelope   = types.GroupKeyEnvelope
	MessageKind        = types.MessageKind
	MessageEnvelope    = types.MessageEnvelope
	MediaAttachment    = types.MediaAttachment
	Location           = types.Location
	CallEvent          = types.CallEvent
	CallStatus         = types.CallStatus
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	SecureKeyStore       = interfaces.SecureKeyStore
	KeyDirectory         = interfaces.KeyDirectory
	KeyExchangeLog       = interfaces.KeyExchangeLog
	MigrationLedger      = interfaces.MigrationLedger
	LegacyKeyArchive     = interfaces.LegacyKeyArchive
	GroupKeyDirectory    = interfaces.GroupKeyDirectory
	DirectoryService     = interfaces.DirectoryService
	IdentityService      = interfaces.IdentityService
	ConversationKeyCache = interfaces.ConversationKeyCache
	ConversationResolver = interfaces.ConversationResolver
)

// Constants re-exported from the types subpackage.
const (
	ConversationDirect = types.ConversationDirect
	ConversationGroup  = types.ConversationGroup

	AlgorithmX25519           = types.AlgorithmX25519
	AlgorithmAES256GCM        = types.AlgorithmAES256GCM
	AlgorithmChaCha20Poly1305 = types.AlgorithmChaCha20Poly1305

	SchemeStatic = types.SchemeStatic
	SchemeChain  = types.SchemeChain
	SchemeDouble = types.SchemeDouble
	SchemeLegacy = types.SchemeLegacy

	MethodECDH        = types.MethodECDH
	MethodGroupWrap   = types.MethodGroupWrap
	MethodLegacyServe = types.MethodLegacyServe

	MigrationNotStarted = types.MigrationNotStarted
	MigrationInProgress = types.MigrationInProgress
	MigrationCompleted  = types.MigrationCompleted
	MigrationFailed     = types.MigrationFailed

	KindText     = types.KindText
	KindMedia    = types.KindMedia
	KindLocation = types.KindLocation
	KindCall     = types.KindCall

	CallStarted  = types.CallStarted
	CallEnded    = types.CallEnded
	CallMissed   = types.CallMissed
	CallDeclined = types.CallDeclined
)

// Helpers re-exported from the types subpackage.
var (
	DirectConversationID      = types.DirectConversationID
	ParseDirectConversationID = types.ParseDirectConversationID
	NewKeyExchangeStatus      = types.NewKeyExchangeStatus
	NewTextMessage            = types.NewTextMessage
	NewMediaMessage           = types.NewMediaMessage
	NewLocationMessage        = types.NewLocationMessage
	NewCallMessage            = types.NewCallMessage
)
