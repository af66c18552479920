package derivation

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/observability"
)

// HKDF labels. Each derived key type has its own so no two outputs of the
// same input collide.
const (
	infoConversation = "pulsecrypt/conversation/v1"
	infoWrap         = "pulsecrypt/group-wrap/v1"
	infoMedia        = "pulsecrypt/media/v1"
	infoAuth         = "pulsecrypt/auth/v1"
	infoRatchetRoot  = "pulsecrypt/ratchet-root/v1"
)

var (
	applicationSalt = []byte("pulsecrypt conversation keys")
	keyIDNamespace  = uuid.MustParse("5b0d3f8e-7c2a-4e61-9a3d-2f4c6e8b1a70")
)

// Engine turns identity key agreement into conversation keys.
// It is stateless; the zero value is ready to use.
type Engine struct {
	now     func() time.Time
	metrics *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMetrics counts derivations.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Context is the canonical HKDF context of a conversation key version.
func Context(conv domain.ConversationID, version int) string {
	return string(conv) + "|v" + strconv.Itoa(version)
}

// DeriveConversationKey computes the shared key of a direct conversation.
// Both participants obtain the same key and key id from their own private
// key and the other's public key.
func (e *Engine) DeriveConversationKey(
	conv domain.ConversationID,
	version int,
	myPriv domain.X25519Private,
	theirPub domain.X25519Public,
) (domain.ConversationKey, error) {
	if version < 1 {
		return domain.ConversationKey{}, &domain.DerivationError{Op: "conversation", Err: fmt.Errorf("invalid version %d", version)}
	}
	key, err := e.agree(myPriv, theirPub, infoConversation, Context(conv, version))
	if err != nil {
		return domain.ConversationKey{}, err
	}
	e.metrics.Derivation(string(domain.ConversationDirect))
	return domain.ConversationKey{
		KeyID:            KeyID(conv, version, key),
		ConversationID:   conv,
		ConversationType: domain.ConversationDirect,
		SymmetricKey:     key,
		CreatedAt:        e.clock().UTC(),
		Version:          version,
		IsActive:         true,
	}, nil
}

// DeriveWrapKey returns the pairwise key that wraps group keys sent between
// two members.
func (e *Engine) DeriveWrapKey(myPriv domain.X25519Private, theirPub domain.X25519Public, context string) ([]byte, error) {
	return e.agree(myPriv, theirPub, infoWrap, context)
}

// DeriveMediaKey returns the attachment encryption key of a conversation key.
func (e *Engine) DeriveMediaKey(key domain.ConversationKey) ([]byte, error) {
	return expand(key, infoMedia)
}

// DeriveAuthKey returns the attachment digest key of a conversation key.
func (e *Engine) DeriveAuthKey(key domain.ConversationKey) ([]byte, error) {
	return expand(key, infoAuth)
}

// DeriveRatchetRoot returns the root key a ratchet session starts from.
func (e *Engine) DeriveRatchetRoot(key domain.ConversationKey) ([]byte, error) {
	return expand(key, infoRatchetRoot)
}

func (e *Engine) agree(myPriv domain.X25519Private, theirPub domain.X25519Public, label, context string) ([]byte, error) {
	shared, err := crypto.DH(myPriv, theirPub)
	if err != nil {
		return nil, &domain.DerivationError{Op: "ecdh", Err: err}
	}
	defer crypto.Wipe(shared[:])

	prk := crypto.HKDFExtract(shared[:], applicationSalt)
	defer crypto.Wipe(prk)
	key, err := crypto.HKDFExpand(prk, info(label, context), crypto.KeySize)
	if err != nil {
		return nil, &domain.DerivationError{Op: "hkdf", Err: err}
	}
	return key, nil
}

func (e *Engine) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

func expand(key domain.ConversationKey, label string) ([]byte, error) {
	if len(key.SymmetricKey) != crypto.KeySize {
		return nil, &domain.DerivationError{Op: label, Err: crypto.ErrInvalidKeySize}
	}
	out, err := crypto.HKDF(key.SymmetricKey, nil, info(label, Context(key.ConversationID, key.Version)), crypto.KeySize)
	if err != nil {
		return nil, &domain.DerivationError{Op: label, Err: err}
	}
	return out, nil
}

func info(label, context string) []byte {
	b := make([]byte, 0, len(label)+1+len(context))
	b = append(b, label...)
	b = append(b, 0)
	return append(b, context...)
}

// KeyID names a conversation key version. It depends on the key bytes, so a
// peer holding a different key for the same version gets a different id.
func KeyID(conv domain.ConversationID, version int, key []byte) domain.KeyID {
	digest := sha256.Sum256(key)
	name := make([]byte, 0, len(conv)+48)
	name = append(name, Context(conv, version)...)
	name = append(name, '|')
	name = append(name, digest[:]...)
	return domain.KeyID(uuid.NewSHA1(keyIDNamespace, name).String())
}
