package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/observability"
	"pulsecrypt/internal/protocol/aead"
	"pulsecrypt/internal/protocol/envelope"
	"pulsecrypt/internal/protocol/ratchet"
	"pulsecrypt/internal/services/derivation"
)

// SessionPrefix prefixes ratchet session snapshots in the SecureKeyStore.
const SessionPrefix = "ratchet_"

// LegacyKeyIDPrefix marks key ids of the server-stored key scheme.
const LegacyKeyIDPrefix = "legacy:"

// Engine is the entry point the messaging shell talks to. It resolves
// conversations, encrypts outgoing envelopes with the configured scheme and
// decrypts incoming payloads with whatever scheme they name.
type Engine struct {
	me       domain.UserID
	identity domain.IdentityService
	keys     domain.ConversationKeyCache
	resolver domain.ConversationResolver
	archive  domain.LegacyKeyArchive
	derive   *derivation.Engine
	cipher   *aead.Cipher

	outgoing   domain.Scheme
	sessions   domain.SecureKeyStore
	maxSkipped int
	now        func() time.Time
	rand       io.Reader
	log        *observability.Logger
	metrics    *observability.Metrics

	strategies map[domain.Scheme]Strategy
	chains     *ratchet.Sessions[domain.SessionState]
	doubles    *ratchet.Sessions[domain.RatchetState]
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy selects the scheme for outgoing messages. Default static.
func WithStrategy(s domain.Scheme) Option { return func(e *Engine) { e.outgoing = s } }

// WithSessionStore persists ratchet sessions. Without it sessions live in
// memory only.
func WithSessionStore(s domain.SecureKeyStore) Option { return func(e *Engine) { e.sessions = s } }

// WithMaxSkipped bounds retained out-of-order message keys per session.
func WithMaxSkipped(n int) Option { return func(e *Engine) { e.maxSkipped = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRand replaces the entropy source of the double ratchet.
func WithRand(r io.Reader) Option { return func(e *Engine) { e.rand = r } }

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// New wires an engine for the local user me. archive may be nil when no
// legacy keys exist.
func New(
	me domain.UserID,
	identity domain.IdentityService,
	keys domain.ConversationKeyCache,
	resolver domain.ConversationResolver,
	archive domain.LegacyKeyArchive,
	derive *derivation.Engine,
	cipher *aead.Cipher,
	opts ...Option,
) (*Engine, error) {
	e := &Engine{
		me:       me,
		identity: identity,
		keys:     keys,
		resolver: resolver,
		archive:  archive,
		derive:   derive,
		cipher:   cipher,
		outgoing: domain.SchemeStatic,
		now:      time.Now,
		rand:     rand.Reader,
	}
	for _, o := range opts {
		o(e)
	}
	switch e.outgoing {
	case domain.SchemeStatic, domain.SchemeChain, domain.SchemeDouble:
	default:
		return nil, fmt.Errorf("engine: unknown outgoing scheme %q", e.outgoing)
	}

	var (
		chainStore  ratchet.Persister[domain.SessionState]
		doubleStore ratchet.Persister[domain.RatchetState]
	)
	if e.sessions != nil {
		chainStore = ratchet.KeyStorePersister[domain.SessionState]{Store: e.sessions, Prefix: SessionPrefix}
		doubleStore = ratchet.KeyStorePersister[domain.RatchetState]{Store: e.sessions, Prefix: SessionPrefix}
	}
	e.chains = ratchet.NewSessions(chainStore)
	e.doubles = ratchet.NewSessions(doubleStore)

	src := &keySource{me: me, keys: keys, cipher: cipher, onErr: func(conv domain.ConversationID, err error) {
		e.log.MetadataRecordFailed(string(conv), err)
	}}
	e.strategies = map[domain.Scheme]Strategy{
		domain.SchemeStatic: static{src},
		domain.SchemeChain: chain{
			keySource: src,
			derive:    derive,
			ratchet:   ratchet.Chain{MaxSkipped: e.maxSkipped},
			sessions:  e.chains,
			now:       e.now,
		},
		domain.SchemeDouble: double{
			keySource: src,
			identity:  identity,
			derive:    derive,
			ratchet:   ratchet.Double{MaxSkipped: e.maxSkipped, Rand: e.rand},
			sessions:  e.doubles,
		},
	}
	return e, nil
}

// UserID returns the local user.
func (e *Engine) UserID() domain.UserID { return e.me }

// Scheme returns the scheme used for outgoing messages.
func (e *Engine) Scheme() domain.Scheme { return e.outgoing }

// EnsureIdentity returns the local identity key pair, creating it if needed,
// and makes sure the public half is published. A failed publish is logged;
// the pair is still returned.
func (e *Engine) EnsureIdentity(ctx context.Context) (domain.IdentityKeyPair, error) {
	kp, err := e.identity.EnsureKeyPair(ctx)
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	if err := e.identity.PublishPublicKey(ctx); err != nil {
		e.log.PublishFailed(string(kp.KeyID), err)
		e.metrics.PublishFailure()
	}
	return kp, nil
}

// CanEstablishSecureChannel reports whether a key can be derived with user:
// the local identity exists and user has a usable published key.
func (e *Engine) CanEstablishSecureChannel(ctx context.Context, user domain.UserID) bool {
	if _, err := e.identity.EnsureKeyPair(ctx); err != nil {
		return false
	}
	_, err := e.identity.PublicKeyOf(ctx, user)
	return err == nil
}

// RotateConversationKey moves conv to a new key version. Older versions stay
// available for decryption.
func (e *Engine) RotateConversationKey(ctx context.Context, conv domain.ConversationID) (domain.ConversationKey, error) {
	return e.keys.Rotate(ctx, conv)
}

// EncryptOutgoing encrypts env for conv with the configured scheme.
//
// Group conversations fall back from double to chain, and a double ratchet
// responder that has not heard from the initiator yet sends static.
func (e *Engine) EncryptOutgoing(ctx context.Context, convID domain.ConversationID, env domain.MessageEnvelope) (domain.EncryptedPayload, error) {
	started := time.Now()
	scheme := e.outgoing

	p, err := func() (domain.EncryptedPayload, error) {
		pt, err := envelope.Marshal(env)
		if err != nil {
			return domain.EncryptedPayload{}, err
		}
		conv, err := e.resolve(ctx, convID)
		if err != nil {
			return domain.EncryptedPayload{}, err
		}
		if scheme == domain.SchemeDouble && conv.Type != domain.ConversationDirect {
			scheme = domain.SchemeChain
		}

		p, err := e.strategies[scheme].Seal(ctx, conv, pt, messageAAD(convID))
		if scheme == domain.SchemeDouble && errors.Is(err, ratchet.ErrResponderNotReady) {
			scheme = domain.SchemeStatic
			p, err = e.strategies[scheme].Seal(ctx, conv, pt, messageAAD(convID))
		}
		return p, err
	}()
	e.metrics.CryptoOperation("encrypt", string(scheme), err, started)
	if err != nil {
		return domain.EncryptedPayload{}, fmt.Errorf("encrypt %s: %w", convID, err)
	}
	return p, nil
}

// DecryptIncoming decrypts p with the scheme named in its metadata. Every
// failure is a *domain.DecryptionError.
func (e *Engine) DecryptIncoming(ctx context.Context, convID domain.ConversationID, p domain.EncryptedPayload) (domain.MessageEnvelope, error) {
	started := time.Now()
	scheme := p.Metadata.Scheme
	if scheme == "" {
		scheme = domain.SchemeStatic
	}

	env, err := func() (domain.MessageEnvelope, error) {
		pt, err := e.open(ctx, convID, p)
		if err != nil {
			return domain.MessageEnvelope{}, err
		}
		env, err := envelope.Unmarshal(pt)
		if err != nil {
			return domain.MessageEnvelope{}, &domain.DecryptionError{Reason: domain.ReasonMalformed, KeyID: p.Metadata.KeyID, Err: err}
		}
		return env, nil
	}()
	e.metrics.CryptoOperation("decrypt", string(scheme), err, started)
	if err != nil {
		de := asDecryptionError(p.Metadata.KeyID, err)
		e.log.DecryptFailed(string(convID), string(p.Metadata.KeyID), string(de.Reason))
		return domain.MessageEnvelope{}, de
	}
	return env, nil
}

func (e *Engine) open(ctx context.Context, convID domain.ConversationID, p domain.EncryptedPayload) ([]byte, error) {
	if isLegacy(p.Metadata) {
		return e.openLegacy(ctx, convID, p)
	}
	conv, err := e.resolve(ctx, convID)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: domain.ReasonKeyUnavailable, KeyID: p.Metadata.KeyID, Err: err}
	}
	scheme := p.Metadata.Scheme
	if scheme == "" {
		scheme = domain.SchemeStatic
	}
	st, ok := e.strategies[scheme]
	if !ok {
		return nil, &domain.DecryptionError{
			Reason: domain.ReasonMalformed,
			KeyID:  p.Metadata.KeyID,
			Err:    fmt.Errorf("unknown scheme %q", scheme),
		}
	}
	return st.Open(ctx, conv, p, messageAAD(convID))
}

// openLegacy decrypts history sealed under a server-held key.
func (e *Engine) openLegacy(ctx context.Context, conv domain.ConversationID, p domain.EncryptedPayload) ([]byte, error) {
	if e.archive == nil {
		return nil, &domain.DecryptionError{Reason: domain.ReasonKeyUnavailable, KeyID: p.Metadata.KeyID, Err: domain.ErrNotFound}
	}
	rec, err := e.archive.GetLegacyKey(ctx, conv)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: domain.ReasonKeyUnavailable, KeyID: p.Metadata.KeyID, Err: err}
	}
	member := domain.Conversation{Participants: rec.Participants}
	if !member.Has(e.me) {
		return nil, &domain.DecryptionError{
			Reason: domain.ReasonKeyUnavailable,
			KeyID:  p.Metadata.KeyID,
			Err:    fmt.Errorf("%s is not a participant of %s", e.me, conv),
		}
	}
	if rec.KeyID != p.Metadata.KeyID {
		return nil, &domain.DecryptionError{
			Reason: domain.ReasonKeyMismatch,
			KeyID:  p.Metadata.KeyID,
			Err:    fmt.Errorf("legacy key of %s is %s", conv, rec.KeyID),
		}
	}
	return e.cipher.Open(p, rec.SymmetricKey, nil)
}

// PurgeConversation drops every key and ratchet session of conv.
func (e *Engine) PurgeConversation(ctx context.Context, conv domain.ConversationID) error {
	if kr, ok := e.keys.(interface {
		Keyring(ctx context.Context, conv domain.ConversationID) (domain.Keyring, bool, error)
	}); ok {
		ring, found, err := kr.Keyring(ctx, conv)
		if err != nil {
			return err
		}
		if found {
			for _, k := range ring.Keys {
				if err := e.chains.Delete(ctx, sessionKey("chain", conv, k.Version)); err != nil {
					return err
				}
				if err := e.doubles.Delete(ctx, sessionKey("double", conv, k.Version)); err != nil {
					return err
				}
			}
		}
	}
	return e.keys.Purge(ctx, conv)
}

func (e *Engine) resolve(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	conv, err := e.resolver.Resolve(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv.ID != id {
		return domain.Conversation{}, fmt.Errorf("conversation %s resolved as %s", id, conv.ID)
	}
	if !conv.Has(e.me) {
		return domain.Conversation{}, fmt.Errorf("%s is not a participant of %s", e.me, id)
	}
	return conv, nil
}

func isLegacy(m domain.EncryptionMetadata) bool {
	return m.Scheme == domain.SchemeLegacy ||
		(m.KeyVersion == 0 && strings.HasPrefix(string(m.KeyID), LegacyKeyIDPrefix))
}

func messageAAD(conv domain.ConversationID) []byte {
	return []byte("msg|" + string(conv))
}

func asDecryptionError(keyID domain.KeyID, err error) *domain.DecryptionError {
	var de *domain.DecryptionError
	if errors.As(err, &de) {
		return de
	}
	return ratchetFailure(keyID, err).(*domain.DecryptionError)
}
