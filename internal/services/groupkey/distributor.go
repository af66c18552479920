package groupkey

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/aead"
	"pulsecrypt/internal/services/derivation"
)

// ErrNotRecipient means a published group key version holds no envelope for
// the local user.
var ErrNotRecipient = errors.New("no group key envelope for this member")

// Distributor creates random group keys and hands each member a copy wrapped
// under the pairwise key between sender and member. The directory accepts
// one publication per (group, version); the loser of a race adopts the
// winner's key.
type Distributor struct {
	me        domain.UserID
	identity  domain.IdentityService
	engine    *derivation.Engine
	directory domain.GroupKeyDirectory
	cipher    *aead.Cipher
	rand      io.Reader
	now       func() time.Time
	timeout   time.Duration
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithRand replaces the group key entropy source.
func WithRand(r io.Reader) Option { return func(d *Distributor) { d.rand = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Distributor) { d.now = now } }

// WithTimeout bounds each directory call.
func WithTimeout(t time.Duration) Option { return func(d *Distributor) { d.timeout = t } }

func New(
	me domain.UserID,
	identity domain.IdentityService,
	engine *derivation.Engine,
	directory domain.GroupKeyDirectory,
	cipher *aead.Cipher,
	opts ...Option,
) *Distributor {
	d := &Distributor{
		me:        me,
		identity:  identity,
		engine:    engine,
		directory: directory,
		cipher:    cipher,
		rand:      rand.Reader,
		now:       time.Now,
		timeout:   5 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Resolve returns the local member's copy of version of group. Version 0
// resolves the latest published version and publishes version 1 if there is
// none.
func (d *Distributor) Resolve(ctx context.Context, group domain.Conversation, version int) (domain.ConversationKey, error) {
	if version == 0 {
		latest, err := d.latest(ctx, group.ID)
		if err != nil {
			return domain.ConversationKey{}, err
		}
		if latest == 0 {
			return d.Rotate(ctx, group, 1)
		}
		version = latest
	}
	return d.fetch(ctx, group, version)
}

// Rotate publishes version of group for every current participant. If
// another member published that version first, their key is returned.
func (d *Distributor) Rotate(ctx context.Context, group domain.Conversation, version int) (domain.ConversationKey, error) {
	if group.Type != domain.ConversationGroup {
		return domain.ConversationKey{}, fmt.Errorf("groupkey: %s is not a group", group.ID)
	}
	if !group.Has(d.me) {
		return domain.ConversationKey{}, fmt.Errorf("groupkey: %s is not a member of %s", d.me, group.ID)
	}
	kp, err := d.identity.EnsureKeyPair(ctx)
	if err != nil {
		return domain.ConversationKey{}, err
	}

	secret := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(d.rand, secret); err != nil {
		return domain.ConversationKey{}, &domain.KeyGenerationError{Err: err}
	}
	defer crypto.Wipe(secret)

	now := d.now().UTC()
	envs := make([]domain.GroupKeyEnvelope, 0, len(group.Participants))
	for _, member := range group.Participants {
		env, err := d.wrap(ctx, kp, group.ID, version, member, secret, now)
		if err != nil {
			return domain.ConversationKey{}, err
		}
		envs = append(envs, env)
	}

	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	err = d.directory.PublishGroupKey(pctx, group.ID, version, envs)
	cancel()
	switch {
	case errors.Is(err, domain.ErrVersionConflict):
		return d.fetch(ctx, group, version)
	case err != nil:
		return domain.ConversationKey{}, fmt.Errorf("groupkey: publish %s v%d: %w", group.ID, version, err)
	}
	return d.key(group.ID, version, secret, now), nil
}

// Derive implements keycache.Deriver.
func (d *Distributor) Derive(ctx context.Context, conv domain.Conversation, version int) (domain.ConversationKey, error) {
	return d.Resolve(ctx, conv, version)
}

// Next implements keycache.Deriver.
func (d *Distributor) Next(ctx context.Context, conv domain.Conversation, version int) (domain.ConversationKey, error) {
	return d.Rotate(ctx, conv, version)
}

func (d *Distributor) latest(ctx context.Context, group domain.ConversationID) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	v, err := d.directory.LatestGroupKeyVersion(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("groupkey: latest version of %s: %w", group, err)
	}
	return v, nil
}

func (d *Distributor) fetch(ctx context.Context, group domain.Conversation, version int) (domain.ConversationKey, error) {
	fctx, cancel := context.WithTimeout(ctx, d.timeout)
	env, err := d.directory.GetGroupKeyEnvelope(fctx, group.ID, version, d.me)
	cancel()
	if errors.Is(err, domain.ErrNotFound) {
		latest, lerr := d.latest(ctx, group.ID)
		if lerr == nil && version <= latest {
			return domain.ConversationKey{}, fmt.Errorf("groupkey: %s v%d: %w", group.ID, version, ErrNotRecipient)
		}
		return domain.ConversationKey{}, fmt.Errorf("groupkey: %s v%d: %w", group.ID, version, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ConversationKey{}, fmt.Errorf("groupkey: fetch %s v%d: %w", group.ID, version, err)
	}
	return d.unwrap(ctx, group, env)
}

func (d *Distributor) wrap(
	ctx context.Context,
	kp domain.IdentityKeyPair,
	group domain.ConversationID,
	version int,
	member domain.UserID,
	secret []byte,
	now time.Time,
) (domain.GroupKeyEnvelope, error) {
	recipient := kp.Published(d.me)
	if member != d.me {
		pk, err := d.identity.PublicKeyOf(ctx, member)
		if err != nil {
			return domain.GroupKeyEnvelope{}, err
		}
		recipient = pk
	}
	wk, err := d.engine.DeriveWrapKey(kp.PrivateKey, recipient.PublicKey, wrapContext(group, version, d.me, member))
	if err != nil {
		return domain.GroupKeyEnvelope{}, err
	}
	defer crypto.Wipe(wk)

	wrapped, err := d.cipher.Seal(secret, wk, domain.EncryptionMetadata{
		KeyID:      recipient.KeyID,
		KeyVersion: version,
		Scheme:     domain.SchemeStatic,
		SenderID:   d.me,
	}, []byte(wrapContext(group, version, d.me, member)))
	if err != nil {
		return domain.GroupKeyEnvelope{}, err
	}
	return domain.GroupKeyEnvelope{
		GroupID:         group,
		Version:         version,
		RecipientID:     member,
		RecipientKeyID:  recipient.KeyID,
		SenderID:        d.me,
		SenderKeyID:     kp.KeyID,
		SenderPublicKey: kp.PublicKey,
		Wrapped:         wrapped,
		CreatedAt:       now,
	}, nil
}

// unwrap opens env. The sender must be a participant and the carried sender
// key must match what the directory publishes for them.
func (d *Distributor) unwrap(ctx context.Context, group domain.Conversation, env domain.GroupKeyEnvelope) (domain.ConversationKey, error) {
	if !group.Has(env.SenderID) {
		return domain.ConversationKey{}, fmt.Errorf("groupkey: envelope from non-member %s", env.SenderID)
	}
	kp, err := d.identity.EnsureKeyPair(ctx)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	if env.RecipientKeyID != kp.KeyID {
		return domain.ConversationKey{}, fmt.Errorf("groupkey: %s v%d wrapped for identity %s, have %s: %w",
			group.ID, env.Version, env.RecipientKeyID, kp.KeyID, ErrNotRecipient)
	}
	senderPub := kp.PublicKey
	if env.SenderID != d.me {
		pk, err := d.identity.PublicKeyOf(ctx, env.SenderID)
		if err != nil {
			return domain.ConversationKey{}, err
		}
		if pk.KeyID != env.SenderKeyID || pk.PublicKey != env.SenderPublicKey {
			return domain.ConversationKey{}, fmt.Errorf("groupkey: sender key of %s does not match directory", env.SenderID)
		}
		senderPub = pk.PublicKey
	}

	ctxLabel := wrapContext(group.ID, env.Version, env.SenderID, d.me)
	wk, err := d.engine.DeriveWrapKey(kp.PrivateKey, senderPub, ctxLabel)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	defer crypto.Wipe(wk)

	secret, err := d.cipher.Open(env.Wrapped, wk, []byte(ctxLabel))
	if err != nil {
		return domain.ConversationKey{}, err
	}
	defer crypto.Wipe(secret)
	if len(secret) != crypto.KeySize {
		return domain.ConversationKey{}, fmt.Errorf("groupkey: unwrapped key has %d bytes", len(secret))
	}
	return d.key(group.ID, env.Version, secret, env.CreatedAt), nil
}

func (d *Distributor) key(group domain.ConversationID, version int, secret []byte, created time.Time) domain.ConversationKey {
	k := append([]byte(nil), secret...)
	return domain.ConversationKey{
		KeyID:            derivation.KeyID(group, version, k),
		ConversationID:   group,
		ConversationType: domain.ConversationGroup,
		SymmetricKey:     k,
		CreatedAt:        created,
		Version:          version,
		IsActive:         true,
	}
}

func wrapContext(group domain.ConversationID, version int, sender, recipient domain.UserID) string {
	return string(group) + "|v" + strconv.Itoa(version) + "|" + string(sender) + ">" + string(recipient)
}
