package keycache

import (
	"context"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/services/derivation"
)

// ECDH derives direct conversation keys from the local identity and the
// counterpart's published key.
type ECDH struct {
	Identity domain.IdentityService
	Engine   *derivation.Engine
	Me       domain.UserID
}

func (d *ECDH) Derive(ctx context.Context, conv domain.Conversation, version int) (domain.ConversationKey, error) {
	if version == 0 {
		version = 1
	}
	peer, err := conv.Counterpart(d.Me)
	if err != nil {
		return domain.ConversationKey{}, &domain.DerivationError{Op: "counterpart", Err: err}
	}
	kp, err := d.Identity.EnsureKeyPair(ctx)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	pk, err := d.Identity.PublicKeyOf(ctx, peer)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	return d.Engine.DeriveConversationKey(conv.ID, version, kp.PrivateKey, pk.PublicKey)
}

func (d *ECDH) Next(ctx context.Context, conv domain.Conversation, version int) (domain.ConversationKey, error) {
	return d.Derive(ctx, conv, version)
}
