package engine

import (
	"context"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/ratchet"
	"pulsecrypt/internal/services/derivation"
)

// double runs the Double Ratchet for direct conversations. The participant
// whose id sorts first initiates; the other side answers once the first
// message arrived and cannot send before.
type double struct {
	*keySource
	identity domain.IdentityService
	derive   *derivation.Engine
	ratchet  ratchet.Double
	sessions *ratchet.Sessions[domain.RatchetState]
}

func (d double) Scheme() domain.Scheme { return domain.SchemeDouble }

func (d double) Seal(ctx context.Context, conv domain.Conversation, plaintext, aad []byte) (domain.EncryptedPayload, error) {
	peer, err := conv.Counterpart(d.me)
	if err != nil {
		return domain.EncryptedPayload{}, errDirectOnly
	}
	key, err := d.keys.Get(ctx, conv.ID)
	if err != nil {
		return domain.EncryptedPayload{}, err
	}

	var out domain.EncryptedPayload
	err = d.sessions.Update(ctx, sessionKey("double", conv.ID, key.Version), func(cur domain.RatchetState, ok bool) (domain.RatchetState, error) {
		if !ok {
			if cur, err = d.start(ctx, key, peer); err != nil {
				return cur, err
			}
		}
		next, h, mk, err := d.ratchet.Encrypt(cur)
		if err != nil {
			return cur, err
		}
		defer crypto.Wipe(mk)
		h.SessionID = ratchet.SessionID(conv.ID, key.KeyID)
		out, err = d.cipher.Seal(plaintext, mk, domain.EncryptionMetadata{
			KeyID:      key.KeyID,
			KeyVersion: key.Version,
			Scheme:     domain.SchemeDouble,
			SenderID:   d.me,
			Ratchet:    &h,
		}, aad)
		return next, err
	})
	return out, err
}

func (d double) Open(ctx context.Context, conv domain.Conversation, p domain.EncryptedPayload, aad []byte) ([]byte, error) {
	m := p.Metadata
	if m.Ratchet == nil || m.SenderID == "" {
		return nil, &domain.DecryptionError{Reason: domain.ReasonMalformed, KeyID: m.KeyID, Err: errMissingHeader}
	}
	peer, err := conv.Counterpart(d.me)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: domain.ReasonMalformed, KeyID: m.KeyID, Err: errDirectOnly}
	}
	if m.SenderID != peer {
		return nil, &domain.DecryptionError{Reason: domain.ReasonMalformed, KeyID: m.KeyID, Err: errUnknownSender}
	}
	key, err := d.forPayload(ctx, conv.ID, m)
	if err != nil {
		return nil, err
	}
	if m.Ratchet.SessionID != ratchet.SessionID(conv.ID, key.KeyID) {
		return nil, ratchetFailure(m.KeyID, ratchet.ErrSessionMismatch)
	}

	var pt []byte
	err = d.sessions.Update(ctx, sessionKey("double", conv.ID, key.Version), func(cur domain.RatchetState, ok bool) (domain.RatchetState, error) {
		if !ok {
			if d.initiator(peer) {
				return cur, domain.ErrNoSession
			}
			if cur, err = d.start(ctx, key, peer); err != nil {
				return cur, err
			}
		}
		next, mk, err := d.ratchet.Decrypt(cur, *m.Ratchet)
		if err != nil {
			return cur, err
		}
		defer crypto.Wipe(mk)
		pt, err = d.cipher.Open(p, mk, aad)
		return next, err
	})
	if err != nil {
		return nil, ratchetFailure(m.KeyID, err)
	}
	d.adopt(ctx, key)
	return pt, nil
}

func (d double) initiator(peer domain.UserID) bool { return d.me < peer }

// start creates the local side of a session from the conversation key.
func (d double) start(ctx context.Context, key domain.ConversationKey, peer domain.UserID) (domain.RatchetState, error) {
	root, err := d.derive.DeriveRatchetRoot(key)
	if err != nil {
		return domain.RatchetState{}, err
	}
	defer crypto.Wipe(root)

	if d.initiator(peer) {
		pk, err := d.identity.PublicKeyOf(ctx, peer)
		if err != nil {
			return domain.RatchetState{}, err
		}
		return d.ratchet.InitAsInitiator(root, pk.PublicKey)
	}
	kp, err := d.identity.EnsureKeyPair(ctx)
	if err != nil {
		return domain.RatchetState{}, err
	}
	return d.ratchet.InitAsResponder(root, kp.PrivateKey, kp.PublicKey), nil
}
