package engine

import (
	"context"
	"time"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/ratchet"
	"pulsecrypt/internal/services/derivation"
)

// chain runs the symmetric chain ratchet, one session per conversation key
// version. Every participant has its own sending chain, so the same code
// serves direct and group conversations.
type chain struct {
	*keySource
	derive   *derivation.Engine
	ratchet  ratchet.Chain
	sessions *ratchet.Sessions[domain.SessionState]
	now      func() time.Time
}

func (c chain) Scheme() domain.Scheme { return domain.SchemeChain }

func (c chain) root(key domain.ConversationKey) (domain.ConversationKey, error) {
	rk, err := c.derive.DeriveRatchetRoot(key)
	if err != nil {
		return domain.ConversationKey{}, err
	}
	root := key.Clone()
	root.SymmetricKey = rk
	return root, nil
}

func (c chain) start(conv domain.ConversationID, key domain.ConversationKey) (domain.SessionState, error) {
	root, err := c.root(key)
	if err != nil {
		return domain.SessionState{}, err
	}
	defer crypto.Wipe(root.SymmetricKey)
	return c.ratchet.NewSession(conv, c.me, root, c.now())
}

func (c chain) Seal(ctx context.Context, conv domain.Conversation, plaintext, aad []byte) (domain.EncryptedPayload, error) {
	key, err := c.keys.Get(ctx, conv.ID)
	if err != nil {
		return domain.EncryptedPayload{}, err
	}
	var out domain.EncryptedPayload
	err = c.sessions.Update(ctx, sessionKey("chain", conv.ID, key.Version), func(cur domain.SessionState, ok bool) (domain.SessionState, error) {
		if !ok {
			if cur, err = c.start(conv.ID, key); err != nil {
				return cur, err
			}
		}
		next, h, mk, err := c.ratchet.Seal(cur)
		if err != nil {
			return cur, err
		}
		defer crypto.Wipe(mk)
		out, err = c.cipher.Seal(plaintext, mk, domain.EncryptionMetadata{
			KeyID:      key.KeyID,
			KeyVersion: key.Version,
			Scheme:     domain.SchemeChain,
			SenderID:   c.me,
			Ratchet:    &h,
		}, aad)
		return next, err
	})
	return out, err
}

func (c chain) Open(ctx context.Context, conv domain.Conversation, p domain.EncryptedPayload, aad []byte) ([]byte, error) {
	m := p.Metadata
	if m.Ratchet == nil || m.SenderID == "" {
		return nil, &domain.DecryptionError{Reason: domain.ReasonMalformed, KeyID: m.KeyID, Err: errMissingHeader}
	}
	if !conv.Has(m.SenderID) {
		return nil, &domain.DecryptionError{Reason: domain.ReasonMalformed, KeyID: m.KeyID, Err: errUnknownSender}
	}
	key, err := c.forPayload(ctx, conv.ID, m)
	if err != nil {
		return nil, err
	}

	var pt []byte
	err = c.sessions.Update(ctx, sessionKey("chain", conv.ID, key.Version), func(cur domain.SessionState, ok bool) (domain.SessionState, error) {
		if !ok {
			if cur, err = c.start(conv.ID, key); err != nil {
				return cur, err
			}
		}
		next, mk, err := c.ratchet.Open(cur, m.SenderID, *m.Ratchet)
		if err != nil {
			return cur, err
		}
		defer crypto.Wipe(mk)
		pt, err = c.cipher.Open(p, mk, aad)
		return next, err
	})
	if err != nil {
		return nil, ratchetFailure(m.KeyID, err)
	}
	c.adopt(ctx, key)
	return pt, nil
}
