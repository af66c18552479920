package ratchet

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
)

// ErrSessionMismatch means a header belongs to a different root key.
var ErrSessionMismatch = errors.New("ratchet header names another session")

var sessionNamespace = uuid.MustParse("6f1c2a0e-3b7d-4c55-9d0e-52a1f0c3b8e4")

// Chain is the symmetric chain ratchet. Every sender has its own chain
// seeded from the shared root, so a chain advances in one direction only and
// both ends compute the same message key for (sender, index).
type Chain struct {
	MaxSkipped int
}

func (c Chain) maxSkipped() int {
	if c.MaxSkipped <= 0 {
		return DefaultMaxSkipped
	}
	return c.MaxSkipped
}

// SessionID names the session over a root key. Both parties derive the same
// id from the same root.
func SessionID(conv domain.ConversationID, rootKeyID domain.KeyID) string {
	return uuid.NewSHA1(sessionNamespace, []byte(string(conv)+"|"+string(rootKeyID))).String()
}

// NewSession establishes a session for owner over root. The snapshot is
// independent of root; the caller may wipe it.
func (c Chain) NewSession(
	conv domain.ConversationID,
	owner domain.UserID,
	root domain.ConversationKey,
	now time.Time,
) (domain.SessionState, error) {
	if len(root.SymmetricKey) != crypto.KeySize {
		return domain.SessionState{}, fmt.Errorf("%w: root key", crypto.ErrInvalidKeySize)
	}
	return domain.SessionState{
		SessionID:      SessionID(conv, root.KeyID),
		ConversationID: conv,
		Owner:          owner,
		RootKey:        append([]byte(nil), root.SymmetricKey...),
		RootKeyID:      root.KeyID,
		RootVersion:    root.Version,
		Sending:        seedChain(root.SymmetricKey, owner),
		Receiving:      make(map[domain.UserID]domain.ChainKey),
		Skipped:        make(map[string][]byte),
		CreatedAt:      now.UTC(),
	}, nil
}

// Seal advances the owner's sending chain.
func (c Chain) Seal(st domain.SessionState) (domain.SessionState, domain.RatchetHeader, []byte, error) {
	if len(st.Sending.Key) == 0 {
		return st, domain.RatchetHeader{}, nil, errChainUninitialised
	}
	next := st.Clone()
	mk, ck := kdfCK(next.Sending.Key)
	h := domain.RatchetHeader{SessionID: next.SessionID, MessageIndex: next.Sending.Index}
	crypto.Wipe(next.Sending.Key)
	next.Sending = domain.ChainKey{Key: ck, Index: next.Sending.Index + 1}
	return next, h, mk, nil
}

// Open returns the message key sender used for header. The receiving chain of
// sender is seeded on first use; keys for skipped indexes are kept up to the
// cap and each key is released once.
func (c Chain) Open(st domain.SessionState, sender domain.UserID, h domain.RatchetHeader) (domain.SessionState, []byte, error) {
	if h.SessionID != st.SessionID {
		return st, nil, ErrSessionMismatch
	}
	next := st.Clone()
	id := chainSkipID(sender, h.MessageIndex)
	if mk, ok := next.Skipped[id]; ok {
		delete(next.Skipped, id)
		return next, mk, nil
	}

	ck, ok := next.Receiving[sender]
	if !ok {
		ck = seedChain(next.RootKey, sender)
	}
	if h.MessageIndex < ck.Index {
		return st, nil, ErrSkippedKeyNotFound
	}
	if int(h.MessageIndex-ck.Index) > c.maxSkipped() {
		return st, nil, ErrTooManySkipped
	}
	for ck.Index < h.MessageIndex {
		mk, nextKey := kdfCK(ck.Key)
		evictOne(next.Skipped, c.maxSkipped())
		next.Skipped[chainSkipID(sender, ck.Index)] = mk
		ck = domain.ChainKey{Key: nextKey, Index: ck.Index + 1}
	}
	mk, nextKey := kdfCK(ck.Key)
	next.Receiving[sender] = domain.ChainKey{Key: nextKey, Index: ck.Index + 1}
	return next, mk, nil
}

func seedChain(root []byte, sender domain.UserID) domain.ChainKey {
	return domain.ChainKey{Key: crypto.HMACSHA256(root, []byte("chain|"+string(sender)))}
}

func chainSkipID(sender domain.UserID, n uint32) string {
	return fmt.Sprintf("%s:%d", sender, n)
}
