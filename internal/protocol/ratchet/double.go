package ratchet

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
)

// DefaultMaxSkipped bounds retained message keys per session.
const DefaultMaxSkipped = 1000

var (
	// ErrSkippedKeyNotFound means the message index was already consumed or
	// its key was evicted.
	ErrSkippedKeyNotFound = errors.New("skipped message key not found")
	// ErrTooManySkipped means a header claims a gap larger than the skip cap.
	ErrTooManySkipped = errors.New("too many skipped messages")
	// ErrResponderNotReady is returned when the responder tries to send
	// before it has received the initiator's first message.
	ErrResponderNotReady = fmt.Errorf("%w: responder has not received a ratchet key yet", domain.ErrNoSession)

	errChainUninitialised = errors.New("ratchet chain key is uninitialised")
	errBadHeader          = errors.New("ratchet header has no valid DH public key")
)

// Double runs the Double Ratchet over immutable RatchetState snapshots.
// Encrypt and Decrypt return the message key and the next snapshot; the
// caller commits the snapshot only after the AEAD step succeeded.
type Double struct {
	MaxSkipped int
	Rand       io.Reader
}

func (d Double) maxSkipped() int {
	if d.MaxSkipped <= 0 {
		return DefaultMaxSkipped
	}
	return d.MaxSkipped
}

func (d Double) rand() io.Reader {
	if d.Rand == nil {
		return rand.Reader
	}
	return d.Rand
}

// InitAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the peer's identity public key.
func (d Double) InitAsInitiator(root []byte, peerIdentity domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519From(d.rand())
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return domain.RatchetState{}, err
	}
	rk, sendCK, err := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])
	if err != nil {
		return domain.RatchetState{}, err
	}
	return domain.RatchetState{
		RootKey:                 rk,
		DiffieHellmanPrivate:    priv,
		DiffieHellmanPublic:     pub,
		PeerDiffieHellmanPublic: peerIdentity, // replaced by the first remote ratchet key
		SendChainKey:            sendCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// InitAsResponder uses the identity pair as the first ratchet key. The
// chains are seeded when the initiator's first header arrives.
func (d Double) InitAsResponder(root []byte, idPriv domain.X25519Private, idPub domain.X25519Public) domain.RatchetState {
	return domain.RatchetState{
		RootKey:              append([]byte(nil), root...),
		DiffieHellmanPrivate: idPriv,
		DiffieHellmanPublic:  idPub,
		SkippedKeys:          make(map[string][]byte),
	}
}

// Encrypt advances the sending chain and returns the message key with the
// header to send alongside the ciphertext.
func (d Double) Encrypt(st domain.RatchetState) (domain.RatchetState, domain.RatchetHeader, []byte, error) {
	if len(st.SendChainKey) == 0 {
		if st.PeerDiffieHellmanPublic.IsZero() {
			return st, domain.RatchetHeader{}, nil, ErrResponderNotReady
		}
		return st, domain.RatchetHeader{}, nil, errChainUninitialised
	}
	next := st.Clone()
	mk, ck := kdfCK(next.SendChainKey)
	crypto.Wipe(next.SendChainKey)
	next.SendChainKey = ck

	h := domain.RatchetHeader{
		DiffieHellmanPublicKey: append([]byte(nil), next.DiffieHellmanPublic[:]...),
		PreviousChainLength:    next.PreviousChainLength,
		MessageIndex:           next.SendMessageIndex,
	}
	next.SendMessageIndex++
	return next, h, mk, nil
}

// Decrypt finds the message key for header: from the skipped set, from the
// current receiving chain, or after a DH ratchet step on a new remote key.
func (d Double) Decrypt(st domain.RatchetState, h domain.RatchetHeader) (domain.RatchetState, []byte, error) {
	if len(h.DiffieHellmanPublicKey) != 32 {
		return st, nil, errBadHeader
	}
	var peer domain.X25519Public
	copy(peer[:], h.DiffieHellmanPublicKey)

	next := st.Clone()
	id := skippedKeyID(peer, h.MessageIndex)
	if mk, ok := next.SkippedKeys[id]; ok {
		delete(next.SkippedKeys, id)
		return next, mk, nil
	}

	if peer == next.PeerDiffieHellmanPublic && len(next.ReceiveChainKey) > 0 {
		if h.MessageIndex < next.ReceiveMessageIndex {
			return st, nil, ErrSkippedKeyNotFound
		}
	} else {
		if err := d.skipUntil(&next, h.PreviousChainLength); err != nil {
			return st, nil, err
		}
		if err := d.step(&next, peer); err != nil {
			return st, nil, err
		}
	}

	if err := d.skipUntil(&next, h.MessageIndex); err != nil {
		return st, nil, err
	}
	mk, ck := kdfCK(next.ReceiveChainKey)
	crypto.Wipe(next.ReceiveChainKey)
	next.ReceiveChainKey = ck
	next.ReceiveMessageIndex++
	return next, mk, nil
}

// step performs the DH ratchet: new receiving chain against peer, then a new
// sending key pair and chain.
func (d Double) step(st *domain.RatchetState, peer domain.X25519Public) error {
	dh, err := crypto.DH(st.DiffieHellmanPrivate, peer)
	if err != nil {
		return err
	}
	rk2, recvCK, err := kdfRK(st.RootKey, dh[:])
	crypto.Wipe(dh[:])
	if err != nil {
		return err
	}

	newPriv, newPub, err := crypto.GenerateX25519From(d.rand())
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(newPriv, peer)
	if err != nil {
		return err
	}
	rk3, sendCK, err := kdfRK(rk2, dh2[:])
	crypto.Wipe(dh2[:])
	crypto.Wipe(rk2)
	if err != nil {
		return err
	}

	crypto.Wipe(st.RootKey)
	st.PreviousChainLength = st.SendMessageIndex
	st.SendMessageIndex, st.ReceiveMessageIndex = 0, 0
	st.RootKey = rk3
	st.DiffieHellmanPrivate, st.DiffieHellmanPublic = newPriv, newPub
	st.PeerDiffieHellmanPublic = peer
	st.SendChainKey, st.ReceiveChainKey = sendCK, recvCK
	return nil
}

// skipUntil derives and stores receiving message keys up to n.
func (d Double) skipUntil(st *domain.RatchetState, n uint32) error {
	if len(st.ReceiveChainKey) == 0 || st.ReceiveMessageIndex >= n {
		return nil
	}
	if int(n-st.ReceiveMessageIndex) > d.maxSkipped() {
		return ErrTooManySkipped
	}
	for st.ReceiveMessageIndex < n {
		mk, ck := kdfCK(st.ReceiveChainKey)
		st.ReceiveChainKey = ck
		evictOne(st.SkippedKeys, d.maxSkipped())
		st.SkippedKeys[skippedKeyID(st.PeerDiffieHellmanPublic, st.ReceiveMessageIndex)] = mk
		st.ReceiveMessageIndex++
	}
	return nil
}

// kdfRK mixes a DH output into the root key.
func kdfRK(rk, dh []byte) (newRK, ck []byte, err error) {
	out, err := crypto.HKDF(dh, rk, []byte("pulsecrypt/DR|rk"), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32:32], out[32:], nil
}

// kdfCK returns the message key and the next chain key.
func kdfCK(ck []byte) (mk, nextCK []byte) {
	return crypto.HMACSHA256(ck, []byte{0x01}), crypto.HMACSHA256(ck, []byte{0x02})
}

func skippedKeyID(peer domain.X25519Public, n uint32) string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(peer[:]), n)
}

// evictOne drops an arbitrary entry when m is at capacity.
func evictOne(m map[string][]byte, max int) {
	if len(m) < max {
		return
	}
	for k, v := range m {
		crypto.Wipe(v)
		delete(m, k)
		return
	}
}
