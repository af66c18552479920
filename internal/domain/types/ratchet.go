package types

import "time"

// RatchetHeader travels in the metadata of ratchet-scheme payloads.
//
// The chain scheme sets SessionID and MessageIndex; the double ratchet also
// carries its current DH public key and the previous chain length.
type RatchetHeader struct {
	SessionID              string `json:"sessionId,omitempty"`
	DiffieHellmanPublicKey []byte `json:"dhPub,omitempty"`
	PreviousChainLength    uint32 `json:"pn"`
	MessageIndex           uint32 `json:"n"`
}

// ChainKey is one position of a symmetric KDF chain.
type ChainKey struct {
	Key   []byte `json:"key"`
	Index uint32 `json:"index"`
}

// Clone returns a deep copy of the chain key.
func (c ChainKey) Clone() ChainKey {
	return ChainKey{Key: append([]byte(nil), c.Key...), Index: c.Index}
}

// SessionState is an immutable snapshot of a symmetric chain session.
//
// Sending is the local user's chain; Receiving holds one chain per remote
// sender. Skipped maps skippedKey(sender, index) to message keys kept for
// out-of-order delivery. Advancing a session produces a new snapshot.
type SessionState struct {
	SessionID      string              `json:"sessionId"`
	ConversationID ConversationID      `json:"conversationId"`
	Owner          UserID              `json:"owner"`
	RootKey        []byte              `json:"rootKey"`
	RootKeyID      KeyID               `json:"rootKeyId"`
	RootVersion    int                 `json:"rootVersion"`
	Sending        ChainKey            `json:"sending"`
	Receiving      map[UserID]ChainKey `json:"receiving"`
	Skipped        map[string][]byte   `json:"skipped"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// Clone returns a deep copy of the snapshot.
func (s SessionState) Clone() SessionState {
	out := s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.Sending = s.Sending.Clone()
	out.Receiving = make(map[UserID]ChainKey, len(s.Receiving))
	for k, v := range s.Receiving {
		out.Receiving[k] = v.Clone()
	}
	out.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		out.Skipped[k] = append([]byte(nil), v...)
	}
	return out
}

// RatchetState contains all fields the Double Ratchet needs to track.
type RatchetState struct {
	RootKey                 []byte            `json:"rootKey"`
	DiffieHellmanPrivate    X25519Private     `json:"dhPriv"`
	DiffieHellmanPublic     X25519Public      `json:"dhPub"`
	PeerDiffieHellmanPublic X25519Public      `json:"peerDhPub"`
	SendChainKey            []byte            `json:"sendCk,omitempty"`
	ReceiveChainKey         []byte            `json:"recvCk,omitempty"`
	SendMessageIndex        uint32            `json:"ns"`
	ReceiveMessageIndex     uint32            `json:"nr"`
	PreviousChainLength     uint32            `json:"pn"`
	SkippedKeys             map[string][]byte `json:"skippedKeys"`
}

// Clone returns a deep copy of the ratchet state.
func (s RatchetState) Clone() RatchetState {
	out := s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SendChainKey = append([]byte(nil), s.SendChainKey...)
	out.ReceiveChainKey = append([]byte(nil), s.ReceiveChainKey...)
	if len(s.SendChainKey) == 0 {
		out.SendChainKey = nil
	}
	if len(s.ReceiveChainKey) == 0 {
		out.ReceiveChainKey = nil
	}
	out.SkippedKeys = make(map[string][]byte, len(s.SkippedKeys))
	for k, v := range s.SkippedKeys {
		out.SkippedKeys[k] = append([]byte(nil), v...)
	}
	return out
}
