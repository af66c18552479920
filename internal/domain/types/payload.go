package types

// Scheme names the strategy that produced a payload.
type Scheme string

const (
	SchemeStatic Scheme = "static"
	SchemeChain  Scheme = "chain"
	SchemeDouble Scheme = "double"
	SchemeLegacy Scheme = "legacy"
)

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	switch s {
	case SchemeStatic, SchemeChain, SchemeDouble, SchemeLegacy:
		return true
	}
	return false
}

// AEAD algorithm names carried in EncryptionMetadata.
const (
	AlgorithmAES256GCM        = "AES-256-GCM"
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"
)

// EncryptionMetadata is attached to every ciphertext. It is immutable once
// created; KeyID, Algorithm, KeyVersion, Scheme and SenderID are bound into
// the AEAD associated data.
type EncryptionMetadata struct {
	KeyID      KeyID          `json:"keyId"`
	Algorithm  string         `json:"algorithm"`
	Nonce      []byte         `json:"nonce"`
	AuthTag    []byte         `json:"authTag"`
	KeyVersion int            `json:"keyVersion"`
	Scheme     Scheme         `json:"scheme,omitempty"`
	SenderID   UserID         `json:"senderId,omitempty"`
	Ratchet    *RatchetHeader `json:"ratchet,omitempty"`
}

// EncryptedPayload is a detached-tag AEAD ciphertext plus its metadata.
type EncryptedPayload struct {
	Ciphertext []byte             `json:"ciphertext"`
	Metadata   EncryptionMetadata `json:"metadata"`
}
