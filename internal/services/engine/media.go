package engine

import (
	"context"
	"fmt"
	"time"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
)

// EncryptMedia seals a media blob under the media key of the active
// conversation key and returns the attachment with KeyVersion, Size and
// Digest filled in. The digest is an HMAC over the ciphertext under the
// auth key, checked before decryption.
func (e *Engine) EncryptMedia(
	ctx context.Context,
	conv domain.ConversationID,
	data []byte,
	att domain.MediaAttachment,
) (domain.EncryptedPayload, domain.MediaAttachment, error) {
	started := time.Now()
	p, att, err := e.encryptMedia(ctx, conv, data, att)
	e.metrics.CryptoOperation("encrypt_media", string(domain.SchemeStatic), err, started)
	if err != nil {
		return domain.EncryptedPayload{}, domain.MediaAttachment{}, fmt.Errorf("encrypt media %s: %w", conv, err)
	}
	return p, att, nil
}

func (e *Engine) encryptMedia(
	ctx context.Context,
	convID domain.ConversationID,
	data []byte,
	att domain.MediaAttachment,
) (domain.EncryptedPayload, domain.MediaAttachment, error) {
	if _, err := e.resolve(ctx, convID); err != nil {
		return domain.EncryptedPayload{}, att, err
	}
	key, err := e.keys.Get(ctx, convID)
	if err != nil {
		return domain.EncryptedPayload{}, att, err
	}
	mediaKey, authKey, err := e.mediaKeys(key)
	if err != nil {
		return domain.EncryptedPayload{}, att, err
	}
	defer crypto.Wipe(mediaKey)
	defer crypto.Wipe(authKey)

	p, err := e.cipher.Seal(data, mediaKey, domain.EncryptionMetadata{
		KeyID:      key.KeyID,
		KeyVersion: key.Version,
		Scheme:     domain.SchemeStatic,
		SenderID:   e.me,
	}, mediaAAD(convID))
	if err != nil {
		return domain.EncryptedPayload{}, att, err
	}
	att.KeyVersion = key.Version
	att.Size = int64(len(data))
	att.Digest = mediaDigest(authKey, p)
	return p, att, nil
}

// DecryptMedia verifies the attachment digest and opens the blob.
func (e *Engine) DecryptMedia(
	ctx context.Context,
	conv domain.ConversationID,
	p domain.EncryptedPayload,
	att domain.MediaAttachment,
) ([]byte, error) {
	started := time.Now()
	data, err := e.decryptMedia(ctx, conv, p, att)
	e.metrics.CryptoOperation("decrypt_media", string(domain.SchemeStatic), err, started)
	if err != nil {
		de := asDecryptionError(p.Metadata.KeyID, err)
		e.log.DecryptFailed(string(conv), string(p.Metadata.KeyID), string(de.Reason))
		return nil, de
	}
	return data, nil
}

func (e *Engine) decryptMedia(
	ctx context.Context,
	convID domain.ConversationID,
	p domain.EncryptedPayload,
	att domain.MediaAttachment,
) ([]byte, error) {
	m := p.Metadata
	if att.KeyVersion != 0 && att.KeyVersion != m.KeyVersion {
		return nil, &domain.DecryptionError{
			Reason: domain.ReasonKeyMismatch,
			KeyID:  m.KeyID,
			Err:    fmt.Errorf("attachment names version %d, payload %d", att.KeyVersion, m.KeyVersion),
		}
	}
	if _, err := e.resolve(ctx, convID); err != nil {
		return nil, &domain.DecryptionError{Reason: domain.ReasonKeyUnavailable, KeyID: m.KeyID, Err: err}
	}
	src := e.strategies[domain.SchemeStatic].(static)
	key, err := src.forPayload(ctx, convID, m)
	if err != nil {
		return nil, err
	}
	mediaKey, authKey, err := e.mediaKeys(key)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: domain.ReasonKeyUnavailable, KeyID: m.KeyID, Err: err}
	}
	defer crypto.Wipe(mediaKey)
	defer crypto.Wipe(authKey)

	if !crypto.Equal(mediaDigest(authKey, p), att.Digest) {
		return nil, &domain.DecryptionError{Reason: domain.ReasonAuthFailed, KeyID: m.KeyID, Err: errDigestMismatch}
	}
	data, err := e.cipher.Open(p, mediaKey, mediaAAD(convID))
	if err != nil {
		return nil, err
	}
	src.adopt(ctx, key)
	return data, nil
}

func (e *Engine) mediaKeys(key domain.ConversationKey) (mediaKey, authKey []byte, err error) {
	mediaKey, err = e.derive.DeriveMediaKey(key)
	if err != nil {
		return nil, nil, err
	}
	authKey, err = e.derive.DeriveAuthKey(key)
	if err != nil {
		crypto.Wipe(mediaKey)
		return nil, nil, err
	}
	return mediaKey, authKey, nil
}

func mediaDigest(authKey []byte, p domain.EncryptedPayload) []byte {
	return crypto.HMACSHA256(authKey, []byte(p.Metadata.KeyID), p.Metadata.Nonce, p.Ciphertext, p.Metadata.AuthTag)
}

func mediaAAD(conv domain.ConversationID) []byte {
	return []byte("media|" + string(conv))
}
