package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"pulsecrypt/internal/domain"
)

// Marshal validates e and encodes it as the JSON plaintext that gets
// encrypted as one unit.
func Marshal(e domain.MessageEnvelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return b, nil
}

// Unmarshal decodes and validates a decrypted plaintext.
//
// Plaintext that is not a JSON object is treated as the body of a text
// message; legacy clients encrypted bare strings.
func Unmarshal(b []byte) (domain.MessageEnvelope, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !utf8.Valid(b) {
			return domain.MessageEnvelope{}, fmt.Errorf("envelope: plaintext is neither JSON nor UTF-8 text")
		}
		return domain.MessageEnvelope{Type: domain.KindText, Text: string(b)}, nil
	}

	var e domain.MessageEnvelope
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return domain.MessageEnvelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return domain.MessageEnvelope{}, fmt.Errorf("envelope: %w", err)
	}
	return e, nil
}
