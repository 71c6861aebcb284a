package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash domains. The version suffix leaves room for algorithm migration.
const (
	DomainRequest = "durable/request/v1"
	DomainPayload = "durable/payload/v1"
)

// Hash computes SHA-256(domain || 0x00 || data) as lowercase hex.
// The null separator prevents domain/data boundary ambiguity.
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RequestHash hashes a JSON request body in canonical form, so key order and
// whitespace differences between client retries do not change the hash.
func RequestHash(body []byte) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("request hash: %w", err)
	}
	return Hash(DomainRequest, canonical), nil
}

// Digest hashes the payload's kind and data.
func (p Payload) Digest() string {
	data := make([]byte, 0, len(p.Kind)+1+len(p.Data))
	data = append(data, p.Kind...)
	data = append(data, 0x00)
	data = append(data, p.Data...)
	return Hash(DomainPayload, data)
}
