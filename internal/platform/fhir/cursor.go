package fhir

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// PageCursor captures the position of the last returned result in the sorted
// key space, enabling keyset pagination that stays stable under concurrent
// writes (no OFFSET drift).
type PageCursor struct {
	SortKey   string    `json:"k"`  // rendered sort key of the last item
	ID        string    `json:"id"` // resource id tiebreaker
	Sort      string    `json:"s"`  // sort spec the cursor was built for
	CreatedAt time.Time `json:"c"`
	PageSize  int       `json:"ps"`
}

// CursorCodec encodes cursors as opaque HMAC-signed base64 tokens so clients
// cannot tamper with pagination state.
type CursorCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewCursorCodec creates a codec. A zero ttl disables expiry.
func NewCursorCodec(secret []byte, ttl time.Duration) *CursorCodec {
	return &CursorCodec{secret: secret, ttl: ttl}
}

// Encode serializes a cursor to base64(HMAC(32 bytes) + JSON payload).
func (c *CursorCodec) Encode(cursor *PageCursor) (string, error) {
	payload, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	sig := mac.Sum(nil)

	combined := make([]byte, len(sig)+len(payload))
	copy(combined, sig)
	copy(combined[len(sig):], payload)
	return base64.RawURLEncoding.EncodeToString(combined), nil
}

// Decode verifies and deserializes an opaque cursor token.
func (c *CursorCodec) Decode(encoded string) (*PageCursor, error) {
	if encoded == "" {
		return nil, &QueryError{Param: "_cursor", Diagnostics: "empty cursor"}
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &QueryError{Param: "_cursor", Diagnostics: "bad base64: " + err.Error()}
	}
	if len(raw) <= 32 {
		return nil, &QueryError{Param: "_cursor", Diagnostics: "payload too short"}
	}
	sig, payload := raw[:32], raw[32:]

	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, &QueryError{Param: "_cursor", Diagnostics: "signature verification failed"}
	}

	var cursor PageCursor
	if err := json.Unmarshal(payload, &cursor); err != nil {
		return nil, &QueryError{Param: "_cursor", Diagnostics: "bad payload: " + err.Error()}
	}
	if c.ttl > 0 && time.Since(cursor.CreatedAt) > c.ttl {
		return nil, &QueryError{Param: "_cursor", Diagnostics: "cursor expired"}
	}
	return &cursor, nil
}
