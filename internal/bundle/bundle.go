package bundle

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Bundle is an immutable snapshot (or diff) of policy/data for one topic at one
// sequence. The payload is opaque to the engine; the policy store adapters
// interpret it.
type Bundle struct {
	ID        string          `json:"id" db:"id"`
	Topic     string          `json:"topic" db:"topic"`
	Sequence  uint64          `json:"sequence" db:"sequence"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// UpdateEvent is the wire unit broadcast to subscribers. BundleRef carries the
// bundle ID so a client can validate what it pulls during recovery.
type UpdateEvent struct {
	Topic     string    `json:"topic"`
	BundleRef string    `json:"bundle_ref"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// HashPayload derives a content-addressed bundle ID. Equal payloads always hash
// equal, which is what lets a restarted detector recognize an unchanged source.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

// ValidTopic reports whether s is a well-formed hierarchical topic path:
// non-empty slash-separated segments, no wildcards (wildcards belong to token
// scopes, not topics).
func ValidTopic(s string) bool {
	if s == "" || strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return false
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == "" || strings.ContainsAny(seg, "*? \t\n") {
			return false
		}
	}
	return true
}
