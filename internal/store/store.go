// Package store adapts the engine to a concrete policy store. The engine
// treats payloads as opaque; the adapters here understand the bundle payload
// format ({"policies": {name: rego}, "data": {path: document}}).
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaymesh/relay/internal/bundle"
)

// ApplyError marks a bundle the policy store rejected. It is retried a
// bounded number of times by the reconciler, then surfaces as a degraded
// state for the topic.
type ApplyError struct {
	Topic string
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply to policy store failed for %s: %v", e.Topic, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// PolicyStore is the capability the reconciler needs. Implementations form a
// closed set selected by configuration: the HTTP store in front of a running
// OPA, and the in-process store embedding OPA directly.
type PolicyStore interface {
	// Apply installs the bundle's policies and data transactionally for its
	// topic, replacing whatever the previous bundle for that topic installed.
	Apply(ctx context.Context, b bundle.Bundle) error
	// Health reports whether the store is reachable.
	Health(ctx context.Context) error
}

// Payload is the decoded bundle payload.
type Payload struct {
	Policies map[string]string          `json:"policies"`
	Data     map[string]json.RawMessage `json:"data"`
}

func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("store: malformed bundle payload: %w", err)
	}
	return p, nil
}
