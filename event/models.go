// Package event defines the immutable metered usage event and its
// canonical encoding.
//
// An event is an append-only fact: once persisted it is never mutated or
// deleted, only anonymized in place for erasure compliance. The signature
// covers a deterministic canonical encoding (RFC 8785 JCS) of the
// semantically relevant fields, so verification is independent of field
// ordering or whitespace in transport encodings.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/types"
)

// Delegation is one link in an event's delegation chain, ordered
// leaf-to-root. Proof is an EdDSA-signed assertion issued by Issuer
// granting Delegate the authority to act on its behalf.
type Delegation struct {
	Delegate string `json:"delegate"`
	Issuer   string `json:"issuer"`
	Proof    string `json:"proof"`
}

// Event is an immutable usage record.
//
// Timestamp is the authoritative time assigned at ingestion from the
// cluster clock source. ClientTimestamp is the caller-supplied time,
// kept for audit only; it is validated against the authoritative clock
// within a bounded skew window and never used for aggregation.
type Event struct {
	types.Entity
	ID              id.EventID        `json:"id"`
	DedupKey        string            `json:"dedup_key"`
	SignerID        string            `json:"signer_id"`
	Delegation      []Delegation      `json:"delegation,omitempty"`
	SubscriptionID  id.SubscriptionID `json:"subscription_id"`
	Type            string            `json:"type"`
	Quantity        int64             `json:"quantity"`
	Timestamp       time.Time         `json:"timestamp"`
	ClientTimestamp time.Time         `json:"client_timestamp"`
	Props           map[string]any    `json:"props,omitempty"`
	Signature       []byte            `json:"signature"`
	PayloadHash     string            `json:"payload_hash"`
}

// signable is the subset of event fields covered by the signature and
// the idempotency hash. Authoritative timestamp and storage identity are
// excluded: they are assigned server-side after the signature is made.
type signable struct {
	DedupKey        string         `json:"dedup_key"`
	SignerID        string         `json:"signer_id"`
	Delegation      []Delegation   `json:"delegation,omitempty"`
	SubscriptionID  string         `json:"subscription_id"`
	Type            string         `json:"type"`
	Quantity        int64          `json:"quantity"`
	ClientTimestamp string         `json:"client_timestamp"`
	Props           map[string]any `json:"props,omitempty"`
}

// CanonicalBytes returns the RFC 8785 canonical JSON encoding of the
// signable subset of the event. Signing and verification both operate
// on these bytes.
func (e *Event) CanonicalBytes() ([]byte, error) {
	raw, err := json.Marshal(signable{
		DedupKey:        e.DedupKey,
		SignerID:        e.SignerID,
		Delegation:      e.Delegation,
		SubscriptionID:  e.SubscriptionID.String(),
		Type:            e.Type,
		Quantity:        e.Quantity,
		ClientTimestamp: e.ClientTimestamp.UTC().Format(time.RFC3339Nano),
		Props:           e.Props,
	})
	if err != nil {
		return nil, fmt.Errorf("event: marshal signable: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("event: canonicalize: %w", err)
	}
	return canonical, nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding. Two
// submissions under the same dedup key are the same event exactly when
// their hashes match.
func (e *Event) Hash() (string, error) {
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Anonymize blanks the personally attributable fields in place for
// erasure compliance. The event row itself is retained so that closed
// rollups stay reconcilable against raw history.
func (e *Event) Anonymize() {
	e.SignerID = ""
	e.Delegation = nil
	e.Props = nil
	e.Signature = nil
	e.Touch()
}

// IsAnonymized reports whether the event has been anonymized.
func (e *Event) IsAnonymized() bool {
	return e.SignerID == "" && e.Signature == nil
}
