package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// PartyID identifies a validator in the committee. Ids are integers in
// [1, N] and double as the Shamir evaluation points, so zero is never a
// valid id.
type PartyID int

// IsValid reports whether the id is inside the committee range.
func (p PartyID) IsValid(total int) bool {
	return p >= 1 && int(p) <= total
}

func (p PartyID) String() string {
	return fmt.Sprintf("validator-%d", int(p))
}

// MessageType enumerates the inter-party wire messages.
type MessageType string

const (
	TypeValidatorRegister MessageType = "VALIDATOR_REGISTER"
	TypeHeartbeat         MessageType = "HEARTBEAT"
	TypeDKGStart          MessageType = "DKG_START"
	TypeDKGCommitment     MessageType = "DKG_COMMITMENT"
	TypeDKGShare          MessageType = "DKG_SHARE"
	TypeDKGPublicKeyShare MessageType = "DKG_PUBLIC_KEY_SHARE"
	TypeSignalEvent       MessageType = "SIGNAL_EVENT"
	TypeSigningRequest    MessageType = "SIGNING_REQUEST"
	TypeNonceCommitment   MessageType = "NONCE_COMMITMENT"
	TypeNonceReveal       MessageType = "NONCE_REVEAL"
	TypePartialSignature  MessageType = "PARTIAL_SIGNATURE"
	TypeSignatureComplete MessageType = "SIGNATURE_COMPLETE"
)

// Envelope is the transport frame every wire message travels in. Seq is a
// monotonic per-sender per-ceremony counter assigned by the sending bus;
// receivers use it for dedup and rely on the bus for FIFO delivery.
type Envelope struct {
	Type       MessageType     `json:"type"`
	Sender     PartyID         `json:"sender"`
	CeremonyID string          `json:"ceremony_id"`
	Seq        uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEnvelope wraps a payload struct into an envelope. Seq is assigned by
// the bus at send time.
func NewEnvelope(t MessageType, sender PartyID, ceremonyID string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s payload", t)
	}
	return &Envelope{
		Type:       t,
		Sender:     sender,
		CeremonyID: ceremonyID,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s payload", e.Type)
	}
	return nil
}

// dedupKey identifies one delivery for receiver-side deduplication.
func (e *Envelope) dedupKey() string {
	return fmt.Sprintf("%d|%s|%s|%d", e.Sender, e.CeremonyID, e.Type, e.Seq)
}
