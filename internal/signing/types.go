package signing

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
	"github.com/kashguard/go-bridge-validator/internal/monitor"
	"github.com/kashguard/go-bridge-validator/internal/transport"
)

// State is the per-request lifecycle. NEW -> AWAITING_PARTIALS ->
// AGGREGATING -> DONE | FAILED; NOT_SELECTED is the terminal outcome when
// this party is not in the chosen participant set.
type State string

const (
	StateNew              State = "NEW"
	StateAwaitingPartials State = "AWAITING_PARTIALS"
	StateAggregating      State = "AGGREGATING"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
	StateNotSelected      State = "NOT_SELECTED"
)

// Failure kinds surfaced to the operator.
var (
	ErrInsufficientPartials   = errors.New("insufficient valid partial signatures")
	ErrAggregationInvalid     = errors.New("aggregated signature failed verification")
	ErrUnexpectedParticipant  = errors.New("partial from a party outside the participant set")
	ErrNonceCommitmentInvalid = errors.New("nonce reveal does not match its commitment")
	ErrInsufficientValidators = errors.New("not enough available validators for the threshold")
	ErrKeyMaterialMissing     = errors.New("group key material not loaded; run DKG first")
)

// Config parameterizes the coordinator for this party.
type Config struct {
	PartyID   transport.PartyID
	Threshold int
	Parties   int
	KeyID     string
	// RequestTimeout bounds partial collection, counted from
	// AWAITING_PARTIALS (default 30s). The nonce rounds before it are
	// bounded by the same duration, counted from the ceremony start.
	RequestTimeout time.Duration
}

// Validate checks the threshold parameters.
func (c Config) Validate() error {
	if c.Threshold < 2 || c.Threshold > c.Parties {
		return errors.Errorf("threshold %d out of range [2, %d]", c.Threshold, c.Parties)
	}
	if !c.PartyID.IsValid(c.Parties) {
		return errors.Errorf("party id %d out of range [1, %d]", c.PartyID, c.Parties)
	}
	if c.KeyID == "" {
		return errors.New("key id is required")
	}
	return nil
}

// Completed is the outbound emission for one finished ceremony. The
// submitter posts it on the destination chain; the coordinator never
// submits.
type Completed struct {
	RequestID    string
	SignalID     string
	Signature    []byte
	Participants []int
}

// RequestStatus is the inspection view of one request.
type RequestStatus struct {
	RequestID    string    `json:"request_id"`
	State        State     `json:"state"`
	Participants []int     `json:"participants,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// CanonicalDigest derives the bytes-to-sign for a signal:
// H(signalId || be32(srcChainId) || be32(dstChainId) || be32(nonce) || payload)
// under the scheme's tagged hash. The destination contract reconstructs
// the identical digest; agreement is bit-exact.
func CanonicalDigest(ev *monitor.SignalEvent) []byte {
	be := func(v uint32) []byte {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		return b[:]
	}
	return crypto.TaggedHash(crypto.TagSignalMessage,
		ev.SignalID[:], be(ev.SrcChainID), be(ev.DstChainID), be(ev.Nonce), ev.Payload)
}

// nonceBinding is the round-one commitment over a party's nonce point.
func nonceBinding(requestID string, partyID int, noncePoint crypto.Point) []byte {
	var pid [4]byte
	binary.BigEndian.PutUint32(pid[:], uint32(partyID))
	return crypto.TaggedHash(crypto.TagNonceCommitment, []byte(requestID), pid[:], noncePoint.Compress())
}
