package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned for missing records.
var ErrNotFound = errors.New("record not found")

// DKGArtifact is the audit record a successful ceremony persists: the
// commitments, public shares and group key, never any secret material.
type DKGArtifact struct {
	CeremonyID     string              `json:"ceremony_id"`
	KeyID          string              `json:"key_id"`
	Threshold      int                 `json:"threshold"`
	Parties        int                 `json:"parties"`
	GroupPublicKey string              `json:"group_public_key"` // compressed, hex
	PublicShares   map[int]string      `json:"public_shares"`
	Commitments    map[int][]string    `json:"commitments"`
	Participants   []int               `json:"participants"`
	CreatedAt      time.Time           `json:"created_at"`
}

// SignatureRecord is the audit record of one completed signing ceremony.
// At most one record ever exists per signal id.
type SignatureRecord struct {
	RequestID    string    `json:"request_id"`
	SignalID     string    `json:"signal_id"` // hex
	Signature    string    `json:"signature"` // R||z, hex
	Participants []int     `json:"participants"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists the node's three durable items: DKG artifacts, signature
// records and the observed-signal dedup ring.
type Store interface {
	SaveDKGArtifact(ctx context.Context, artifact *DKGArtifact) error
	GetDKGArtifact(ctx context.Context, keyID string) (*DKGArtifact, error)

	// SaveSignature records the aggregated signature for a signal exactly
	// once. It returns false without writing when a record already exists,
	// which is how the one-signature-per-signal invariant is enforced
	// across restarts.
	SaveSignature(ctx context.Context, rec *SignatureRecord) (bool, error)
	GetSignature(ctx context.Context, signalID string) (*SignatureRecord, error)

	// MarkSignalObserved returns true when the signal id was not seen
	// before on the chain, recording it as observed.
	MarkSignalObserved(ctx context.Context, chain, signalID string) (bool, error)
}
