package dkg

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
	"github.com/kashguard/go-bridge-validator/internal/transport"
)

// Round enumerates the ceremony phases. Transitions are strictly forward;
// messages naming a later round than the engine's current one are buffered,
// never applied early.
type Round int

const (
	RoundInit Round = iota
	RoundCommit
	RoundVerifyCommitments
	RoundShare
	RoundVerifyShares
	RoundAssemble
	RoundPubShare
	RoundAggregate
	RoundDone
	RoundFailed
)

func (r Round) String() string {
	switch r {
	case RoundInit:
		return "INIT"
	case RoundCommit:
		return "R1_COMMIT"
	case RoundVerifyCommitments:
		return "R2_VERIFY"
	case RoundShare:
		return "R3_SHARE"
	case RoundVerifyShares:
		return "R4_VERIFY"
	case RoundAssemble:
		return "R5_ASSEMBLE"
	case RoundPubShare:
		return "R6_PUBSHARE"
	case RoundAggregate:
		return "R7_AGGREGATE"
	case RoundDone:
		return "DONE"
	case RoundFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("ROUND(%d)", int(r))
	}
}

// ErrCeremonyActive is returned when a second ceremony is started while one
// is running. The engine is strictly single-instance.
var ErrCeremonyActive = errors.New("a DKG ceremony is already running")

// TimeoutError reports a round that expired before every party delivered.
type TimeoutError struct {
	Round   Round
	Missing []transport.PartyID
}

func (e *TimeoutError) Error() string {
	ids := make([]int, 0, len(e.Missing))
	for _, id := range e.Missing {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	return fmt.Sprintf("dkg timeout in round %s, missing parties %v", e.Round, ids)
}

// ProtocolError reports a faulting party and what it did.
type ProtocolError struct {
	Party  transport.PartyID
	Round  Round
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dkg protocol violation by party %d in round %s: %s", e.Party, e.Round, e.Reason)
}

// Config parameterizes the engine for this party.
type Config struct {
	PartyID   transport.PartyID
	Threshold int
	Parties   int
	// KeyID names the slot the resulting share is persisted under.
	KeyID string
	// RoundTimeout bounds each of the seven rounds (default 60s).
	RoundTimeout time.Duration
}

// Validate checks the threshold parameters.
func (c Config) Validate() error {
	if c.Parties < 2 {
		return errors.New("total parties must be at least 2")
	}
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

// Result is what a successful ceremony leaves behind, besides the key share
// persisted through the key store.
type Result struct {
	CeremonyID   string
	KeyID        string
	GroupKey     crypto.Point
	PublicShares map[transport.PartyID]crypto.Point
	Participants []transport.PartyID
}
