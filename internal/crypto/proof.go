package crypto

import (
	"encoding/hex"
	"encoding/json"
	"math/big"

	"github.com/pkg/errors"
)

// SchnorrProof is a non-interactive proof of knowledge of the discrete log
// of a commitment point. It binds the surrounding protocol context so a
// proof produced for one ceremony cannot be replayed in another.
type SchnorrProof struct {
	R Point
	S *big.Int
}

// ProveKnowledge produces a proof of knowledge of secret for
// commitment = secret*G under the given context bytes.
func ProveKnowledge(secret *big.Int, commitment Point, context []byte) (*SchnorrProof, error) {
	k, err := RandomScalar()
	if err != nil {
		return nil, errors.Wrap(err, "failed to sample proof nonce")
	}
	r := ScalarBaseMult(k)
	e := HashToScalar(TagCommitmentProof, r.Compress(), commitment.Compress(), context)
	s := AddScalars(k, MulScalars(e, secret))
	return &SchnorrProof{R: r, S: s}, nil
}

// Verify checks the proof against the commitment and context.
func (p *SchnorrProof) Verify(commitment Point, context []byte) bool {
	if p == nil || p.S == nil || p.R.IsInfinity() || commitment.IsInfinity() {
		return false
	}
	if p.S.Sign() <= 0 || p.S.Cmp(Q) >= 0 {
		return false
	}
	e := HashToScalar(TagCommitmentProof, p.R.Compress(), commitment.Compress(), context)
	lhs := ScalarBaseMult(p.S)
	rhs := p.R.Add(commitment.ScalarMult(e))
	return lhs.Equal(rhs)
}

type proofJSON struct {
	R string `json:"r"`
	S string `json:"s"`
}

// MarshalJSON serializes the proof with hex-encoded components.
func (p *SchnorrProof) MarshalJSON() ([]byte, error) {
	return json.Marshal(proofJSON{
		R: hex.EncodeToString(p.R.Compress()),
		S: hex.EncodeToString(p.S.Bytes()),
	})
}

// UnmarshalJSON parses a hex-encoded proof.
func (p *SchnorrProof) UnmarshalJSON(data []byte) error {
	var raw proofJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to unmarshal proof")
	}
	rBytes, err := hex.DecodeString(raw.R)
	if err != nil {
		return errors.Wrap(err, "failed to decode proof R")
	}
	r, err := ParsePoint(rBytes)
	if err != nil {
		return errors.Wrap(err, "failed to parse proof R")
	}
	sBytes, err := hex.DecodeString(raw.S)
	if err != nil {
		return errors.Wrap(err, "failed to decode proof S")
	}
	p.R = r
	p.S = new(big.Int).SetBytes(sBytes)
	return nil
}
