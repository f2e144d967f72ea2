package crypto

import (
	"math/big"

	"github.com/pkg/errors"
)

// SignatureSize is the length of a serialized aggregated signature:
// compressed R followed by the 32-byte scalar z.
const SignatureSize = CompressedPointSize + 32

// Signature is a Schnorr signature (R, z) verifying as z*G == R + e*Y.
type Signature struct {
	R Point
	Z *big.Int
}

// Challenge derives the signing challenge e from the aggregated nonce point,
// the group public key and the message digest.
func Challenge(r Point, groupKey Point, digest []byte) *big.Int {
	return HashToScalar(TagSignChallenge, r.Compress(), groupKey.Compress(), digest)
}

// PartialSign computes a signature share z_i = r_i + e*lambda_i*s_i mod Q.
func PartialSign(share, nonce, lambda, e *big.Int) *big.Int {
	return AddScalars(nonce, MulScalars(e, MulScalars(lambda, share)))
}

// VerifyPartial checks a signature share against the party's public share:
// z_i*G == R_i + e*lambda_i*PubShare_i.
func VerifyPartial(z *big.Int, nonce Point, pubShare Point, lambda, e *big.Int) bool {
	if z == nil || z.Sign() < 0 || z.Cmp(Q) >= 0 {
		return false
	}
	lhs := ScalarBaseMult(z)
	rhs := nonce.Add(pubShare.ScalarMult(MulScalars(e, lambda)))
	return lhs.Equal(rhs)
}

// Aggregate sums signature shares into the final scalar z.
func Aggregate(shares []*big.Int) *big.Int {
	z := big.NewInt(0)
	for _, s := range shares {
		z = AddScalars(z, s)
	}
	return z
}

// Verify checks the aggregated signature against the group public key.
func (sig *Signature) Verify(groupKey Point, digest []byte) bool {
	if sig == nil || sig.Z == nil || sig.R.IsInfinity() || groupKey.IsInfinity() {
		return false
	}
	if sig.Z.Sign() < 0 || sig.Z.Cmp(Q) >= 0 {
		return false
	}
	e := Challenge(sig.R, groupKey, digest)
	lhs := ScalarBaseMult(sig.Z)
	rhs := sig.R.Add(groupKey.ScalarMult(e))
	return lhs.Equal(rhs)
}

// Serialize encodes the signature as R(33) || z(32).
func (sig *Signature) Serialize() []byte {
	out := make([]byte, SignatureSize)
	copy(out, sig.R.Compress())
	sig.Z.FillBytes(out[CompressedPointSize:])
	return out
}

// ParseSignature decodes a signature produced by Serialize.
func ParseSignature(b []byte) (*Signature, error) {
	if len(b) != SignatureSize {
		return nil, errors.Errorf("invalid signature length: expected %d bytes, got %d", SignatureSize, len(b))
	}
	r, err := ParsePoint(b[:CompressedPointSize])
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse signature nonce point")
	}
	return &Signature{R: r, Z: new(big.Int).SetBytes(b[CompressedPointSize:])}, nil
}
