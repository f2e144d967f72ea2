package crypto

import (
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// thresholdFixture builds Shamir shares of a random secret for a 3-of-5
// committee and returns the shares, public shares and group key.
func thresholdFixture(t *testing.T) (shares map[int]*big.Int, pubShares map[int]Point, groupKey Point) {
	t.Helper()

	secret, err := RandomScalar()
	require.NoError(t, err)
	c1, err := RandomScalar()
	require.NoError(t, err)
	c2, err := RandomScalar()
	require.NoError(t, err)

	shares = make(map[int]*big.Int)
	pubShares = make(map[int]Point)
	for id := 1; id <= 5; id++ {
		x := big.NewInt(int64(id))
		v := new(big.Int).Set(secret)
		v = AddScalars(v, MulScalars(c1, x))
		v = AddScalars(v, MulScalars(c2, MulScalars(x, x)))
		shares[id] = v
		pubShares[id] = ScalarBaseMult(v)
	}
	return shares, pubShares, ScalarBaseMult(secret)
}

func TestThresholdSigningFlow(t *testing.T) {
	shares, pubShares, groupKey := thresholdFixture(t)
	digest := sha256.Sum256([]byte("signal payload"))
	participants := []int{1, 2, 3}

	// Each participant samples a nonce; the aggregated nonce point fixes
	// the challenge for all of them.
	nonces := make(map[int]*big.Int)
	var r Point
	for _, id := range participants {
		n, err := RandomScalar()
		require.NoError(t, err)
		nonces[id] = n
		r = r.Add(ScalarBaseMult(n))
	}
	e := Challenge(r, groupKey, digest[:])

	var zShares []*big.Int
	for _, id := range participants {
		lambda, err := LagrangeCoefficient(id, participants)
		require.NoError(t, err)
		z := PartialSign(shares[id], nonces[id], lambda, e)
		assert.True(t, VerifyPartial(z, ScalarBaseMult(nonces[id]), pubShares[id], lambda, e),
			"partial from party %d must verify", id)
		zShares = append(zShares, z)
	}

	sig := &Signature{R: r, Z: Aggregate(zShares)}
	assert.True(t, sig.Verify(groupKey, digest[:]))

	// A different message must not verify under the same signature.
	other := sha256.Sum256([]byte("other payload"))
	assert.False(t, sig.Verify(groupKey, other[:]))
}

func TestVerifyPartialRejectsWrongShare(t *testing.T) {
	shares, pubShares, groupKey := thresholdFixture(t)
	digest := sha256.Sum256([]byte("msg"))
	participants := []int{1, 2, 3}

	nonce, err := RandomScalar()
	require.NoError(t, err)
	r := ScalarBaseMult(nonce)
	e := Challenge(r, groupKey, digest[:])
	lambda, err := LagrangeCoefficient(2, participants)
	require.NoError(t, err)

	// Party 2 signs with party 4's share: the partial must not verify
	// against party 2's public share.
	z := PartialSign(shares[4], nonce, lambda, e)
	assert.False(t, VerifyPartial(z, r, pubShares[2], lambda, e))
}

func TestSignatureSerializeRoundTrip(t *testing.T) {
	k, err := RandomScalar()
	require.NoError(t, err)
	z, err := RandomScalar()
	require.NoError(t, err)

	sig := &Signature{R: ScalarBaseMult(k), Z: z}
	parsed, err := ParseSignature(sig.Serialize())
	require.NoError(t, err)
	assert.True(t, sig.R.Equal(parsed.R))
	assert.Equal(t, 0, sig.Z.Cmp(parsed.Z))

	_, err = ParseSignature(sig.Serialize()[:SignatureSize-1])
	assert.Error(t, err)
}

func TestTaggedHashDomainSeparation(t *testing.T) {
	msg := []byte("payload")
	assert.Equal(t, TaggedHash(TagSignalMessage, msg), TaggedHash(TagSignalMessage, msg))
	assert.NotEqual(t, TaggedHash(TagSignalMessage, msg), TaggedHash(TagSignChallenge, msg))
}
