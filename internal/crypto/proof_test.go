package crypto

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProofRoundTrip(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	commitment := ScalarBaseMult(secret)
	ctx := []byte("ceremony-1:party-3")

	proof, err := ProveKnowledge(secret, commitment, ctx)
	require.NoError(t, err)
	assert.True(t, proof.Verify(commitment, ctx))
}

func TestProofRejectsWrongContext(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	commitment := ScalarBaseMult(secret)

	proof, err := ProveKnowledge(secret, commitment, []byte("ceremony-1"))
	require.NoError(t, err)
	assert.False(t, proof.Verify(commitment, []byte("ceremony-2")))
}

func TestProofRejectsWrongCommitment(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	other, err := RandomScalar()
	require.NoError(t, err)

	proof, err := ProveKnowledge(secret, ScalarBaseMult(secret), nil)
	require.NoError(t, err)
	assert.False(t, proof.Verify(ScalarBaseMult(other), nil))
}

func TestProofRejectsTamperedScalar(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	commitment := ScalarBaseMult(secret)

	proof, err := ProveKnowledge(secret, commitment, nil)
	require.NoError(t, err)
	proof.S = AddScalars(proof.S, big.NewInt(1))
	assert.False(t, proof.Verify(commitment, nil))
}

func TestProofJSONRoundTrip(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	commitment := ScalarBaseMult(secret)

	proof, err := ProveKnowledge(secret, commitment, []byte("ctx"))
	require.NoError(t, err)

	data, err := json.Marshal(proof)
	require.NoError(t, err)

	var decoded SchnorrProof
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Verify(commitment, []byte("ctx")))
}
