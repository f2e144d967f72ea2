package crypto

import (
	"crypto/sha256"
	"math/big"
)

// Domain-separation tags. Every hash-to-scalar in the protocol uses a
// distinct tag so transcripts from different sub-protocols cannot collide.
const (
	TagCommitmentProof = "bridge/dkg/pok/v1"
	TagSignChallenge   = "bridge/sign/challenge/v1"
	TagNonceCommitment = "bridge/sign/nonce-commit/v1"
	TagSignalMessage   = "bridge/signal/message/v1"
)

// TaggedHash computes the BIP-340 style tagged hash
// SHA256(SHA256(tag) || SHA256(tag) || chunk_0 || ... || chunk_n).
func TaggedHash(tag string, chunks ...[]byte) []byte {
	tagDigest := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagDigest[:])
	h.Write(tagDigest[:])
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

// HashToScalar reduces a tagged hash of the chunks into a scalar mod Q.
func HashToScalar(tag string, chunks ...[]byte) *big.Int {
	digest := TaggedHash(tag, chunks...)
	e := new(big.Int).SetBytes(digest)
	return e.Mod(e, Q)
}
