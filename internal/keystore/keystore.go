package keystore

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
)

// Algorithm tags recorded in key metadata. Sign requests naming a different
// algorithm are refused with ErrAlgorithmMismatch.
const (
	AlgorithmSchnorrSecp256k1 = "schnorr-secp256k1"
	AlgorithmECDSASecp256k1   = "ecdsa-secp256k1"
)

// Failure kinds. All four are non-retryable locally; callers propagate
// them.
var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyExists          = errors.New("key already exists")
	ErrAlgorithmMismatch  = errors.New("algorithm mismatch")
	ErrBackendUnavailable = errors.New("key store backend unavailable")
)

// Metadata describes a stored key share.
type Metadata struct {
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`
	Usages    []string  `json:"usages"`
}

// PartialSignParams carries the per-request context a threshold signature
// share needs. The challenge is recomputed inside the store from the
// aggregated nonce, group key and digest, so a caller cannot choose it.
type PartialSignParams struct {
	Algorithm       string
	Nonce           *big.Int     // this party's nonce scalar r_i
	AggregatedNonce crypto.Point // R = sum of all nonce points
	GroupKey        crypto.Point // Y
	Lambda          *big.Int     // Lagrange coefficient for this party
}

// Store is the oracle over this party's long-lived key share. The share
// scalar never leaves the store's control domain in plaintext: signing
// happens inside, and Put on an existing key fails unless the caller
// explicitly deletes it first.
type Store interface {
	// Put writes the 32-byte share scalar atomically.
	Put(ctx context.Context, keyID string, share []byte, meta Metadata) error

	// Sign produces a standalone Schnorr signature with the share. Used by
	// the remote-attestation paths, not the threshold ceremony.
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)

	// PartialSign produces this party's threshold signature share
	// z = r + e*lambda*s mod Q for one signing request.
	PartialSign(ctx context.Context, keyID string, digest []byte, params PartialSignParams) (*big.Int, error)

	// PublicKey returns the public share s*G.
	PublicKey(ctx context.Context, keyID string) (crypto.Point, error)

	// Metadata returns the stored metadata for a key.
	Metadata(ctx context.Context, keyID string) (*Metadata, error)

	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, keyID string) error
}

// partialSign implements the threshold share computation every backend
// shares once it has the plaintext scalar in hand.
func partialSign(share *big.Int, digest []byte, params PartialSignParams) (*big.Int, error) {
	if params.Nonce == nil || params.Lambda == nil {
		return nil, errors.New("nonce and lambda are required")
	}
	if params.AggregatedNonce.IsInfinity() || params.GroupKey.IsInfinity() {
		return nil, errors.New("aggregated nonce and group key are required")
	}
	e := crypto.Challenge(params.AggregatedNonce, params.GroupKey, digest)
	return crypto.PartialSign(share, params.Nonce, params.Lambda, e), nil
}

// signStandalone implements the plain Schnorr sign oracle.
func signStandalone(share *big.Int, digest []byte) ([]byte, error) {
	nonce, err := crypto.RandomScalar()
	if err != nil {
		return nil, errors.Wrap(err, "failed to sample signing nonce")
	}
	r := crypto.ScalarBaseMult(nonce)
	pub := crypto.ScalarBaseMult(share)
	e := crypto.Challenge(r, pub, digest)
	z := crypto.AddScalars(nonce, crypto.MulScalars(e, share))
	sig := &crypto.Signature{R: r, Z: z}
	return sig.Serialize(), nil
}

func checkAlgorithm(meta Metadata, requested string) error {
	if requested != "" && requested != meta.Algorithm {
		return errors.Wrapf(ErrAlgorithmMismatch, "key is %s, request wants %s", meta.Algorithm, requested)
	}
	return nil
}
