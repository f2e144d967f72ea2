package dkg

import (
	"math/big"

	"github.com/pkg/errors"

	"github.com/kashguard/go-bridge-validator/internal/crypto"
)

// Polynomial is a party's secret sharing polynomial of degree t-1 over the
// curve order. The constant term is the party's contribution to the group
// secret.
type Polynomial struct {
	coeffs []*big.Int
}

// NewPolynomial samples t random coefficients in [1, Q-1].
func NewPolynomial(threshold int) (*Polynomial, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	coeffs := make([]*big.Int, threshold)
	for k := range coeffs {
		c, err := crypto.RandomScalar()
		if err != nil {
			return nil, errors.Wrap(err, "failed to sample polynomial coefficient")
		}
		coeffs[k] = c
	}
	return &Polynomial{coeffs: coeffs}, nil
}

// Secret returns the constant term a_0.
func (p *Polynomial) Secret() *big.Int {
	return new(big.Int).Set(p.coeffs[0])
}

// Evaluate computes f(x) by Horner's rule. x is a party id, never zero.
func (p *Polynomial) Evaluate(x int) (*big.Int, error) {
	if x < 1 {
		return nil, errors.Errorf("invalid evaluation point %d", x)
	}
	xi := big.NewInt(int64(x))
	acc := new(big.Int).Set(p.coeffs[len(p.coeffs)-1])
	for k := len(p.coeffs) - 2; k >= 0; k-- {
		acc = crypto.AddScalars(crypto.MulScalars(acc, xi), p.coeffs[k])
	}
	return acc, nil
}

// Commitments returns the Feldman commitments C_k = a_k * G.
func (p *Polynomial) Commitments() []crypto.Point {
	comms := make([]crypto.Point, len(p.coeffs))
	for k, c := range p.coeffs {
		comms[k] = crypto.ScalarBaseMult(c)
	}
	return comms
}

// EvaluateCommitments computes sum_k x^k * C_k, the public image of f(x),
// by Horner's rule over points.
func EvaluateCommitments(comms []crypto.Point, x int) crypto.Point {
	xi := big.NewInt(int64(x))
	acc := comms[len(comms)-1]
	for k := len(comms) - 2; k >= 0; k-- {
		acc = acc.ScalarMult(xi).Add(comms[k])
	}
	return acc
}

// VerifyShare performs the Feldman check
// share * G == sum_k x^k * C_k.
func VerifyShare(share *big.Int, x int, comms []crypto.Point) bool {
	if share == nil || share.Sign() <= 0 || share.Cmp(crypto.Q) >= 0 {
		return false
	}
	if len(comms) == 0 {
		return false
	}
	lhs := crypto.ScalarBaseMult(share)
	rhs := EvaluateCommitments(comms, x)
	return lhs.Equal(rhs)
}
