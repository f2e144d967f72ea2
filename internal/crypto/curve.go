package crypto

import (
	"crypto/rand"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
)

// Q is the order of the secp256k1 group. All scalar arithmetic in this
// package is performed modulo Q.
var Q = secp256k1.S256().Params().N

// CompressedPointSize is the length of a serialized curve point.
const CompressedPointSize = 33

// Point is an affine point on secp256k1. The zero value is the point at
// infinity.
type Point struct {
	X *big.Int
	Y *big.Int
}

// IsInfinity reports whether p is the point at infinity.
func (p Point) IsInfinity() bool {
	if p.X == nil || p.Y == nil {
		return true
	}
	return p.X.Sign() == 0 && p.Y.Sign() == 0
}

// ScalarBaseMult returns k*G.
func ScalarBaseMult(k *big.Int) Point {
	x, y := secp256k1.S256().ScalarBaseMult(new(big.Int).Mod(k, Q).Bytes())
	return Point{X: x, Y: y}
}

// ScalarMult returns k*p.
func (p Point) ScalarMult(k *big.Int) Point {
	if p.IsInfinity() {
		return Point{}
	}
	x, y := secp256k1.S256().ScalarMult(p.X, p.Y, new(big.Int).Mod(k, Q).Bytes())
	return Point{X: x, Y: y}
}

// Add returns p+q on the curve.
func (p Point) Add(q Point) Point {
	if p.IsInfinity() {
		return q
	}
	if q.IsInfinity() {
		return p
	}
	x, y := secp256k1.S256().Add(p.X, p.Y, q.X, q.Y)
	return Point{X: x, Y: y}
}

// Equal reports whether two points are the same.
func (p Point) Equal(q Point) bool {
	if p.IsInfinity() || q.IsInfinity() {
		return p.IsInfinity() == q.IsInfinity()
	}
	return p.X.Cmp(q.X) == 0 && p.Y.Cmp(q.Y) == 0
}

// Compress serializes p in 33-byte compressed SEC form.
func (p Point) Compress() []byte {
	out := make([]byte, CompressedPointSize)
	if p.IsInfinity() {
		return out
	}
	out[0] = 0x02 | byte(p.Y.Bit(0))
	p.X.FillBytes(out[1:])
	return out
}

// ParsePoint deserializes a compressed or uncompressed point and validates
// that it lies on the curve.
func ParsePoint(b []byte) (Point, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return Point{}, errors.Wrap(err, "failed to parse curve point")
	}
	return Point{X: pub.X(), Y: pub.Y()}, nil
}

// RandomScalar samples a uniform scalar in [1, Q-1].
func RandomScalar() (*big.Int, error) {
	max := new(big.Int).Sub(Q, big.NewInt(1))
	k, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sample scalar")
	}
	return k.Add(k, big.NewInt(1)), nil
}

// AddScalars returns a+b mod Q.
func AddScalars(a, b *big.Int) *big.Int {
	sum := new(big.Int).Add(a, b)
	return sum.Mod(sum, Q)
}

// MulScalars returns a*b mod Q.
func MulScalars(a, b *big.Int) *big.Int {
	prod := new(big.Int).Mul(a, b)
	return prod.Mod(prod, Q)
}

// LagrangeCoefficient computes the Lagrange basis polynomial for party id
// evaluated at zero over the given participant set. The set must contain id.
func LagrangeCoefficient(id int, participants []int) (*big.Int, error) {
	found := false
	for _, j := range participants {
		if j == id {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("party %d not in participant set", id)
	}

	num := big.NewInt(1)
	den := big.NewInt(1)
	for _, j := range participants {
		if j == id {
			continue
		}
		num.Mul(num, big.NewInt(int64(j)))
		num.Mod(num, Q)
		den.Mul(den, big.NewInt(int64(j-id)))
		den.Mod(den, Q)
	}
	denInv := new(big.Int).ModInverse(den, Q)
	if denInv == nil {
		return nil, errors.New("participant set produces degenerate denominator")
	}
	return MulScalars(num, denInv), nil
}
