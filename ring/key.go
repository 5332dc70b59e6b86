package ring

import (
	"encoding/hex"
	"math/big"

	"golang.org/x/crypto/blake2b"
)

// Size is the width of the ring coordinate space in bytes (256 bits).
const Size = 32

// Key is a 256-bit unsigned coordinate on the ring ℤ/2^256. It is used both
// as the address of a stored object (the hash of a user key) and as the
// address_key of a peer (the hash of its identity).
type Key [Size]byte

// Zero is the ring origin.
var Zero Key

var modulus = new(big.Int).Lsh(big.NewInt(1), 256)

// Hash derives a ring Key from an arbitrary byte string using BLAKE2b-256,
// the one hash every peer in the network must share: it maps both user keys
// and peer identities onto the ring.
func Hash(data []byte) Key {
	sum := blake2b.Sum256(data)
	return Key(sum)
}

// String renders the key as lowercase hex, most significant byte first.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Big returns the key as a big.Int in [0, 2^256).
func (k Key) Big() *big.Int {
	return new(big.Int).SetBytes(k[:])
}

// FromBig reduces a big.Int modulo 2^256 and encodes it as a Key.
func FromBig(v *big.Int) Key {
	reduced := new(big.Int).Mod(v, modulus)
	var k Key
	reduced.FillBytes(k[:])
	return k
}

// Cmp returns -1, 0, or 1 as k is lexicographically less than, equal to, or
// greater than other. This total order is used only for deterministic
// tie-breaking (e.g. equal ring distances), never for ring arithmetic.
func (k Key) Cmp(other Key) int {
	for i := range k {
		if k[i] != other[i] {
			if k[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether k sorts before other under lexicographic order.
func (k Key) Less(other Key) bool {
	return k.Cmp(other) < 0
}

// Distance computes the ring distance d(a,b) = min(|a-b|, 2^256-|a-b|). The
// result is symmetric and never exceeds 2^255.
func Distance(a, b Key) *big.Int {
	diff := new(big.Int).Sub(a.Big(), b.Big())
	diff.Abs(diff)

	complement := new(big.Int).Sub(modulus, diff)
	if complement.Cmp(diff) < 0 {
		return complement
	}
	return diff
}

// LessDistance reports whether the ring distance from a to target is
// strictly smaller than the ring distance from b to target, breaking ties
// by the lexicographic order of a and b so that sorts are deterministic.
func LessDistance(a, b, target Key) bool {
	da := Distance(a, target)
	db := Distance(b, target)
	switch da.Cmp(db) {
	case -1:
		return true
	case 1:
		return false
	default:
		return a.Less(b)
	}
}

// Midpoint returns the ring point halfway along the arc from a forward to
// b, computed modulo 2^256. This is the arithmetic the redistribution
// engine uses to derive a peer's responsibility arc from its two ring
// neighbors.
func Midpoint(a, b Key) Key {
	sum := new(big.Int).Add(a.Big(), b.Big())
	half := new(big.Int).Rsh(sum, 1)

	// When the arc from a forward to b crosses zero (a > b), the plain
	// average lands on the opposite side of the ring; rotating it by half
	// the modulus puts it back on the wrapped arc. The sum overflowing
	// 2^256 is not the right test: two large keys with a < b overflow the
	// sum without wrapping the arc, and a wrapped arc like
	// (2^256-10, 5) never overflows the sum at all.
	if a.Big().Cmp(b.Big()) > 0 {
		half.Add(half, new(big.Int).Rsh(modulus, 1))
	}
	return FromBig(half)
}

// InArc reports whether k lies in the half-open ring interval [start, end),
// wrapping through zero when end < start. An empty arc (start == end) never
// contains a point.
func InArc(k, start, end Key) bool {
	if start == end {
		return false
	}
	if start.Less(end) {
		return !k.Less(start) && k.Less(end)
	}
	// Wrapping arc: [start, 2^256) U [0, end)
	return !k.Less(start) || k.Less(end)
}
