// Package intgeom stores ordinates as int64s with a fixed number of decimals
// to avoid floating point errors when dividing a world extent into tiles.
//
// The last 10 digits are decimals. That is enough to find a grain of sand
// (in degrees) and keeps the rounding error small when the span of a matrix
// is divided by its size on deep levels.
//
// That leaves 9 digits for the whole units of measurement in your CRS.
// Degrees fit easily, so do the ±20037508 metres of a web mercator world.
package intgeom

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

const (
	Precision = 10
	Half      = 5000000000
	One       = 10000000000
)

var ErrOutOfRange = errors.New("ordinate does not fit in a fixed point int64")

// M is short for measure.
// Used to indicate that a distance or ordinate is saved as an int64 and needs division by Precision (eventually).
type M = int64

// ToGeomOrd turns an ordinate represented as an integer back into a floating point
func ToGeomOrd(o M) float64 {
	if o == 0 {
		return 0.0
	}
	return float64(o) / One
}

// FromGeomOrd turns a floating point ordinate into a representation by an integer.
// Rounds to the nearest representable value.
func FromGeomOrd(o float64) M {
	return int64(math.Round(o * One))
}

// SafeFromGeomOrd is FromGeomOrd for ordinates that come from outside.
func SafeFromGeomOrd(o float64) (M, error) {
	f := math.Round(o * One)
	if math.IsNaN(f) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, o)
	}
	return int64(f), nil
}

// FloorMulDiv returns floor(a * b / c) without intermediate overflow.
// a and b must not be negative, c must be positive.
func FloorMulDiv(a, b, c M) int64 {
	if a < 0 || b < 0 || c <= 0 {
		panic(fmt.Sprintf("FloorMulDiv(%d, %d, %d): negative operand", a, b, c))
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		// the quotient does not fit in 64 bits
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}
