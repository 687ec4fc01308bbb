package pricemath

import (
	"errors"

	"github.com/holiman/uint256"
)

const (
	// ScaleOffset is the number of fractional bits in a Q64.64 value.
	ScaleOffset = 64

	// MinBinID is the smallest bin id a pool may hold.
	MinBinID = int32(-443636)
	// MaxBinID is the largest bin id a pool may hold.
	MaxBinID = int32(443636)

	// BasisPointMax is the denominator of bin-step ratios (1 bp = 1/10000).
	BasisPointMax = 10000

	// maxExponent bounds |exp| in PowQ64; larger exponents overflow Q64.64.
	maxExponent = 0x80000
)

var (
	ErrBinIDOutOfBounds = errors.New("bin id out of bounds")
	ErrExponentOverflow = errors.New("exponent overflow")
	ErrPriceZero        = errors.New("price underflowed to zero")

	// One is 1.0 in Q64.64.
	One = uint256.NewInt(0).Lsh(uint256.NewInt(1), ScaleOffset)

	// maxUint128 is the largest value a Q64.64 number may take.
	maxUint128 = uint256.NewInt(0).SubUint64(uint256.NewInt(0).Lsh(uint256.NewInt(1), 128), 1)

	tenThousand = uint256.NewInt(BasisPointMax)
)

// PriceFromID calculates (1 + binStep/10000)^id as a Q64.64 value.
// binStep is in ten-thousandths; id must lie in [MinBinID, MaxBinID].
func PriceFromID(id int32, binStep uint16) (*uint256.Int, error) {
	if id < MinBinID || id > MaxBinID {
		return nil, ErrBinIDOutOfBounds
	}

	// bps = binStep/10000 in Q64.64
	bps := new(uint256.Int).Lsh(uint256.NewInt(uint64(binStep)), ScaleOffset)
	bps.Div(bps, tenThousand)

	base := new(uint256.Int).Add(One, bps)
	return PowQ64(base, id)
}

// PowQ64 raises a Q64.64 base to an integer exponent using binary
// exponentiation. Negative exponents invert the result. To keep every
// intermediate product inside 128 bits, a base above 1.0 is replaced by
// maxUint128/base with the inversion flag toggled.
func PowQ64(base *uint256.Int, exp int32) (*uint256.Int, error) {
	invert := exp < 0

	if exp == 0 {
		return new(uint256.Int).Set(One), nil
	}

	absExp := uint32(exp)
	if invert {
		absExp = uint32(-int64(exp))
	}
	if absExp >= maxExponent {
		return nil, ErrExponentOverflow
	}

	squared := new(uint256.Int).Set(base)
	result := new(uint256.Int).Set(One)

	if squared.Cmp(result) >= 0 {
		squared.Div(maxUint128, squared)
		invert = !invert
	}

	// 19 bits cover every exponent below maxExponent.
	for bit := 0; bit < 19; bit++ {
		if absExp&(1<<bit) != 0 {
			result.Mul(result, squared)
			result.Rsh(result, ScaleOffset)
		}
		squared.Mul(squared, squared)
		squared.Rsh(squared, ScaleOffset)
	}

	if result.IsZero() {
		return nil, ErrPriceZero
	}

	if invert {
		result.Div(maxUint128, result)
	}

	return result, nil
}

// ScoreFromID maps a bin id onto the non-negative score axis used by the
// bin store. Score ordering matches id ordering.
func ScoreFromID(id int32) (uint32, error) {
	if id < MinBinID || id > MaxBinID {
		return 0, ErrBinIDOutOfBounds
	}
	return uint32(id - MinBinID), nil
}

// IDFromScore is the inverse of ScoreFromID.
func IDFromScore(score uint32) (int32, error) {
	id := int64(score) + int64(MinBinID)
	if id > int64(MaxBinID) {
		return 0, ErrBinIDOutOfBounds
	}
	return int32(id), nil
}
