package dlmmmath

import (
	"errors"
	"math"

	"github.com/holiman/uint256"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/pricemath"
)

const (
	// FeePrecision is the denominator of every fee rate (1e9 = 100%).
	FeePrecision = 1_000_000_000

	// MaxFeeRate caps the total swap fee at 10%.
	MaxFeeRate = 100_000_000
)

var (
	ErrPriceZero         = errors.New("price is zero")
	ErrAmountOverflow    = errors.New("amount overflow")
	ErrLiquidityOverflow = errors.New("liquidity overflow")
	ErrGrowthOverflow    = errors.New("growth overflow")
	ErrFeeRateInvalid    = errors.New("fee rate exceeds precision")
	ErrDivisionByZero    = errors.New("division by zero")

	// one128 is 1 << 128, the scale between growth accumulators and amounts.
	one128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	maxUint64 = uint256.NewInt(math.MaxUint64)
)

// MulDiv computes (x * y) / denominator in 256-bit space. With roundUp the
// quotient is rounded toward positive infinity.
func MulDiv(x, y, denominator *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, ErrDivisionByZero
	}
	product := new(uint256.Int).Mul(x, y)
	quotient, rem := new(uint256.Int).DivMod(product, denominator, new(uint256.Int))
	if roundUp && !rem.IsZero() {
		quotient.AddUint64(quotient, 1)
	}
	return quotient, nil
}

// AmountOutFromIn converts an input amount at a Q64.64 bin price, rounding
// down. The output side is what the pool pays, so it always floors.
func AmountOutFromIn(amountIn uint64, price *uint256.Int, a2b bool) (uint64, error) {
	if price.IsZero() {
		return 0, ErrPriceZero
	}
	if amountIn == 0 {
		return 0, nil
	}
	in := uint256.NewInt(amountIn)
	var r *uint256.Int
	var err error
	if a2b {
		r, err = MulDiv(in, price, pricemath.One, false)
	} else {
		r, err = MulDiv(in, pricemath.One, price, false)
	}
	if err != nil {
		return 0, err
	}
	if r.Gt(maxUint64) {
		return 0, ErrAmountOverflow
	}
	return r.Uint64(), nil
}

// AmountInFromOut converts a desired output amount at a Q64.64 bin price,
// rounding up. The input side is what the pool receives, so it always ceils.
func AmountInFromOut(amountOut uint64, price *uint256.Int, a2b bool) (uint64, error) {
	if price.IsZero() {
		return 0, ErrPriceZero
	}
	if amountOut == 0 {
		return 0, nil
	}
	out := uint256.NewInt(amountOut)
	var r *uint256.Int
	var err error
	if a2b {
		r, err = MulDiv(out, pricemath.One, price, true)
	} else {
		r, err = MulDiv(out, price, pricemath.One, true)
	}
	if err != nil {
		return 0, err
	}
	if r.Gt(maxUint64) {
		return 0, ErrAmountOverflow
	}
	return r.Uint64(), nil
}

// FeeInclusive calculates the fee contained in a gross amount:
// ceil(amount * feeRate / FeePrecision).
func FeeInclusive(amount uint64, feeRate uint64) (uint64, error) {
	if amount == 0 || feeRate == 0 {
		return 0, nil
	}
	if feeRate > FeePrecision {
		return 0, ErrFeeRateInvalid
	}
	r, err := MulDiv(uint256.NewInt(amount), uint256.NewInt(feeRate), uint256.NewInt(FeePrecision), true)
	if err != nil {
		return 0, err
	}
	if r.Gt(maxUint64) {
		return 0, ErrAmountOverflow
	}
	return r.Uint64(), nil
}

// FeeExclusive calculates the fee that must be charged on top of a net
// amount: ceil(amount * feeRate / (FeePrecision - feeRate)).
func FeeExclusive(amount uint64, feeRate uint64) (uint64, error) {
	if amount == 0 || feeRate == 0 {
		return 0, nil
	}
	if feeRate >= FeePrecision {
		return 0, ErrFeeRateInvalid
	}
	r, err := MulDiv(uint256.NewInt(amount), uint256.NewInt(feeRate), uint256.NewInt(FeePrecision-feeRate), true)
	if err != nil {
		return 0, err
	}
	if r.Gt(maxUint64) {
		return 0, ErrAmountOverflow
	}
	return r.Uint64(), nil
}

// CompositionFee calculates the fee charged on liquidity that crosses the
// active price: floor(amount * rate * (FeePrecision + rate) / FeePrecision^2).
// The quadratic term mirrors a swap fee being charged on its own fee. The
// rate must not exceed MaxFeeRate, which keeps the result strictly below
// amount.
func CompositionFee(amount uint64, feeRate uint64) (uint64, error) {
	if feeRate > MaxFeeRate {
		return 0, ErrFeeRateInvalid
	}
	if amount == 0 || feeRate == 0 {
		return 0, nil
	}
	numerator := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(feeRate))
	numerator.Mul(numerator, uint256.NewInt(FeePrecision+feeRate))
	denominator := new(uint256.Int).Mul(uint256.NewInt(FeePrecision), uint256.NewInt(FeePrecision))
	fee := numerator.Div(numerator, denominator)
	if fee.Gt(maxUint64) {
		return 0, ErrAmountOverflow
	}
	return fee.Uint64(), nil
}

// LiquidityFromAmounts measures a two-sided deposit in constant-sum
// liquidity units: price * amountA + (amountB << 64). The result is Q64.64
// and must fit in 128 bits.
func LiquidityFromAmounts(amountA, amountB uint64, price *uint256.Int) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, ErrPriceZero
	}
	l := new(uint256.Int).Mul(price, uint256.NewInt(amountA))
	b := new(uint256.Int).Lsh(uint256.NewInt(amountB), 64)
	l.Add(l, b)
	if l.BitLen() > 128 {
		return nil, ErrLiquidityOverflow
	}
	return l, nil
}

// AmountsFromLiquidity splits a bin's inventory proportionally to a share of
// its liquidity supply, rounding both sides down.
func AmountsFromLiquidity(amountA, amountB uint64, deltaL, supply *uint256.Int) (uint64, uint64, error) {
	if supply.IsZero() {
		return 0, 0, ErrDivisionByZero
	}
	outA, err := MulDiv(uint256.NewInt(amountA), deltaL, supply, false)
	if err != nil {
		return 0, 0, err
	}
	outB, err := MulDiv(uint256.NewInt(amountB), deltaL, supply, false)
	if err != nil {
		return 0, 0, err
	}
	if outA.Gt(maxUint64) || outB.Gt(maxUint64) {
		return 0, 0, ErrAmountOverflow
	}
	return outA.Uint64(), outB.Uint64(), nil
}

// GrowthFromAmount converts a fee or reward amount into per-unit-liquidity
// growth: floor(amount * 2^128 / liquidity). The result must fit in 128 bits.
func GrowthFromAmount(amount uint64, liquidity *uint256.Int) (*uint256.Int, error) {
	if liquidity.IsZero() {
		return nil, ErrDivisionByZero
	}
	g := new(uint256.Int).Mul(uint256.NewInt(amount), one128)
	g.Div(g, liquidity)
	if g.BitLen() > 128 {
		return nil, ErrGrowthOverflow
	}
	return g, nil
}

// AmountFromGrowth converts a growth delta back into an amount owed to a
// liquidity share: floor(growthDelta * liquidity / 2^128).
func AmountFromGrowth(growthDelta, liquidity *uint256.Int) (uint64, error) {
	r := new(uint256.Int).Mul(growthDelta, liquidity)
	r.Div(r, one128)
	if r.Gt(maxUint64) {
		return 0, ErrAmountOverflow
	}
	return r.Uint64(), nil
}
