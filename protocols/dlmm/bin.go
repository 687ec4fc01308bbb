package dlmm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/dlmmmath"
)

// SwapExactAmountIn consumes up to amountIn against the bin at its fixed
// price and returns (amountInUsed, amountOut, fee, protocolFee). The fee is
// carved out of the input before conversion; when the bin cannot absorb the
// full input it is drained and the used input is recomputed from the
// available output, fee on top. Inventory moves by the net input — fee
// tokens are settled through growth accumulators and the protocol sink, so
// the constant-sum relation between inventory and liquidity supply holds.
func (b *Bin) SwapExactAmountIn(amountIn uint64, a2b bool, feeRate, protocolFeeRate uint64) (uint64, uint64, uint64, uint64, error) {
	available := b.AmountA
	if a2b {
		available = b.AmountB
	}
	if available == 0 {
		return 0, 0, 0, 0, nil
	}

	fee, err := dlmmmath.FeeInclusive(amountIn, feeRate)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	amountOut, err := dlmmmath.AmountOutFromIn(amountIn-fee, b.Price, a2b)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	amountInUsed := amountIn
	if amountOut > available {
		// Drain the bin: price the full available output, fee on top.
		inNoFee, err := dlmmmath.AmountInFromOut(available, b.Price, a2b)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		fee, err = dlmmmath.FeeExclusive(inNoFee, feeRate)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		amountInUsed = inNoFee + fee
		if amountInUsed > amountIn {
			return 0, 0, 0, 0, fmt.Errorf("%w: drained input exceeds remaining", ErrAmountOverflow)
		}
		amountOut = available
	}

	protocolFee, err := dlmmmath.FeeInclusive(fee, protocolFeeRate)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	if a2b {
		b.AmountA += amountInUsed - fee
		b.AmountB -= amountOut
	} else {
		b.AmountB += amountInUsed - fee
		b.AmountA -= amountOut
	}
	return amountInUsed, amountOut, fee, protocolFee, nil
}

// SwapExactAmountOut obtains up to amountOut from the bin and returns the
// gross input required, fee included. The output is clamped to the bin's
// inventory; the caller advances to the next bin for the rest.
func (b *Bin) SwapExactAmountOut(amountOut uint64, a2b bool, feeRate, protocolFeeRate uint64) (uint64, uint64, uint64, uint64, error) {
	available := b.AmountA
	if a2b {
		available = b.AmountB
	}
	if available == 0 {
		return 0, 0, 0, 0, nil
	}

	allowOut := amountOut
	if available < allowOut {
		allowOut = available
	}
	inNoFee, err := dlmmmath.AmountInFromOut(allowOut, b.Price, a2b)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	fee, err := dlmmmath.FeeExclusive(inNoFee, feeRate)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	protocolFee, err := dlmmmath.FeeInclusive(fee, protocolFeeRate)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	if a2b {
		b.AmountA += inNoFee
		b.AmountB -= allowOut
	} else {
		b.AmountB += inNoFee
		b.AmountA -= allowOut
	}
	return inNoFee + fee, allowOut, fee, protocolFee, nil
}

// AccrueFeeA credits an LP fee denominated in token A to the bin's growth
// accumulator. Bins without liquidity supply cannot accrue.
func (b *Bin) AccrueFeeA(lpFee uint64) error {
	if lpFee == 0 || b.LiquiditySupply.IsZero() {
		return nil
	}
	growth, err := dlmmmath.GrowthFromAmount(lpFee, b.LiquiditySupply)
	if err != nil {
		return err
	}
	b.FeeAGrowthGlobal.Add(b.FeeAGrowthGlobal, growth)
	return nil
}

// AccrueFeeB credits an LP fee denominated in token B.
func (b *Bin) AccrueFeeB(lpFee uint64) error {
	if lpFee == 0 || b.LiquiditySupply.IsZero() {
		return nil
	}
	growth, err := dlmmmath.GrowthFromAmount(lpFee, b.LiquiditySupply)
	if err != nil {
		return err
	}
	b.FeeBGrowthGlobal.Add(b.FeeBGrowthGlobal, growth)
	return nil
}

// Deposit adds inventory and mints liquidity supply.
func (b *Bin) Deposit(amountA, amountB uint64, deltaL *uint256.Int) {
	b.AmountA += amountA
	b.AmountB += amountB
	b.LiquiditySupply.Add(b.LiquiditySupply, deltaL)
}

// Withdraw burns a share of the supply and returns the proportional
// inventory split, floor-rounded on both sides.
func (b *Bin) Withdraw(deltaL *uint256.Int) (uint64, uint64, error) {
	if deltaL.Gt(b.LiquiditySupply) {
		return 0, 0, ErrLiquidityUnderflow
	}
	outA, outB, err := dlmmmath.AmountsFromLiquidity(b.AmountA, b.AmountB, deltaL, b.LiquiditySupply)
	if err != nil {
		return 0, 0, err
	}
	b.LiquiditySupply.Sub(b.LiquiditySupply, deltaL)
	if b.LiquiditySupply.IsZero() {
		// The last share takes the rounding dust with it.
		outA, outB = b.AmountA, b.AmountB
		b.AmountA, b.AmountB = 0, 0
		return outA, outB, nil
	}
	b.AmountA -= outA
	b.AmountB -= outB
	return outA, outB, nil
}
