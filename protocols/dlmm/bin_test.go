package dlmm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/dlmmmath"
)

func unitPrice() *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(1), 64)
}

func makeBin(t *testing.T, id int32, amountA, amountB uint64, price *uint256.Int) *Bin {
	t.Helper()
	b := NewBin(id, price)
	l, err := dlmmmath.LiquidityFromAmounts(amountA, amountB, price)
	require.NoError(t, err)
	b.Deposit(amountA, amountB, l)
	return b
}

func TestBin_SwapExactIn_PartialFill(t *testing.T) {
	b := makeBin(t, 0, 1_000_000, 500_000, unitPrice())

	in, out, fee, protocolFee, err := b.SwapExactAmountIn(200_000, true, 30_000, 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(200_000), in)
	assert.Equal(t, uint64(6), fee, "ceil(200000*30000/1e9)")
	assert.Equal(t, uint64(199_994), out, "net input at unit price")
	assert.Zero(t, protocolFee)

	assert.Equal(t, uint64(1_000_000+in-fee), b.AmountA)
	assert.Equal(t, uint64(500_000-out), b.AmountB)
}

func TestBin_SwapExactIn_Drains(t *testing.T) {
	b := makeBin(t, 0, 0, 100_000, unitPrice())

	in, out, fee, _, err := b.SwapExactAmountIn(500_000, true, 30_000, 1000)
	require.NoError(t, err)

	assert.Equal(t, uint64(100_000), out, "whole b side consumed")
	assert.Less(t, in, uint64(500_000), "drained bin uses part of the input")
	assert.Equal(t, uint64(100_000+fee), in, "input is repriced output plus fee on top")
	assert.Zero(t, b.AmountB)
	assert.Equal(t, uint64(100_000), b.AmountA, "net input joins inventory")
}

func TestBin_SwapExactIn_EmptySide(t *testing.T) {
	b := makeBin(t, 0, 50_000, 0, unitPrice())

	in, out, fee, protocolFee, err := b.SwapExactAmountIn(500_000, true, 30_000, 1000)
	require.NoError(t, err)
	assert.Zero(t, in)
	assert.Zero(t, out)
	assert.Zero(t, fee)
	assert.Zero(t, protocolFee)
}

func TestBin_SwapExactIn_B2A(t *testing.T) {
	b := makeBin(t, 0, 1_000_000, 500_000, unitPrice())

	in, out, fee, _, err := b.SwapExactAmountIn(100_000, false, 30_000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), in)
	assert.Equal(t, uint64(3), fee)
	assert.Equal(t, uint64(99_997), out)
	assert.Equal(t, uint64(1_000_000-out), b.AmountA)
	assert.Equal(t, uint64(500_000+in-fee), b.AmountB)
}

func TestBin_SwapExactOut(t *testing.T) {
	b := makeBin(t, 0, 1_000_000, 500_000, unitPrice())

	in, out, fee, protocolFee, err := b.SwapExactAmountOut(200_000, true, 30_000, 100_000_000)
	require.NoError(t, err)

	assert.Equal(t, uint64(200_000), out)
	wantFee, err := dlmmmath.FeeExclusive(200_000, 30_000)
	require.NoError(t, err)
	assert.Equal(t, wantFee, fee)
	assert.Equal(t, uint64(200_000)+wantFee, in)
	wantProtocol, err := dlmmmath.FeeInclusive(fee, 100_000_000)
	require.NoError(t, err)
	assert.Equal(t, wantProtocol, protocolFee)

	assert.Equal(t, uint64(1_200_000), b.AmountA, "inventory gains the net input")
	assert.Equal(t, uint64(300_000), b.AmountB)
}

func TestBin_SwapExactOut_ClampsToInventory(t *testing.T) {
	b := makeBin(t, 0, 1_000_000, 150_000, unitPrice())

	_, out, _, _, err := b.SwapExactAmountOut(500_000, true, 30_000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(150_000), out)
	assert.Zero(t, b.AmountB)
}

func TestBin_FeeAccrual(t *testing.T) {
	b := makeBin(t, 0, 0, 1_000, unitPrice())
	supplyBefore := new(uint256.Int).Set(b.LiquiditySupply)

	require.NoError(t, b.AccrueFeeA(100))
	assert.True(t, b.FeeAGrowthGlobal.Sign() > 0)
	assert.Zero(t, b.FeeBGrowthGlobal.Sign())

	// Growth converts back to the accrued amount for the full supply.
	back, err := dlmmmath.AmountFromGrowth(b.FeeAGrowthGlobal, supplyBefore)
	require.NoError(t, err)
	assert.LessOrEqual(t, back, uint64(100))
	assert.GreaterOrEqual(t, back, uint64(99))
}

func TestBin_ConstantSumInvariant(t *testing.T) {
	// liquidity_supply == price*amountA + (amountB<<64) after deposits
	// and withdrawals.
	price := unitPrice()
	b := makeBin(t, 0, 123_456, 654_321, price)

	check := func() {
		l, err := dlmmmath.LiquidityFromAmounts(b.AmountA, b.AmountB, price)
		require.NoError(t, err)
		assert.Zero(t, l.Cmp(b.LiquiditySupply), "constant-sum identity")
	}
	check()

	extra, err := dlmmmath.LiquidityFromAmounts(1_000, 2_000, price)
	require.NoError(t, err)
	b.Deposit(1_000, 2_000, extra)
	check()

	half := new(uint256.Int).Rsh(b.LiquiditySupply, 1)
	_, _, err = b.Withdraw(half)
	require.NoError(t, err)

	// Floor rounding may strand at most one unit per side against the
	// halved supply; withdrawing everything clears the bin entirely.
	rest := new(uint256.Int).Set(b.LiquiditySupply)
	outA, outB, err := b.Withdraw(rest)
	require.NoError(t, err)
	assert.True(t, b.IsEmpty())
	assert.Zero(t, b.LiquiditySupply.Sign())
	assert.Greater(t, outA+outB, uint64(0))
}

func TestBin_WithdrawUnderflow(t *testing.T) {
	b := makeBin(t, 0, 10, 10, unitPrice())
	tooMuch := new(uint256.Int).AddUint64(b.LiquiditySupply, 1)
	_, _, err := b.Withdraw(tooMuch)
	assert.ErrorIs(t, err, ErrLiquidityUnderflow)
}
