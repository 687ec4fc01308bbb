package pool

import (
	"io"
	"log/slog"
	"testing"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/dlmmmath"
)

const (
	tokenA dlmm.TypeTag = "0xaaaa::coin::ALPHA"
	tokenB dlmm.TypeTag = "0xbbbb::coin::BETA"

	t0 = uint64(1_757_332_800)
)

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStepConfig() dlmm.BinStepConfig {
	return dlmm.BinStepConfig{
		BinStep:                  25,
		BaseFactor:               1,
		FilterPeriod:             60,
		DecayPeriod:              600,
		ReductionFactor:          9000,
		VariableFeeControl:       0,
		MaxVolatilityAccumulator: 1_000_000,
		ProtocolFeeRate:          0,
	}
}

func newTestPool(t *testing.T, baseFeeRate uint64, step dlmm.BinStepConfig) *Pool {
	t.Helper()
	p, err := New(Config{
		TokenA:      tokenA,
		TokenB:      tokenB,
		ActiveID:    0,
		BaseFeeRate: baseFeeRate,
		StepConfig:  step,
		Now:         t0,
		Registry:    prometheus.NewRegistry(),
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return p
}

// seedLiquidity runs the full open/add/repay flow for one bin and returns
// the position.
func seedLiquidity(t *testing.T, p *Pool, binID int32, amountA, amountB uint64) *Position {
	t.Helper()
	pos, openCert, err := p.OpenPosition(binID, 1, false)
	require.NoError(t, err)
	addCert, err := p.AddLiquidity(pos, []int32{binID}, []uint64{amountA}, []uint64{amountB}, t0)
	require.NoError(t, err)
	require.NoError(t, p.RepayAdd(addCert, addCert.AmountA, addCert.AmountB))
	require.NoError(t, p.RepayOpen(openCert, 0, 0))
	return pos
}

func TestNew_Validation(t *testing.T) {
	cfg := Config{
		TokenA:      tokenA,
		TokenB:      tokenA,
		StepConfig:  testStepConfig(),
		Registry:    prometheus.NewRegistry(),
		Logger:      testLogger(),
	}
	_, err := New(cfg)
	assert.ErrorIs(t, err, dlmm.ErrSameCoinType)

	cfg.TokenB = tokenB
	cfg.Registry = nil
	_, err = New(cfg)
	assert.Error(t, err)

	cfg.Registry = prometheus.NewRegistry()
	cfg.BaseFeeRate = dlmmmath.FeePrecision
	_, err = New(cfg)
	assert.ErrorIs(t, err, dlmm.ErrFeeRateInvalid)
}

func TestKey_Deterministic(t *testing.T) {
	k1 := Key(tokenA, tokenB, 25, 1)
	k2 := Key(tokenA, tokenB, 25, 1)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, Key(tokenA, tokenB, 50, 1))
	assert.NotEqual(t, k1, Key(tokenB, tokenA, 25, 1))
}

func TestSwapExactIn_SingleBin(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	result, err := p.SwapExactIn(200_000, true, t0+10, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(200_000), result.AmountIn)
	assert.Equal(t, uint64(6), result.Fee)
	assert.Equal(t, uint64(199_994), result.AmountOut)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, int32(0), result.Steps[0].BinID)
	assert.Equal(t, int32(0), p.ActiveID(), "partial fill keeps the active bin")
}

func TestSwapExactIn_MultiBin(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)
	seedLiquidity(t, p, -1, 0, 1_200_000)

	result, err := p.SwapExactIn(600_000, true, t0+10, nil)
	require.NoError(t, err)

	require.Len(t, result.Steps, 2)
	assert.Equal(t, int32(0), result.Steps[0].BinID)
	assert.Equal(t, uint64(500_000), result.Steps[0].AmountOut, "first bin fully drained")
	assert.Equal(t, int32(-1), result.Steps[1].BinID)
	assert.Equal(t, uint64(600_000), result.AmountIn)
	assert.Equal(t, int32(-1), p.ActiveID(), "active advanced into the next bin")

	bin0, err := p.Bin(0)
	require.NoError(t, err)
	assert.Zero(t, bin0.AmountB, "b side of the first bin is gone")
}

func TestSwapExactOut(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	result, err := p.SwapExactOut(200_000, true, t0+10, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(200_000), result.AmountOut)
	wantFee, err := dlmmmath.FeeExclusive(200_000, 30_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(200_000)+wantFee, result.AmountIn)
}

func TestSwap_NotEnoughLiquidity(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	_, err := p.SwapExactIn(10_000_000, true, t0+10, nil)
	assert.ErrorIs(t, err, dlmm.ErrNotEnoughLiquidity)
}

func TestSwap_ZeroAmount(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	_, err := p.SwapExactIn(0, true, t0+10, nil)
	assert.ErrorIs(t, err, dlmm.ErrAmountZero)
}

func TestSwap_BlockedByOutstandingCert(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	_, openCert, err := p.OpenPosition(0, 1, false)
	require.NoError(t, err)

	_, err = p.SwapExactIn(100, true, t0+10, nil)
	assert.ErrorIs(t, err, dlmm.ErrOpsBlocked)

	require.NoError(t, p.RepayOpen(openCert, 0, 0))
	_, err = p.SwapExactIn(100, true, t0+10, nil)
	assert.NoError(t, err)
}

func TestSwap_PartnerRefFee(t *testing.T) {
	step := testStepConfig()
	step.ProtocolFeeRate = 100_000_000 // 10% of fees
	p := newTestPool(t, 30_000, step)
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	partner := &dlmm.Partner{RefFeeRate: 500_000_000, Start: t0, End: t0 + 1000}
	result, err := p.SwapExactIn(200_000, true, t0+10, partner)
	require.NoError(t, err)

	assert.Equal(t, uint64(6), result.Fee)
	assert.Equal(t, uint64(1), result.ProtocolFee, "ceil(6*10%)")
	assert.Equal(t, uint64(3), result.RefFee, "floor(6*50%) out of the LP fee")

	refA, refB := p.PartnerFees()
	assert.Equal(t, uint64(3), refA)
	assert.Zero(t, refB)

	protoA, protoB := p.CollectProtocolFees()
	assert.Equal(t, uint64(1), protoA)
	assert.Zero(t, protoB)

	// An expired partner earns nothing.
	result, err = p.SwapExactIn(200_000, true, t0+2000, partner)
	require.NoError(t, err)
	assert.Zero(t, result.RefFee)
}

func TestSwap_VolatilityAdvances(t *testing.T) {
	step := testStepConfig()
	step.VariableFeeControl = 50_000
	p := newTestPool(t, 30_000, step)
	seedLiquidity(t, p, 0, 1_000_000, 200_000)
	seedLiquidity(t, p, -1, 0, 200_000)
	seedLiquidity(t, p, -2, 0, 2_000_000)

	result, err := p.SwapExactIn(1_000_000, true, t0+10, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.Steps), 3)

	assert.Zero(t, result.Steps[0].VarFeeRate, "reference bin has no distance")
	assert.Greater(t, result.Steps[2].VarFeeRate, result.Steps[1].VarFeeRate,
		"crossing bins raises the variable fee")
}

// --- positions ---

func TestOpenPosition_Validation(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())

	_, _, err := p.OpenPosition(0, 0, false)
	assert.ErrorIs(t, err, dlmm.ErrPositionWidthInvalid)
	_, _, err = p.OpenPosition(0, MaxPositionWidth+1, false)
	assert.ErrorIs(t, err, dlmm.ErrPositionWidthInvalid)
	_, _, err = p.OpenPosition(443_636, 2, false)
	assert.ErrorIs(t, err, dlmm.ErrBinIDRange)

	pos, cert, err := p.OpenPosition(-5, 11, false)
	require.NoError(t, err)
	assert.Equal(t, int32(5), pos.UpperID())
	require.Len(t, pos.Stats, 11)
	for i, stat := range pos.Stats {
		assert.Equal(t, pos.LowerID+int32(i), stat.BinID)
	}
	require.NoError(t, p.RepayOpen(cert, 0, 0))
}

func TestOpenPosition_ActiveIncluded(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())

	pos, cert, err := p.OpenPosition(0, 2, true)
	require.NoError(t, err)

	// Repaying before funding the active bin fails.
	assert.ErrorIs(t, p.RepayOpen(cert, 0, 0), dlmm.ErrActiveIDExpected)

	addCert, err := p.AddLiquidity(pos, []int32{0}, []uint64{1000}, []uint64{1000}, t0)
	require.NoError(t, err)
	require.NoError(t, p.RepayAdd(addCert, addCert.AmountA, addCert.AmountB))
	require.NoError(t, p.RepayOpen(cert, 0, 0))
}

func TestRepay_Mismatch(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())

	pos, openCert, err := p.OpenPosition(0, 1, false)
	require.NoError(t, err)
	addCert, err := p.AddLiquidity(pos, []int32{0}, []uint64{500}, []uint64{600}, t0)
	require.NoError(t, err)

	assert.ErrorIs(t, p.RepayAdd(addCert, 499, 600), dlmm.ErrCertAmountMismatch)
	assert.ErrorIs(t, p.RepayAdd(addCert, 500, 601), dlmm.ErrCertAmountMismatch)
	assert.ErrorIs(t, p.RepayOpen(openCert, 1, 0), dlmm.ErrCertAmountMismatch)

	require.NoError(t, p.RepayAdd(addCert, 500, 600))
	assert.ErrorIs(t, p.RepayAdd(addCert, 500, 600), dlmm.ErrCertConsumed)
	require.NoError(t, p.RepayOpen(openCert, 0, 0))
	assert.ErrorIs(t, p.RepayOpen(openCert, 0, 0), dlmm.ErrCertConsumed)
}

func TestAddLiquidity_SideRules(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	pos, openCert, err := p.OpenPosition(-2, 5, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.RepayOpen(openCert, 0, 0)) }()

	// Above active: token B is rejected.
	_, err = p.AddLiquidity(pos, []int32{1}, []uint64{0}, []uint64{10}, t0)
	assert.ErrorIs(t, err, dlmm.ErrOneSidedBin)

	// Below active: token A is rejected.
	_, err = p.AddLiquidity(pos, []int32{-1}, []uint64{10}, []uint64{0}, t0)
	assert.ErrorIs(t, err, dlmm.ErrOneSidedBin)

	// Outside the position range.
	_, err = p.AddLiquidity(pos, []int32{7}, []uint64{10}, []uint64{0}, t0)
	assert.ErrorIs(t, err, dlmm.ErrBinIDRange)

	// Proper one-sided deposits pass.
	cert, err := p.AddLiquidity(pos,
		[]int32{-1, 0, 1},
		[]uint64{0, 100, 200},
		[]uint64{300, 100, 0},
		t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), cert.AmountA)
	assert.Equal(t, uint64(400), cert.AmountB)
	require.NoError(t, p.RepayAdd(cert, 300, 400))
}

func TestAddLiquidity_CompositionFee(t *testing.T) {
	p := newTestPool(t, 100_000_000, testStepConfig()) // 10% fee
	pos := seedLiquidity(t, p, 0, 100, 100)
	_ = pos

	pos2, openCert, err := p.OpenPosition(0, 1, false)
	require.NoError(t, err)

	// Adding (100, 0) to a balanced active bin forces ~50 units of token
	// A across the price; the composition fee on 50 at 10% is 5.
	addCert, err := p.AddLiquidity(pos2, []int32{0}, []uint64{100}, []uint64{0}, t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), addCert.AmountA, "certificate carries the gross amount")

	bin, err := p.Bin(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(195), bin.AmountA, "100 existing + 100 net of the 5 fee")
	assert.True(t, bin.FeeAGrowthGlobal.Sign() > 0, "fee accrues to existing liquidity")

	require.NoError(t, p.RepayAdd(addCert, 100, 0))
	require.NoError(t, p.RepayOpen(openCert, 0, 0))
}

func TestRemoveLiquidity(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	pos := seedLiquidity(t, p, 0, 1_000_000, 500_000)

	stat := pos.Stats[0]
	half := new(uint256.Int).Rsh(stat.LiquidityShare, 1)

	outA, outB, err := p.RemoveLiquidity(pos, []int32{0}, []*uint256.Int{half}, t0+5)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), outA)
	assert.Equal(t, uint64(250_000), outB)

	// Removing more than held underflows.
	tooMuch := new(uint256.Int).Lsh(uint256.NewInt(1), 120)
	_, _, err = p.RemoveLiquidity(pos, []int32{0}, []*uint256.Int{tooMuch}, t0+5)
	assert.ErrorIs(t, err, dlmm.ErrLiquidityUnderflow)

	// Removing the rest drops the bin from the store.
	rest := new(uint256.Int).Set(stat.LiquidityShare)
	_, _, err = p.RemoveLiquidity(pos, []int32{0}, []*uint256.Int{rest}, t0+5)
	require.NoError(t, err)
	_, err = p.Bin(0)
	assert.ErrorIs(t, err, dlmm.ErrBinMissing)
}

func TestRemoveByPercent(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	pos := seedLiquidity(t, p, 0, 1_000_000, 500_000)

	outA, outB, err := p.RemoveByPercent(pos, -10, 10, 2_500, t0+5)
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000), outA)
	assert.Equal(t, uint64(125_000), outB)

	_, _, err = p.RemoveByPercent(pos, -10, 10, 10_001, t0+5)
	assert.Error(t, err)
}

func TestCollectFees(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	pos := seedLiquidity(t, p, 0, 1_000_000, 500_000)

	result, err := p.SwapExactIn(200_000, true, t0+10, nil)
	require.NoError(t, err)

	feeA, feeB, err := p.CollectFees(pos, t0+10)
	require.NoError(t, err)
	// The sole LP earns the whole LP fee, minus at most one unit of
	// floor rounding.
	assert.GreaterOrEqual(t, feeA, result.Fee-result.ProtocolFee-1)
	assert.LessOrEqual(t, feeA, result.Fee-result.ProtocolFee)
	assert.Zero(t, feeB)

	// Nothing left on the second collect.
	feeA, feeB, err = p.CollectFees(pos, t0+10)
	require.NoError(t, err)
	assert.Zero(t, feeA)
	assert.Zero(t, feeB)
}

func TestCollectReward(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	pos := seedLiquidity(t, p, 0, 1_000_000, 500_000)

	_, err := p.InitializeReward(rewardToken, false, t0)
	require.NoError(t, err)
	require.NoError(t, p.AddReward(rewardToken, 604_800, nil, t0+604_800, t0))

	paid, err := p.CollectReward(pos, rewardToken, t0+100)
	require.NoError(t, err)
	assert.InDelta(t, 100, float64(paid), 1, "sole LP takes the whole emission")

	_, err = p.CollectReward(pos, otherToken, t0+100)
	assert.ErrorIs(t, err, dlmm.ErrRewardMissing)
}

func TestClosePosition(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	pos := seedLiquidity(t, p, 0, 1_000_000, 500_000)

	_, err := p.InitializeReward(rewardToken, false, t0)
	require.NoError(t, err)
	require.NoError(t, p.AddReward(rewardToken, 604_800, nil, t0+604_800, t0))

	_, err = p.SwapExactIn(200_000, true, t0+50, nil)
	require.NoError(t, err)

	cert, outA, outB, err := p.ClosePosition(pos, t0+100)
	require.NoError(t, err)
	assert.Greater(t, outA, uint64(1_000_000), "principal plus swapped-in A plus fees")
	assert.Greater(t, outB, uint64(0))

	reward, err := cert.TakeReward(rewardToken)
	require.NoError(t, err)
	assert.Greater(t, reward, uint64(0))

	require.NoError(t, cert.Destroy())

	// The position is gone.
	_, _, err = p.RemoveLiquidity(pos, nil, nil, t0+100)
	assert.ErrorIs(t, err, dlmm.ErrPositionMismatch)
}

func TestClosePosition_BlockedByCert(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())

	pos, _, err := p.OpenPosition(0, 1, false)
	require.NoError(t, err)
	_, _, _, err = p.ClosePosition(pos, t0)
	assert.ErrorIs(t, err, dlmm.ErrOpsBlocked)
}

func TestPositionMismatch(t *testing.T) {
	p1 := newTestPool(t, 30_000, testStepConfig())
	step := testStepConfig()
	step.BinStep = 50
	p2 := newTestPool(t, 30_000, step)

	pos := seedLiquidity(t, p1, 0, 1000, 1000)
	_, _, err := p2.RemoveLiquidity(pos, nil, nil, t0)
	assert.ErrorIs(t, err, dlmm.ErrPositionMismatch)
}

func TestPositionAmounts(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	pos := seedLiquidity(t, p, 0, 1_000_000, 500_000)

	amountA, amountB, err := p.PositionAmounts(pos)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), amountA)
	assert.Equal(t, uint64(500_000), amountB)

	// Projected with the active far above, everything sits in token B.
	amountA, amountB, err = p.PositionAmountsAt(pos, 100)
	require.NoError(t, err)
	assert.Zero(t, amountA)
	assert.Greater(t, amountB, uint64(1_400_000), "a converted at ~unit price")

	// Projected far below, everything sits in token A.
	amountA, amountB, err = p.PositionAmountsAt(pos, -100)
	require.NoError(t, err)
	assert.Greater(t, amountA, uint64(1_400_000))
	assert.Zero(t, amountB)
}

// --- admin ---

func TestPause(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	p.Pause()
	_, err := p.SwapExactIn(100, true, t0+10, nil)
	assert.ErrorIs(t, err, dlmm.ErrOpsBlocked)
	_, _, err = p.CollectFees(&Position{PoolID: p.ID()}, t0+10)
	assert.ErrorIs(t, err, dlmm.ErrOpsBlocked)

	p.Unpause()
	_, err = p.SwapExactIn(100, true, t0+10, nil)
	assert.NoError(t, err)
}

func TestPermissions(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	p.SetPermissions(Permissions(0).Disable(OpSwap))
	_, err := p.SwapExactIn(100, true, t0+10, nil)
	assert.ErrorIs(t, err, dlmm.ErrOpsBlocked)

	p.SetPermissions(0)
	_, err = p.SwapExactIn(100, true, t0+10, nil)
	assert.NoError(t, err)
}

func TestGuard_ReservedOps(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	assert.ErrorIs(t, p.guard(OpReserved0), ErrInvalidOperationKind)
	assert.ErrorIs(t, p.guard(OpReserved2), ErrInvalidOperationKind)
}

func TestUpdateBaseFeeRate(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	assert.ErrorIs(t, p.UpdateBaseFeeRate(dlmmmath.FeePrecision), dlmm.ErrFeeRateInvalid)
	require.NoError(t, p.UpdateBaseFeeRate(40_000))
	assert.Equal(t, uint64(40_000), p.BaseFeeRate())
}

func TestView_Detached(t *testing.T) {
	p := newTestPool(t, 30_000, testStepConfig())
	seedLiquidity(t, p, 0, 1_000_000, 500_000)

	view := p.View()
	require.Len(t, view.Bins, 1)
	view.Bins[0].AmountA = 0

	bin, err := p.Bin(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), bin.AmountA, "view mutations never reach the pool")
}
