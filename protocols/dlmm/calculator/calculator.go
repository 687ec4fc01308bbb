// Package calculator provides quote-only swap simulation over detached
// pool views, plus price helpers for human consumption. Simulations mutate
// only their own deep copy; the live pool is never touched.
package calculator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/dlmmmath"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/pricemath"
)

var (
	ErrInvalidAmount = errors.New("amount must be greater than zero")

	two64 = decimal.NewFromBigInt(pricemath.One.ToBig(), 0)
)

// SimulateExactInSwap quotes a fixed-input swap against a copy of the view
// and returns the result together with the post-swap view.
func SimulateExactInSwap(amountIn uint64, a2b bool, now uint64, view *dlmm.PoolView) (*dlmm.SwapResult, *dlmm.PoolView, error) {
	return simulate(amountIn, a2b, true, now, view)
}

// SimulateExactOutSwap quotes a fixed-output swap against a copy of the
// view and returns the result together with the post-swap view.
func SimulateExactOutSwap(amountOut uint64, a2b bool, now uint64, view *dlmm.PoolView) (*dlmm.SwapResult, *dlmm.PoolView, error) {
	return simulate(amountOut, a2b, false, now, view)
}

// GetAmountOut quotes the output for an exact input.
func GetAmountOut(amountIn uint64, a2b bool, now uint64, view *dlmm.PoolView) (uint64, error) {
	result, _, err := simulate(amountIn, a2b, true, now, view)
	if err != nil {
		return 0, err
	}
	return result.AmountOut, nil
}

// GetAmountIn quotes the input required for an exact output.
func GetAmountIn(amountOut uint64, a2b bool, now uint64, view *dlmm.PoolView) (uint64, error) {
	result, _, err := simulate(amountOut, a2b, false, now, view)
	if err != nil {
		return 0, err
	}
	return result.AmountIn, nil
}

func simulate(amount uint64, a2b, byAmountIn bool, now uint64, view *dlmm.PoolView) (*dlmm.SwapResult, *dlmm.PoolView, error) {
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	sim := view.Clone()
	sim.VParams.UpdateReferences(sim.ActiveID, now)

	protocolRate := sim.VParams.Config.ProtocolFeeRate
	result := &dlmm.SwapResult{}
	remaining := amount

	idx, ok := firstSwapBinIndex(sim.Bins, sim.ActiveID, a2b)
	for remaining > 0 {
		if !ok {
			return nil, nil, fmt.Errorf("%w: %d of %d unfilled", dlmm.ErrNotEnoughLiquidity, remaining, amount)
		}
		bin := sim.Bins[idx]
		sim.ActiveID = bin.ID
		sim.VParams.UpdateVolatilityAccumulator(bin.ID)
		feeRate, varFeeRate := sim.VParams.TotalFeeRate(sim.BaseFeeRate)

		var stepIn, stepOut, fee uint64
		var err error
		if byAmountIn {
			stepIn, stepOut, fee, _, err = bin.SwapExactAmountIn(remaining, a2b, feeRate, protocolRate)
		} else {
			stepIn, stepOut, fee, _, err = bin.SwapExactAmountOut(remaining, a2b, feeRate, protocolRate)
		}
		if err != nil {
			return nil, nil, err
		}
		if stepIn != 0 || stepOut != 0 {
			result.Accumulate(dlmm.BinSwap{
				BinID:      bin.ID,
				AmountIn:   stepIn,
				AmountOut:  stepOut,
				Fee:        fee,
				VarFeeRate: varFeeRate,
			})
			if byAmountIn {
				remaining -= stepIn
			} else {
				remaining -= stepOut
			}
		}
		if remaining == 0 {
			break
		}
		if a2b {
			idx, ok = idx-1, idx > 0
		} else {
			idx, ok = idx+1, idx < len(sim.Bins)-1
		}
	}

	sim.VParams.LastUpdateTimestamp = now
	if result.AmountIn == 0 || result.AmountOut == 0 {
		return nil, nil, dlmm.ErrAmountZero
	}
	return result, sim, nil
}

// firstSwapBinIndex finds the slice index of the bin a swap starts from:
// the greatest id <= active for a2b, the smallest id >= active otherwise.
// Bins must be in ascending id order.
func firstSwapBinIndex(bins []*dlmm.Bin, activeID int32, a2b bool) (int, bool) {
	if len(bins) == 0 {
		return 0, false
	}
	if a2b {
		// First index with id > active; the answer sits one before it.
		idx := sort.Search(len(bins), func(i int) bool { return bins[i].ID > activeID })
		if idx == 0 {
			return 0, false
		}
		return idx - 1, true
	}
	idx := sort.Search(len(bins), func(i int) bool { return bins[i].ID >= activeID })
	if idx == len(bins) {
		return 0, false
	}
	return idx, true
}

// GetSpotPrice converts a Q64.64 bin price into a decimal-adjusted price of
// token A in terms of token B. For example, with B being a 6-decimal stable
// coin, a return value of 3045.123456 means one whole A buys that many B.
func GetSpotPrice(price *uint256.Int, decimalsA, decimalsB uint8) decimal.Decimal {
	q := decimal.NewFromBigInt(price.ToBig(), 0).Div(two64)
	return q.Shift(int32(decimalsA) - int32(decimalsB))
}

// GetVirtualReserves totals the inventories across every populated bin of
// the view, a coarse depth figure for dashboards.
func GetVirtualReserves(view *dlmm.PoolView) (reserveA, reserveB uint64) {
	for _, b := range view.Bins {
		reserveA += b.AmountA
		reserveB += b.AmountB
	}
	return reserveA, reserveB
}

// LiquidityFromView recomputes the total constant-sum liquidity of the view
// from inventories, a cross-check against the tracked supplies.
func LiquidityFromView(view *dlmm.PoolView) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, b := range view.Bins {
		l, err := dlmmmath.LiquidityFromAmounts(b.AmountA, b.AmountB, b.Price)
		if err != nil {
			return nil, err
		}
		total.Add(total, l)
	}
	return total, nil
}
