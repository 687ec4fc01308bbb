package dlmm

import (
	"github.com/holiman/uint256"
)

// TypeTag identifies a coin type. The engine treats it as an opaque,
// byte-comparable identifier; it never dispatches on its content.
type TypeTag string

// MaxRewardSlots is the number of reward accumulators a bin can carry.
const MaxRewardSlots = 5

// Bin is a single price point holding a two-asset inventory. Price is fixed
// per bin: every trade inside a bin executes at Price, a Q64.64 value.
type Bin struct {
	ID              int32        `json:"id"`
	AmountA         uint64       `json:"amountA"`
	AmountB         uint64       `json:"amountB"`
	Price           *uint256.Int `json:"price"`
	LiquiditySupply *uint256.Int `json:"liquiditySupply"`

	// Per-unit-liquidity accumulators, Q64.64 scaled by 2^64 (divide by
	// 2^128 against a share to obtain an amount). Monotonic.
	FeeAGrowthGlobal    *uint256.Int   `json:"feeAGrowthGlobal"`
	FeeBGrowthGlobal    *uint256.Int   `json:"feeBGrowthGlobal"`
	RewardsGrowthGlobal []*uint256.Int `json:"rewardsGrowthGlobal"`
}

// NewBin creates an empty bin at the given id and price.
func NewBin(id int32, price *uint256.Int) *Bin {
	return &Bin{
		ID:               id,
		Price:            new(uint256.Int).Set(price),
		LiquiditySupply:  new(uint256.Int),
		FeeAGrowthGlobal: new(uint256.Int),
		FeeBGrowthGlobal: new(uint256.Int),
	}
}

// Clone returns a deep copy of the bin.
func (b *Bin) Clone() *Bin {
	c := &Bin{
		ID:               b.ID,
		AmountA:          b.AmountA,
		AmountB:          b.AmountB,
		Price:            new(uint256.Int).Set(b.Price),
		LiquiditySupply:  new(uint256.Int).Set(b.LiquiditySupply),
		FeeAGrowthGlobal: new(uint256.Int).Set(b.FeeAGrowthGlobal),
		FeeBGrowthGlobal: new(uint256.Int).Set(b.FeeBGrowthGlobal),
	}
	if b.RewardsGrowthGlobal != nil {
		c.RewardsGrowthGlobal = make([]*uint256.Int, len(b.RewardsGrowthGlobal))
		for i, g := range b.RewardsGrowthGlobal {
			c.RewardsGrowthGlobal[i] = new(uint256.Int).Set(g)
		}
	}
	return c
}

// IsEmpty reports whether the bin holds no inventory on either side.
func (b *Bin) IsEmpty() bool {
	return b.AmountA == 0 && b.AmountB == 0
}

// RewardGrowth returns the accumulator for a reward slot, growing the vector
// on demand so bins created before a reward was initialized stay valid.
func (b *Bin) RewardGrowth(slot int) *uint256.Int {
	for len(b.RewardsGrowthGlobal) <= slot {
		b.RewardsGrowthGlobal = append(b.RewardsGrowthGlobal, new(uint256.Int))
	}
	return b.RewardsGrowthGlobal[slot]
}

// BinSwap is the per-bin breakdown of one swap step.
type BinSwap struct {
	BinID      int32  `json:"binId"`
	AmountIn   uint64 `json:"amountIn"`
	AmountOut  uint64 `json:"amountOut"`
	Fee        uint64 `json:"fee"`
	VarFeeRate uint64 `json:"varFeeRate"`
}

// SwapResult aggregates a full multi-bin swap.
type SwapResult struct {
	AmountIn    uint64    `json:"amountIn"`
	AmountOut   uint64    `json:"amountOut"`
	Fee         uint64    `json:"fee"`
	ProtocolFee uint64    `json:"protocolFee"`
	RefFee      uint64    `json:"refFee"`
	Steps       []BinSwap `json:"steps"`
}

// Accumulate folds one step into the running totals.
func (r *SwapResult) Accumulate(step BinSwap) {
	r.AmountIn += step.AmountIn
	r.AmountOut += step.AmountOut
	r.Fee += step.Fee
	r.Steps = append(r.Steps, step)
}

// PoolView is a detached snapshot of the swap-relevant pool state: the
// active id, fee configuration and the populated bins in ascending id order.
// Quote simulations run against copies of this view without touching the
// live pool.
type PoolView struct {
	ActiveID    int32              `json:"activeId"`
	BaseFeeRate uint64             `json:"baseFeeRate"`
	VParams     VariableParameters `json:"vParams"`
	Bins        []*Bin             `json:"bins"`
}

// Clone returns a deep copy of the view, safe to mutate during simulation.
func (v *PoolView) Clone() *PoolView {
	c := &PoolView{
		ActiveID:    v.ActiveID,
		BaseFeeRate: v.BaseFeeRate,
		VParams:     v.VParams,
		Bins:        make([]*Bin, len(v.Bins)),
	}
	for i, b := range v.Bins {
		c.Bins[i] = b.Clone()
	}
	return c
}

// Partner describes an external referrer taking a share of the LP fee.
// The rate applies only inside the [Start, End) activity window.
type Partner struct {
	RefFeeRate uint64 `json:"refFeeRate"`
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
}

// ActiveRateAt returns the referral rate at the given timestamp, zero when
// the partner is outside its activity window.
func (p *Partner) ActiveRateAt(now uint64) uint64 {
	if p == nil || now < p.Start || now >= p.End {
		return 0
	}
	return p.RefFeeRate
}
