package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/dlmmmath"
)

// MaxPositionWidth bounds the number of contiguous bins a position spans.
const MaxPositionWidth = 1000

// BinStat is a position's per-bin share together with the growth snapshots
// taken at the last settlement.
type BinStat struct {
	BinID                 int32          `json:"binId"`
	LiquidityShare        *uint256.Int   `json:"liquidityShare"`
	FeeAGrowthSnapshot    *uint256.Int   `json:"feeAGrowthSnapshot"`
	FeeBGrowthSnapshot    *uint256.Int   `json:"feeBGrowthSnapshot"`
	RewardsGrowthSnapshot []*uint256.Int `json:"rewardsGrowthSnapshot"`
}

func (s *BinStat) rewardSnapshot(slot int) *uint256.Int {
	for len(s.RewardsGrowthSnapshot) <= slot {
		s.RewardsGrowthSnapshot = append(s.RewardsGrowthSnapshot, new(uint256.Int))
	}
	return s.RewardsGrowthSnapshot[slot]
}

// Position is a contiguous multi-bin liquidity holding. Bins are referenced
// by id only; the pool resolves them through its bin store.
type Position struct {
	ID      common.Hash `json:"id"`
	PoolID  common.Hash `json:"poolId"`
	LowerID int32       `json:"lowerId"`
	Width   int32       `json:"width"`

	Stats []*BinStat `json:"stats"`

	FeeOwedA    uint64   `json:"feeOwedA"`
	FeeOwedB    uint64   `json:"feeOwedB"`
	RewardsOwed []uint64 `json:"rewardsOwed"`

	// FlashCount is the number of outstanding certificates; a position
	// with in-flight certificates cannot be closed.
	FlashCount int `json:"flashCount"`
}

// UpperID returns the highest bin id the position spans.
func (p *Position) UpperID() int32 {
	return p.LowerID + p.Width - 1
}

// stat returns the per-bin record for id, nil when outside the range.
func (p *Position) stat(id int32) *BinStat {
	if id < p.LowerID || id > p.UpperID() {
		return nil
	}
	return p.Stats[id-p.LowerID]
}

func (p *Position) rewardOwed(slot int) uint64 {
	if slot < len(p.RewardsOwed) {
		return p.RewardsOwed[slot]
	}
	return 0
}

func (p *Position) addRewardOwed(slot int, amount uint64) {
	for len(p.RewardsOwed) <= slot {
		p.RewardsOwed = append(p.RewardsOwed, 0)
	}
	p.RewardsOwed[slot] += amount
}

// IsEmpty reports whether the position can be destroyed: no shares, no owed
// fees, no owed rewards.
func (p *Position) IsEmpty() bool {
	for _, s := range p.Stats {
		if !s.LiquidityShare.IsZero() {
			return false
		}
	}
	if p.FeeOwedA != 0 || p.FeeOwedB != 0 {
		return false
	}
	for _, r := range p.RewardsOwed {
		if r != 0 {
			return false
		}
	}
	return true
}

// settleStat folds a bin's growth since the last snapshot into the owed
// ledger and refreshes the snapshots. Rounding is floor: amounts owed from
// the pool never round up.
func (p *Position) settleStat(stat *BinStat, bin *dlmm.Bin, slots int) error {
	if stat.LiquidityShare.IsZero() {
		stat.FeeAGrowthSnapshot.Set(bin.FeeAGrowthGlobal)
		stat.FeeBGrowthSnapshot.Set(bin.FeeBGrowthGlobal)
		for slot := 0; slot < slots; slot++ {
			stat.rewardSnapshot(slot).Set(bin.RewardGrowth(slot))
		}
		return nil
	}

	deltaA := new(uint256.Int).Sub(bin.FeeAGrowthGlobal, stat.FeeAGrowthSnapshot)
	owedA, err := dlmmmath.AmountFromGrowth(deltaA, stat.LiquidityShare)
	if err != nil {
		return err
	}
	deltaB := new(uint256.Int).Sub(bin.FeeBGrowthGlobal, stat.FeeBGrowthSnapshot)
	owedB, err := dlmmmath.AmountFromGrowth(deltaB, stat.LiquidityShare)
	if err != nil {
		return err
	}
	p.FeeOwedA += owedA
	p.FeeOwedB += owedB
	stat.FeeAGrowthSnapshot.Set(bin.FeeAGrowthGlobal)
	stat.FeeBGrowthSnapshot.Set(bin.FeeBGrowthGlobal)

	for slot := 0; slot < slots; slot++ {
		growth := bin.RewardGrowth(slot)
		delta := new(uint256.Int).Sub(growth, stat.rewardSnapshot(slot))
		owed, err := dlmmmath.AmountFromGrowth(delta, stat.LiquidityShare)
		if err != nil {
			return err
		}
		p.addRewardOwed(slot, owed)
		stat.rewardSnapshot(slot).Set(growth)
	}
	return nil
}

// --- Certificates ---
//
// Open and add operations hand back an obligation the caller must settle
// within the same serialized call sequence. Certificates are single-use and
// pool-bound; while any are outstanding the pool rejects swaps.

// OpenCert is the obligation to finish opening a position. It carries no
// amounts; repaying it verifies the active-bin inclusion the caller asked
// for.
type OpenCert struct {
	PoolID         common.Hash
	PositionID     common.Hash
	ActiveIncluded bool

	consumed bool
}

// AddCert is the obligation to pay for added liquidity: the gross deposit
// totals, composition fees included.
type AddCert struct {
	PoolID     common.Hash
	PositionID common.Hash
	AmountA    uint64
	AmountB    uint64

	consumed bool
}

// CloseCert carries the reward balances owed to a closed position, taken
// out one token type at a time.
type CloseCert struct {
	PoolID  common.Hash
	Rewards map[dlmm.TypeTag]uint64
}

// TakeReward removes and returns the owed balance for one reward token.
func (c *CloseCert) TakeReward(token dlmm.TypeTag) (uint64, error) {
	amount, ok := c.Rewards[token]
	if !ok {
		return 0, dlmm.ErrRewardMissing
	}
	delete(c.Rewards, token)
	return amount, nil
}

// Destroy discards the certificate; every reward must have been taken.
func (c *CloseCert) Destroy() error {
	if len(c.Rewards) != 0 {
		return dlmm.ErrPositionNotEmpty
	}
	return nil
}
