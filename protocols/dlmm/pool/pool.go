// Package pool implements the DLMM pricing, liquidity and accounting
// engine: multi-bin swaps over an ordered bin store, position accounting
// with growth snapshots, dynamic-fee volatility state and time-sliced
// reward emission.
//
// Every exported operation runs to completion under the host's serial
// scheduling; the engine performs no internal locking or parallelism.
package pool

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/binstore"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/dlmmmath"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/pricemath"
)

// OperationKind discriminates externally invoked operations for the
// permission bitfield. The reserved kinds exist on the wire but are always
// rejected.
type OperationKind uint8

const (
	OpSwap OperationKind = iota
	OpAddLiquidity
	OpRemoveLiquidity
	OpCollectFee
	OpCollectReward
	OpReserved0
	OpReserved1
	OpReserved2
)

// ErrInvalidOperationKind rejects the reserved operation kinds.
var ErrInvalidOperationKind = errors.New("reserved operation kind")

// Permissions is a disable-bitfield over operation kinds.
type Permissions uint32

// Allows reports whether the operation kind is enabled.
func (p Permissions) Allows(op OperationKind) bool {
	return p&(1<<op) == 0
}

// Disable returns the permissions with the given operation disabled.
func (p Permissions) Disable(op OperationKind) Permissions {
	return p | (1 << op)
}

// Config assembles everything a pool needs. Registry and Logger are
// required, the way the state differ requires them.
type Config struct {
	TokenA dlmm.TypeTag
	TokenB dlmm.TypeTag

	ActiveID    int32
	BaseFeeRate uint64
	StepConfig  dlmm.BinStepConfig

	Now uint64

	Registry prometheus.Registerer
	Logger   Logger
}

func (c *Config) validate() error {
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.TokenA == c.TokenB {
		return dlmm.ErrSameCoinType
	}
	if c.ActiveID < pricemath.MinBinID || c.ActiveID > pricemath.MaxBinID {
		return dlmm.ErrBinIDRange
	}
	if c.BaseFeeRate >= dlmmmath.FeePrecision {
		return dlmm.ErrFeeRateInvalid
	}
	return c.StepConfig.Validate()
}

// Key derives the deterministic pool identity from the canonical token pair
// and the step configuration.
func Key(tokenA, tokenB dlmm.TypeTag, binStep, baseFactor uint16) common.Hash {
	var buf []byte
	buf = append(buf, []byte(tokenA)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(tokenB)...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint16(buf, binStep)
	buf = binary.BigEndian.AppendUint16(buf, baseFactor)
	return crypto.Keccak256Hash(buf)
}

// Pool is one DLMM trading pair instance.
type Pool struct {
	id     common.Hash
	tokenA dlmm.TypeTag
	tokenB dlmm.TypeTag

	activeID    int32
	baseFeeRate uint64
	vparams     dlmm.VariableParameters

	bins      *binstore.Store
	positions map[common.Hash]*Position
	rewards   *RewardEngine

	protocolFeeA uint64
	protocolFeeB uint64
	partnerFeeA  uint64
	partnerFeeB  uint64

	paused      bool
	permissions Permissions

	// activeCerts counts outstanding open/add certificates; swaps are
	// rejected while any exist.
	activeCerts int
	positionSeq uint64

	metrics *Metrics
	logger  Logger
}

// New creates a pool from the config. The token pair must already be in
// canonical order; the registry enforces that.
func New(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		id:          Key(cfg.TokenA, cfg.TokenB, cfg.StepConfig.BinStep, cfg.StepConfig.BaseFactor),
		tokenA:      cfg.TokenA,
		tokenB:      cfg.TokenB,
		activeID:    cfg.ActiveID,
		baseFeeRate: cfg.BaseFeeRate,
		vparams:     dlmm.NewVariableParameters(cfg.StepConfig, cfg.ActiveID, cfg.Now),
		bins:        binstore.New(),
		positions:   make(map[common.Hash]*Position),
		rewards:     NewRewardEngine(cfg.Now),
		metrics:     NewMetrics(cfg.Registry),
		logger:      cfg.Logger,
	}
	p.logger.Info("pool created",
		"pool", p.id,
		"tokenA", string(cfg.TokenA),
		"tokenB", string(cfg.TokenB),
		"binStep", cfg.StepConfig.BinStep,
		"activeId", cfg.ActiveID,
	)
	return p, nil
}

// ID returns the deterministic pool key.
func (p *Pool) ID() common.Hash { return p.id }

// Tokens returns the canonical token pair.
func (p *Pool) Tokens() (dlmm.TypeTag, dlmm.TypeTag) { return p.tokenA, p.tokenB }

// ActiveID returns the current active bin id.
func (p *Pool) ActiveID() int32 { return p.activeID }

// BaseFeeRate returns the static component of the swap fee.
func (p *Pool) BaseFeeRate() uint64 { return p.baseFeeRate }

// Rewards exposes the reward engine for inspection.
func (p *Pool) Rewards() *RewardEngine { return p.rewards }

// Bins returns the populated bins in ascending id order.
func (p *Pool) Bins() []*dlmm.Bin { return p.bins.All() }

// Bin returns the populated bin at id, or ErrBinMissing.
func (p *Pool) Bin(id int32) (*dlmm.Bin, error) {
	b, err := p.bins.Get(id)
	if err != nil {
		return nil, dlmm.ErrBinIDRange
	}
	if b == nil {
		return nil, dlmm.ErrBinMissing
	}
	return b, nil
}

// View snapshots the swap-relevant state for quote simulation.
func (p *Pool) View() *dlmm.PoolView {
	bins := p.bins.All()
	copied := make([]*dlmm.Bin, len(bins))
	for i, b := range bins {
		copied[i] = b.Clone()
	}
	return &dlmm.PoolView{
		ActiveID:    p.activeID,
		BaseFeeRate: p.baseFeeRate,
		VParams:     p.vparams,
		Bins:        copied,
	}
}

func (p *Pool) guard(op OperationKind) error {
	if op >= OpReserved0 {
		return ErrInvalidOperationKind
	}
	if p.paused {
		return fmt.Errorf("%w: pool is paused", dlmm.ErrOpsBlocked)
	}
	if !p.permissions.Allows(op) {
		return fmt.Errorf("%w: operation %d disabled", dlmm.ErrOpsBlocked, op)
	}
	return nil
}

func (p *Pool) settleRewards(now uint64) error {
	active, err := p.bins.Get(p.activeID)
	if err != nil {
		return err
	}
	return p.rewards.Settle(active, now)
}

// --- Swapping ---

// SwapExactIn trades a fixed input for as much output as the bins provide.
func (p *Pool) SwapExactIn(amountIn uint64, a2b bool, now uint64, partner *dlmm.Partner) (*dlmm.SwapResult, error) {
	return p.swap(amountIn, a2b, true, now, partner)
}

// SwapExactOut trades as little input as needed for a fixed output.
func (p *Pool) SwapExactOut(amountOut uint64, a2b bool, now uint64, partner *dlmm.Partner) (*dlmm.SwapResult, error) {
	return p.swap(amountOut, a2b, false, now, partner)
}

func (p *Pool) swap(amount uint64, a2b, byAmountIn bool, now uint64, partner *dlmm.Partner) (*dlmm.SwapResult, error) {
	if err := p.guard(OpSwap); err != nil {
		return nil, err
	}
	if p.activeCerts > 0 {
		return nil, fmt.Errorf("%w: outstanding liquidity certificate", dlmm.ErrOpsBlocked)
	}
	if amount == 0 {
		return nil, dlmm.ErrAmountZero
	}
	timer := prometheus.NewTimer(p.metrics.swapDuration.WithLabelValues())
	defer timer.ObserveDuration()

	// Reward emission is attributed to the active bin per time segment;
	// settle before the swap moves the active id.
	if err := p.settleRewards(now); err != nil {
		return nil, err
	}
	p.vparams.UpdateReferences(p.activeID, now)

	protocolRate := p.vparams.Config.ProtocolFeeRate
	partnerRate := partner.ActiveRateAt(now)

	result := &dlmm.SwapResult{}
	remaining := amount
	cursor := p.activeID
	inclusive := true

	for remaining > 0 {
		bin, ok := p.bins.NextInDirection(cursor, a2b, inclusive)
		if !ok {
			return nil, fmt.Errorf("%w: %d of %d unfilled", dlmm.ErrNotEnoughLiquidity, remaining, amount)
		}
		cursor = bin.ID
		inclusive = false
		p.activeID = bin.ID
		p.vparams.UpdateVolatilityAccumulator(bin.ID)
		feeRate, varFeeRate := p.vparams.TotalFeeRate(p.baseFeeRate)

		var stepIn, stepOut, fee, protocolFee uint64
		var err error
		if byAmountIn {
			stepIn, stepOut, fee, protocolFee, err = bin.SwapExactAmountIn(remaining, a2b, feeRate, protocolRate)
		} else {
			stepIn, stepOut, fee, protocolFee, err = bin.SwapExactAmountOut(remaining, a2b, feeRate, protocolRate)
		}
		if err != nil {
			return nil, err
		}
		if stepIn == 0 && stepOut == 0 {
			// Nothing available in this direction; move on.
			continue
		}

		// The partner's cut comes out of the LP fee, never on top.
		refFee := fee * partnerRate / dlmmmath.FeePrecision
		if refFee > fee-protocolFee {
			refFee = fee - protocolFee
		}
		lpFee := fee - protocolFee - refFee
		if a2b {
			if err := bin.AccrueFeeA(lpFee); err != nil {
				return nil, err
			}
			p.protocolFeeA += protocolFee
			p.partnerFeeA += refFee
		} else {
			if err := bin.AccrueFeeB(lpFee); err != nil {
				return nil, err
			}
			p.protocolFeeB += protocolFee
			p.partnerFeeB += refFee
		}

		result.ProtocolFee += protocolFee
		result.RefFee += refFee
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

	p.vparams.LastUpdateTimestamp = now

	if result.AmountIn == 0 || result.AmountOut == 0 {
		return nil, dlmm.ErrAmountZero
	}

	p.metrics.swapsTotal.Inc()
	p.metrics.swapSteps.Observe(float64(len(result.Steps)))
	p.metrics.feesTotal.WithLabelValues("lp").Add(float64(result.Fee - result.ProtocolFee - result.RefFee))
	p.metrics.feesTotal.WithLabelValues("protocol").Add(float64(result.ProtocolFee))
	p.metrics.feesTotal.WithLabelValues("partner").Add(float64(result.RefFee))
	p.logger.Debug("swap settled",
		"pool", p.id,
		"a2b", a2b,
		"amountIn", result.AmountIn,
		"amountOut", result.AmountOut,
		"steps", len(result.Steps),
		"activeId", p.activeID,
	)
	return result, nil
}

// --- Positions ---

func (p *Pool) newPositionID() common.Hash {
	p.positionSeq++
	var buf []byte
	buf = append(buf, p.id.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, p.positionSeq)
	return crypto.Keccak256Hash(buf)
}

// OpenPosition creates an empty position spanning width bins starting at
// lowerID and returns the certificate that completes the open. When
// activeIncluded is set, the repay verifies liquidity was added to the
// active bin.
func (p *Pool) OpenPosition(lowerID, width int32, activeIncluded bool) (*Position, *OpenCert, error) {
	if err := p.guard(OpAddLiquidity); err != nil {
		return nil, nil, err
	}
	if width < 1 || width > MaxPositionWidth {
		return nil, nil, dlmm.ErrPositionWidthInvalid
	}
	if lowerID < pricemath.MinBinID || lowerID+width-1 > pricemath.MaxBinID {
		return nil, nil, dlmm.ErrBinIDRange
	}

	pos := &Position{
		ID:      p.newPositionID(),
		PoolID:  p.id,
		LowerID: lowerID,
		Width:   width,
		Stats:   make([]*BinStat, width),
	}
	for i := int32(0); i < width; i++ {
		pos.Stats[i] = &BinStat{
			BinID:              lowerID + i,
			LiquidityShare:     new(uint256.Int),
			FeeAGrowthSnapshot: new(uint256.Int),
			FeeBGrowthSnapshot: new(uint256.Int),
		}
	}
	pos.FlashCount++
	p.activeCerts++
	p.positions[pos.ID] = pos
	p.metrics.liquidityOps.WithLabelValues("open").Inc()
	return pos, &OpenCert{PoolID: p.id, PositionID: pos.ID, ActiveIncluded: activeIncluded}, nil
}

func (p *Pool) checkPosition(pos *Position) error {
	if pos.PoolID != p.id {
		return dlmm.ErrPositionMismatch
	}
	if _, ok := p.positions[pos.ID]; !ok {
		return dlmm.ErrPositionMismatch
	}
	return nil
}

// ensureBin returns the populated bin at id, creating it when absent.
func (p *Pool) ensureBin(id int32) (*dlmm.Bin, error) {
	bin, err := p.bins.Get(id)
	if err != nil {
		return nil, dlmm.ErrBinIDRange
	}
	if bin != nil {
		return bin, nil
	}
	price, err := pricemath.PriceFromID(id, p.vparams.Config.BinStep)
	if err != nil {
		return nil, err
	}
	bin = dlmm.NewBin(id, price)
	if err := p.bins.Put(bin); err != nil {
		return nil, err
	}
	return bin, nil
}

// chargeCompositionFee debits the side of an active-bin deposit that must
// cross the current price. It returns the net amounts to deposit.
func (p *Pool) chargeCompositionFee(bin *dlmm.Bin, amountA, amountB uint64) (uint64, uint64, error) {
	valueExistA := new(uint256.Int).Mul(bin.Price, uint256.NewInt(bin.AmountA))
	valueExistB := new(uint256.Int).Lsh(uint256.NewInt(bin.AmountB), 64)
	valueExist := new(uint256.Int).Add(valueExistA, valueExistB)
	if valueExist.IsZero() {
		// No inventory to cross against.
		return amountA, amountB, nil
	}

	valueAddA := new(uint256.Int).Mul(bin.Price, uint256.NewInt(amountA))
	valueAddB := new(uint256.Int).Lsh(uint256.NewInt(amountB), 64)
	valueAdd := new(uint256.Int).Add(valueAddA, valueAddB)
	if valueAdd.IsZero() {
		return amountA, amountB, nil
	}

	feeRate, _ := p.vparams.TotalFeeRate(p.baseFeeRate)
	protocolRate := p.vparams.Config.ProtocolFeeRate

	// The deposit's a-side share of value, measured against the bin's own
	// composition; whatever exceeds it is forced to cross.
	idealA, err := dlmmmath.MulDiv(valueAdd, valueExistA, valueExist, false)
	if err != nil {
		return 0, 0, err
	}

	switch {
	case valueAddA.Gt(idealA):
		excessValue := new(uint256.Int).Sub(valueAddA, idealA)
		excess := excessValue.Div(excessValue, bin.Price)
		if !excess.IsUint64() {
			return 0, 0, dlmm.ErrAmountOverflow
		}
		fee, err := dlmmmath.CompositionFee(excess.Uint64(), feeRate)
		if err != nil {
			return 0, 0, err
		}
		if fee == 0 {
			return amountA, amountB, nil
		}
		protocolFee, err := dlmmmath.FeeInclusive(fee, protocolRate)
		if err != nil {
			return 0, 0, err
		}
		if err := bin.AccrueFeeA(fee - protocolFee); err != nil {
			return 0, 0, err
		}
		p.protocolFeeA += protocolFee
		return amountA - fee, amountB, nil

	case idealA.Gt(valueAddA):
		excessValue := new(uint256.Int).Sub(valueAdd, valueAddA)
		idealB := new(uint256.Int).Sub(valueAdd, idealA)
		excessValue.Sub(excessValue, idealB)
		excess := excessValue.Rsh(excessValue, 64)
		if !excess.IsUint64() {
			return 0, 0, dlmm.ErrAmountOverflow
		}
		fee, err := dlmmmath.CompositionFee(excess.Uint64(), feeRate)
		if err != nil {
			return 0, 0, err
		}
		if fee == 0 {
			return amountA, amountB, nil
		}
		protocolFee, err := dlmmmath.FeeInclusive(fee, protocolRate)
		if err != nil {
			return 0, 0, err
		}
		if err := bin.AccrueFeeB(fee - protocolFee); err != nil {
			return 0, 0, err
		}
		p.protocolFeeB += protocolFee
		return amountA, amountB - fee, nil
	}
	return amountA, amountB, nil
}

// AddLiquidity deposits per-bin amounts into the position's range and
// returns the certificate carrying the gross totals owed. Off-active bins
// accept a single side; deposits into the active bin pay a composition fee
// on the portion that crosses the price.
func (p *Pool) AddLiquidity(pos *Position, binIDs []int32, amountsA, amountsB []uint64, now uint64) (*AddCert, error) {
	if err := p.guard(OpAddLiquidity); err != nil {
		return nil, err
	}
	if err := p.checkPosition(pos); err != nil {
		return nil, err
	}
	if len(binIDs) != len(amountsA) || len(binIDs) != len(amountsB) {
		return nil, fmt.Errorf("%w: amounts length mismatch", dlmm.ErrAmountZero)
	}
	// Validate the whole batch before touching any state; the host model
	// treats a failed call as if it never ran.
	for i, id := range binIDs {
		amountA, amountB := amountsA[i], amountsB[i]
		if amountA == 0 && amountB == 0 {
			continue
		}
		if pos.stat(id) == nil {
			return nil, dlmm.ErrBinIDRange
		}
		if id > p.activeID && amountB != 0 {
			return nil, fmt.Errorf("%w: bin %d is above active %d", dlmm.ErrOneSidedBin, id, p.activeID)
		}
		if id < p.activeID && amountA != 0 {
			return nil, fmt.Errorf("%w: bin %d is below active %d", dlmm.ErrOneSidedBin, id, p.activeID)
		}
	}
	if err := p.settleRewards(now); err != nil {
		return nil, err
	}
	slots := len(p.rewards.Slots())

	cert := &AddCert{PoolID: p.id, PositionID: pos.ID}
	for i, id := range binIDs {
		amountA, amountB := amountsA[i], amountsB[i]
		if amountA == 0 && amountB == 0 {
			continue
		}
		stat := pos.stat(id)

		bin, err := p.ensureBin(id)
		if err != nil {
			return nil, err
		}

		netA, netB := amountA, amountB
		if id == p.activeID {
			netA, netB, err = p.chargeCompositionFee(bin, amountA, amountB)
			if err != nil {
				return nil, err
			}
		}

		// Snapshot after fee accrual so the depositor does not earn its
		// own composition fee.
		if err := pos.settleStat(stat, bin, slots); err != nil {
			return nil, err
		}

		deltaL, err := dlmmmath.LiquidityFromAmounts(netA, netB, bin.Price)
		if err != nil {
			return nil, err
		}
		bin.Deposit(netA, netB, deltaL)
		stat.LiquidityShare.Add(stat.LiquidityShare, deltaL)

		cert.AmountA += amountA
		cert.AmountB += amountB
	}

	pos.FlashCount++
	p.activeCerts++
	p.metrics.liquidityOps.WithLabelValues("add").Inc()
	return cert, nil
}

// RepayOpen settles an open certificate. The open obligation carries no
// amounts, so the balances must be zero; it verifies active-bin inclusion
// when that was requested.
func (p *Pool) RepayOpen(cert *OpenCert, balanceA, balanceB uint64) error {
	if cert.consumed {
		return dlmm.ErrCertConsumed
	}
	if cert.PoolID != p.id {
		return dlmm.ErrPositionMismatch
	}
	pos, ok := p.positions[cert.PositionID]
	if !ok {
		return dlmm.ErrPositionMismatch
	}
	if balanceA != 0 || balanceB != 0 {
		return dlmm.ErrCertAmountMismatch
	}
	if cert.ActiveIncluded {
		stat := pos.stat(p.activeID)
		if stat == nil || stat.LiquidityShare.IsZero() {
			return dlmm.ErrActiveIDExpected
		}
	}
	cert.consumed = true
	pos.FlashCount--
	p.activeCerts--
	return nil
}

// RepayAdd settles an add certificate against the provided balances, which
// must match the certificate totals exactly.
func (p *Pool) RepayAdd(cert *AddCert, balanceA, balanceB uint64) error {
	if cert.consumed {
		return dlmm.ErrCertConsumed
	}
	if cert.PoolID != p.id {
		return dlmm.ErrPositionMismatch
	}
	pos, ok := p.positions[cert.PositionID]
	if !ok {
		return dlmm.ErrPositionMismatch
	}
	if balanceA != cert.AmountA || balanceB != cert.AmountB {
		return dlmm.ErrCertAmountMismatch
	}
	cert.consumed = true
	pos.FlashCount--
	p.activeCerts--
	return nil
}

// RemoveLiquidity burns per-bin shares and returns the withdrawn balances.
// Bins emptied of liquidity leave the store.
func (p *Pool) RemoveLiquidity(pos *Position, binIDs []int32, shares []*uint256.Int, now uint64) (uint64, uint64, error) {
	if err := p.guard(OpRemoveLiquidity); err != nil {
		return 0, 0, err
	}
	if err := p.checkPosition(pos); err != nil {
		return 0, 0, err
	}
	if len(binIDs) != len(shares) {
		return 0, 0, fmt.Errorf("%w: shares length mismatch", dlmm.ErrAmountZero)
	}
	// Validate the whole batch before touching any state.
	for i, id := range binIDs {
		share := shares[i]
		if share == nil || share.IsZero() {
			continue
		}
		stat := pos.stat(id)
		if stat == nil {
			return 0, 0, dlmm.ErrBinIDRange
		}
		if share.Gt(stat.LiquidityShare) {
			return 0, 0, dlmm.ErrLiquidityUnderflow
		}
		if _, err := p.Bin(id); err != nil {
			return 0, 0, err
		}
	}
	if err := p.settleRewards(now); err != nil {
		return 0, 0, err
	}
	slots := len(p.rewards.Slots())

	var totalA, totalB uint64
	for i, id := range binIDs {
		share := shares[i]
		if share == nil || share.IsZero() {
			continue
		}
		stat := pos.stat(id)
		bin, err := p.Bin(id)
		if err != nil {
			return 0, 0, err
		}
		if err := pos.settleStat(stat, bin, slots); err != nil {
			return 0, 0, err
		}
		outA, outB, err := bin.Withdraw(share)
		if err != nil {
			return 0, 0, err
		}
		stat.LiquidityShare.Sub(stat.LiquidityShare, share)
		totalA += outA
		totalB += outB
		if bin.LiquiditySupply.IsZero() {
			if err := p.bins.Remove(id); err != nil {
				return 0, 0, err
			}
		}
	}
	p.metrics.liquidityOps.WithLabelValues("remove").Inc()
	return totalA, totalB, nil
}

// RemoveByPercent burns a basis-point fraction of the position's shares in
// [minID, maxID].
func (p *Pool) RemoveByPercent(pos *Position, minID, maxID int32, percentBP uint16, now uint64) (uint64, uint64, error) {
	if percentBP == 0 || percentBP > pricemath.BasisPointMax {
		return 0, 0, fmt.Errorf("%w: percent %d bp", dlmm.ErrAmountZero, percentBP)
	}
	if err := p.checkPosition(pos); err != nil {
		return 0, 0, err
	}

	var ids []int32
	var shares []*uint256.Int
	bp := uint256.NewInt(uint64(percentBP))
	for _, stat := range pos.Stats {
		if stat.BinID < minID || stat.BinID > maxID || stat.LiquidityShare.IsZero() {
			continue
		}
		share := new(uint256.Int).Mul(stat.LiquidityShare, bp)
		share.Div(share, uint256.NewInt(pricemath.BasisPointMax))
		if share.IsZero() {
			continue
		}
		ids = append(ids, stat.BinID)
		shares = append(shares, share)
	}
	return p.RemoveLiquidity(pos, ids, shares, now)
}

func (p *Pool) settleAllStats(pos *Position) error {
	slots := len(p.rewards.Slots())
	for _, stat := range pos.Stats {
		if stat.LiquidityShare.IsZero() {
			continue
		}
		bin, err := p.Bin(stat.BinID)
		if err != nil {
			return err
		}
		if err := pos.settleStat(stat, bin, slots); err != nil {
			return err
		}
	}
	return nil
}

// CollectFees settles the position and pays out the owed swap fees.
func (p *Pool) CollectFees(pos *Position, now uint64) (uint64, uint64, error) {
	if err := p.guard(OpCollectFee); err != nil {
		return 0, 0, err
	}
	if err := p.checkPosition(pos); err != nil {
		return 0, 0, err
	}
	if err := p.settleRewards(now); err != nil {
		return 0, 0, err
	}
	if err := p.settleAllStats(pos); err != nil {
		return 0, 0, err
	}
	feeA, feeB := pos.FeeOwedA, pos.FeeOwedB
	pos.FeeOwedA, pos.FeeOwedB = 0, 0
	p.metrics.liquidityOps.WithLabelValues("collect_fee").Inc()
	return feeA, feeB, nil
}

// CollectReward settles the position and pays out one reward token from the
// vault.
func (p *Pool) CollectReward(pos *Position, token dlmm.TypeTag, now uint64) (uint64, error) {
	if err := p.guard(OpCollectReward); err != nil {
		return 0, err
	}
	if err := p.checkPosition(pos); err != nil {
		return 0, err
	}
	if err := p.settleRewards(now); err != nil {
		return 0, err
	}
	if err := p.settleAllStats(pos); err != nil {
		return 0, err
	}
	slot, err := p.rewards.SlotIndex(token)
	if err != nil {
		return 0, err
	}
	owed := pos.rewardOwed(slot)
	if owed == 0 {
		return 0, nil
	}
	pos.RewardsOwed[slot] = 0
	paid := p.rewards.Harvest(token, owed)
	p.metrics.liquidityOps.WithLabelValues("collect_reward").Inc()
	return paid, nil
}

// ClosePosition removes all remaining liquidity, pays out fees with the
// withdrawn balances and hands the owed rewards over in a close
// certificate, one token type at a time. The position is destroyed.
func (p *Pool) ClosePosition(pos *Position, now uint64) (*CloseCert, uint64, uint64, error) {
	if err := p.guard(OpRemoveLiquidity); err != nil {
		return nil, 0, 0, err
	}
	if err := p.checkPosition(pos); err != nil {
		return nil, 0, 0, err
	}
	if pos.FlashCount > 0 {
		return nil, 0, 0, fmt.Errorf("%w: position has outstanding certificates", dlmm.ErrOpsBlocked)
	}

	var ids []int32
	var shares []*uint256.Int
	for _, stat := range pos.Stats {
		if stat.LiquidityShare.IsZero() {
			continue
		}
		ids = append(ids, stat.BinID)
		shares = append(shares, new(uint256.Int).Set(stat.LiquidityShare))
	}
	totalA, totalB, err := p.RemoveLiquidity(pos, ids, shares, now)
	if err != nil {
		return nil, 0, 0, err
	}

	totalA += pos.FeeOwedA
	totalB += pos.FeeOwedB
	pos.FeeOwedA, pos.FeeOwedB = 0, 0

	cert := &CloseCert{PoolID: p.id, Rewards: make(map[dlmm.TypeTag]uint64)}
	for slot, owed := range pos.RewardsOwed {
		if owed == 0 {
			continue
		}
		token := p.rewards.Slots()[slot].Token
		cert.Rewards[token] = p.rewards.Harvest(token, owed)
		pos.RewardsOwed[slot] = 0
	}

	if !pos.IsEmpty() {
		return nil, 0, 0, dlmm.ErrPositionNotEmpty
	}
	delete(p.positions, pos.ID)
	p.metrics.liquidityOps.WithLabelValues("close").Inc()
	return cert, totalA, totalB, nil
}

// --- Projections ---

// PositionAmounts computes the balances the position would withdraw right
// now, without mutating any state.
func (p *Pool) PositionAmounts(pos *Position) (uint64, uint64, error) {
	if err := p.checkPosition(pos); err != nil {
		return 0, 0, err
	}
	var totalA, totalB uint64
	for _, stat := range pos.Stats {
		if stat.LiquidityShare.IsZero() {
			continue
		}
		bin, err := p.Bin(stat.BinID)
		if err != nil {
			return 0, 0, err
		}
		outA, outB, err := dlmmmath.AmountsFromLiquidity(bin.AmountA, bin.AmountB, stat.LiquidityShare, bin.LiquiditySupply)
		if err != nil {
			return 0, 0, err
		}
		totalA += outA
		totalB += outB
	}
	return totalA, totalB, nil
}

// PositionAmountsAt is a what-if projection of PositionAmounts under a
// caller-supplied active id: bins above it are valued entirely in token A,
// bins below it entirely in token B, the expected active bin keeps its
// proportional split. Pool state is not modified.
func (p *Pool) PositionAmountsAt(pos *Position, expectedActiveID int32) (uint64, uint64, error) {
	if err := p.checkPosition(pos); err != nil {
		return 0, 0, err
	}
	var totalA, totalB uint64
	for _, stat := range pos.Stats {
		if stat.LiquidityShare.IsZero() {
			continue
		}
		bin, err := p.Bin(stat.BinID)
		if err != nil {
			return 0, 0, err
		}
		value := new(uint256.Int).Mul(bin.Price, uint256.NewInt(bin.AmountA))
		value.Add(value, new(uint256.Int).Lsh(uint256.NewInt(bin.AmountB), 64))
		share, err := dlmmmath.MulDiv(value, stat.LiquidityShare, bin.LiquiditySupply, false)
		if err != nil {
			return 0, 0, err
		}
		switch {
		case stat.BinID > expectedActiveID:
			amount := new(uint256.Int).Div(share, bin.Price)
			if !amount.IsUint64() {
				return 0, 0, dlmm.ErrAmountOverflow
			}
			totalA += amount.Uint64()
		case stat.BinID < expectedActiveID:
			amount := share.Rsh(share, 64)
			if !amount.IsUint64() {
				return 0, 0, dlmm.ErrAmountOverflow
			}
			totalB += amount.Uint64()
		default:
			outA, outB, err := dlmmmath.AmountsFromLiquidity(bin.AmountA, bin.AmountB, stat.LiquidityShare, bin.LiquiditySupply)
			if err != nil {
				return 0, 0, err
			}
			totalA += outA
			totalB += outB
		}
	}
	return totalA, totalB, nil
}

// --- Rewards ---

// InitializeReward opens a reward slot for the token.
func (p *Pool) InitializeReward(token dlmm.TypeTag, privileged bool, now uint64) (int, error) {
	if err := p.settleRewards(now); err != nil {
		return 0, err
	}
	return p.rewards.Initialize(token, privileged)
}

// AddReward schedules a reward emission; see RewardEngine.AddReward.
func (p *Pool) AddReward(token dlmm.TypeTag, amount uint64, start *uint64, end, now uint64) error {
	if err := p.settleRewards(now); err != nil {
		return err
	}
	return p.rewards.AddReward(token, amount, start, end, now)
}

// --- Admin ---

// Pause blocks every externally invoked operation.
func (p *Pool) Pause() {
	p.paused = true
	p.logger.Warn("pool paused", "pool", p.id)
}

// Unpause re-enables operations.
func (p *Pool) Unpause() {
	p.paused = false
	p.logger.Info("pool unpaused", "pool", p.id)
}

// SetPermissions replaces the operation bitfield.
func (p *Pool) SetPermissions(perms Permissions) {
	p.permissions = perms
}

// UpdateBaseFeeRate replaces the static fee component.
func (p *Pool) UpdateBaseFeeRate(rate uint64) error {
	if rate >= dlmmmath.FeePrecision {
		return dlmm.ErrFeeRateInvalid
	}
	old := p.baseFeeRate
	p.baseFeeRate = rate
	p.logger.Info("base fee rate updated", "pool", p.id, "old", old, "new", rate)
	return nil
}

// CollectProtocolFees drains the protocol fee sink.
func (p *Pool) CollectProtocolFees() (uint64, uint64) {
	feeA, feeB := p.protocolFeeA, p.protocolFeeB
	p.protocolFeeA, p.protocolFeeB = 0, 0
	return feeA, feeB
}

// PartnerFees reports the accumulated referral balances.
func (p *Pool) PartnerFees() (uint64, uint64) {
	return p.partnerFeeA, p.partnerFeeB
}
