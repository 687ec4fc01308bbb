package dlmm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/dlmmmath"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/pricemath"
)

const (
	// MaxBinStep bounds the price ratio between adjacent bins (10%).
	MaxBinStep = 1000

	// MaxProtocolFeeRate caps the protocol's cut of swap fees at 30%.
	MaxProtocolFeeRate = 300_000_000

	// varFeeScale converts variable_fee_control * (vol * binStep)^2 into
	// FeePrecision units, ceiling-scaled.
	varFeeScale = 100_000_000_000
	varFeeRound = varFeeScale - 1
)

// BinStepConfig is the immutable fee configuration shared by every pool of a
// given bin step.
type BinStepConfig struct {
	BinStep                  uint16 `json:"binStep"`
	BaseFactor               uint16 `json:"baseFactor"`
	FilterPeriod             uint16 `json:"filterPeriod"`
	DecayPeriod              uint16 `json:"decayPeriod"`
	ReductionFactor          uint16 `json:"reductionFactor"`
	VariableFeeControl       uint32 `json:"variableFeeControl"`
	MaxVolatilityAccumulator uint32 `json:"maxVolatilityAccumulator"`
	ProtocolFeeRate          uint64 `json:"protocolFeeRate"`
}

// Validate checks the configured bounds: bin step, reduction factor and the
// protocol fee cut.
func (c *BinStepConfig) Validate() error {
	if c.BinStep == 0 || c.BinStep > MaxBinStep {
		return fmt.Errorf("%w: bin step %d", ErrFeeRateInvalid, c.BinStep)
	}
	if c.ReductionFactor > pricemath.BasisPointMax {
		return fmt.Errorf("%w: reduction factor %d", ErrFeeRateInvalid, c.ReductionFactor)
	}
	if c.ProtocolFeeRate > MaxProtocolFeeRate {
		return fmt.Errorf("%w: protocol fee rate %d", ErrFeeRateInvalid, c.ProtocolFeeRate)
	}
	return nil
}

// VariableParameters is the dynamic-fee volatility state machine. The
// accumulator rises as swaps cross bins and decays between trades; the
// variable fee is quadratic in accumulator * binStep.
type VariableParameters struct {
	VolatilityAccumulator uint32        `json:"volatilityAccumulator"`
	VolatilityReference   uint32        `json:"volatilityReference"`
	IndexReference        int32         `json:"indexReference"`
	LastUpdateTimestamp   uint64        `json:"lastUpdateTimestamp"`
	Config                BinStepConfig `json:"config"`
}

// NewVariableParameters creates the volatility state anchored at the given
// bin id and timestamp.
func NewVariableParameters(cfg BinStepConfig, indexReference int32, now uint64) VariableParameters {
	return VariableParameters{
		IndexReference:      indexReference,
		LastUpdateTimestamp: now,
		Config:              cfg,
	}
}

// UpdateReferences runs the pre-swap reference decay. When enough time has
// passed since the last swap the index reference snaps to the active bin and
// the volatility reference decays (fully, past the decay period).
func (v *VariableParameters) UpdateReferences(activeID int32, now uint64) {
	if now <= v.LastUpdateTimestamp {
		return
	}
	elapsed := now - v.LastUpdateTimestamp
	if elapsed < uint64(v.Config.FilterPeriod) {
		return
	}

	v.IndexReference = activeID
	if elapsed < uint64(v.Config.DecayPeriod) {
		scaled := uint64(v.VolatilityAccumulator) * uint64(v.Config.ReductionFactor) / pricemath.BasisPointMax
		v.VolatilityReference = uint32(scaled)
	} else {
		v.VolatilityReference = 0
	}
}

// UpdateVolatilityAccumulator folds the distance between the active bin and
// the index reference into the accumulator, capped by the configuration.
func (v *VariableParameters) UpdateVolatilityAccumulator(activeID int32) {
	delta := int64(activeID) - int64(v.IndexReference)
	if delta < 0 {
		delta = -delta
	}
	acc := uint64(v.VolatilityReference) + uint64(delta)*pricemath.BasisPointMax
	if acc > uint64(v.Config.MaxVolatilityAccumulator) {
		acc = uint64(v.Config.MaxVolatilityAccumulator)
	}
	v.VolatilityAccumulator = uint32(acc)
}

// VariableFeeRate derives the dynamic fee surcharge from the current
// accumulator, in FeePrecision units. The result is capped at MaxFeeRate,
// which the total rate would enforce anyway.
func (v *VariableParameters) VariableFeeRate() uint64 {
	if v.Config.VariableFeeControl == 0 {
		return 0
	}
	combined := uint64(v.VolatilityAccumulator) * uint64(v.Config.BinStep)
	square := new(uint256.Int).Mul(uint256.NewInt(combined), uint256.NewInt(combined))
	vFee := square.Mul(square, uint256.NewInt(uint64(v.Config.VariableFeeControl)))
	vFee.AddUint64(vFee, varFeeRound)
	vFee.Div(vFee, uint256.NewInt(varFeeScale))
	if !vFee.IsUint64() || vFee.Uint64() > dlmmmath.MaxFeeRate {
		return dlmmmath.MaxFeeRate
	}
	return vFee.Uint64()
}

// TotalFeeRate returns the capped total swap fee rate and the variable
// component it includes.
func (v *VariableParameters) TotalFeeRate(baseFeeRate uint64) (uint64, uint64) {
	varFee := v.VariableFeeRate()
	total := baseFeeRate + varFee
	if total > dlmmmath.MaxFeeRate {
		total = dlmmmath.MaxFeeRate
	}
	return total, varFee
}
