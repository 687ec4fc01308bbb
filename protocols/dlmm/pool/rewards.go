package pool

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm"
)

const (
	// ReservedRewardSlots are the tail slots only privileged callers may
	// initialize.
	ReservedRewardSlots = 2

	// MinRewardDuration is the shortest emission window AddReward accepts.
	MinRewardDuration = 3600

	// RewardPeriodRef anchors the emission epoch grid.
	RewardPeriodRef = 1_757_332_800
	// RewardPeriodLength is one emission epoch in seconds.
	RewardPeriodLength = 604_800
)

// RewardPeriodStart returns the start of the emission epoch containing ts.
// Timestamps before the reference map onto the first epoch.
func RewardPeriodStart(ts uint64) uint64 {
	if ts < RewardPeriodRef {
		return RewardPeriodRef
	}
	return ts - (ts-RewardPeriodRef)%RewardPeriodLength
}

// RewardPeriodEnd returns the end of the emission epoch containing ts.
func RewardPeriodEnd(ts uint64) uint64 {
	return RewardPeriodStart(ts) + RewardPeriodLength
}

// scheduleEntry is a signed emission-rate change taking effect at Time.
type scheduleEntry struct {
	Time uint64
	Rate *uint256.Int // Q64.64 per second
	Add  bool
}

// RewardSlot is one reward token's emission state.
type RewardSlot struct {
	Token dlmm.TypeTag

	// EmissionRate is the Q64.64 units-per-second rate currently active.
	EmissionRate *uint256.Int

	// schedule holds the pending rate deltas in ascending time order.
	schedule []scheduleEntry

	// Released accumulates every emitted Q64.64 unit, credited or not.
	Released *uint256.Int
	// Refunded counts whole tokens emitted while the active bin had no
	// liquidity; they are returned to the reward manager.
	Refunded *uint256.Int
	// Harvested counts whole tokens paid out to positions.
	Harvested *uint256.Int
}

// RewardEngine owns the pool's reward slots, their vault balances and the
// refund ledger.
type RewardEngine struct {
	slots       []*RewardSlot
	vault       map[dlmm.TypeTag]uint64
	refundable  map[dlmm.TypeTag]uint64
	lastUpdated uint64
}

// NewRewardEngine creates an empty engine anchored at now.
func NewRewardEngine(now uint64) *RewardEngine {
	return &RewardEngine{
		vault:       make(map[dlmm.TypeTag]uint64),
		refundable:  make(map[dlmm.TypeTag]uint64),
		lastUpdated: now,
	}
}

// Slots returns the initialized reward slots in order.
func (e *RewardEngine) Slots() []*RewardSlot {
	return e.slots
}

// SlotIndex resolves a reward token to its slot index.
func (e *RewardEngine) SlotIndex(token dlmm.TypeTag) (int, error) {
	for i, s := range e.slots {
		if s.Token == token {
			return i, nil
		}
	}
	return 0, dlmm.ErrRewardMissing
}

// VaultBalance returns the undistributed balance held for a token.
func (e *RewardEngine) VaultBalance(token dlmm.TypeTag) uint64 {
	return e.vault[token]
}

// Initialize appends a reward slot for the token. The tail slots are
// reserved for privileged callers.
func (e *RewardEngine) Initialize(token dlmm.TypeTag, privileged bool) (int, error) {
	if len(e.slots) >= dlmm.MaxRewardSlots {
		return 0, dlmm.ErrRewardSlotFull
	}
	for _, s := range e.slots {
		if s.Token == token {
			return 0, dlmm.ErrRewardExists
		}
	}
	idx := len(e.slots)
	if idx >= dlmm.MaxRewardSlots-ReservedRewardSlots && !privileged {
		return 0, fmt.Errorf("%w: reward slot %d is reserved", dlmm.ErrOpsBlocked, idx)
	}
	e.slots = append(e.slots, &RewardSlot{
		Token:        token,
		EmissionRate: new(uint256.Int),
		Released:     new(uint256.Int),
		Refunded:     new(uint256.Int),
		Harvested:    new(uint256.Int),
	})
	return idx, nil
}

// maxEmissionRate bounds a single period's rate at u128/2 so merged rates
// cannot overflow the accumulator math.
var maxEmissionRate = new(uint256.Int).Lsh(uint256.NewInt(1), 127)

// AddReward schedules amount to be emitted linearly between start and end
// and deposits it into the vault. A nil start means now; starts in the past
// are clamped to now. The engine must be settled to now first.
func (e *RewardEngine) AddReward(token dlmm.TypeTag, amount uint64, start *uint64, end, now uint64) error {
	idx, err := e.SlotIndex(token)
	if err != nil {
		return err
	}
	slot := e.slots[idx]

	from := now
	if start != nil && *start > now {
		from = *start
	}
	if end <= from {
		return dlmm.ErrRewardDurationShort
	}
	if end-from < MinRewardDuration {
		return dlmm.ErrRewardDurationShort
	}

	rate := new(uint256.Int).Lsh(uint256.NewInt(amount), 64)
	rate.Div(rate, uint256.NewInt(end-from))
	if rate.Cmp(maxEmissionRate) > 0 {
		return dlmm.ErrAmountOverflow
	}

	if from <= now {
		slot.EmissionRate.Add(slot.EmissionRate, rate)
	} else {
		slot.insertEntry(scheduleEntry{Time: from, Rate: rate, Add: true})
	}
	slot.insertEntry(scheduleEntry{Time: end, Rate: rate, Add: false})

	e.vault[token] += amount
	return nil
}

func (s *RewardSlot) insertEntry(entry scheduleEntry) {
	pos := len(s.schedule)
	for pos > 0 && s.schedule[pos-1].Time > entry.Time {
		pos--
	}
	s.schedule = append(s.schedule, scheduleEntry{})
	copy(s.schedule[pos+1:], s.schedule[pos:])
	s.schedule[pos] = entry
}

// Settle advances every slot from the last settlement to now, crediting the
// emitted amounts to the active bin's reward growth. Segments emitted while
// the active bin has no liquidity supply are booked as refunds instead.
// Callers must settle before any operation that reads reward growth.
func (e *RewardEngine) Settle(activeBin *dlmm.Bin, now uint64) error {
	if now < e.lastUpdated {
		return nil
	}
	var supply *uint256.Int
	if activeBin != nil {
		supply = activeBin.LiquiditySupply
	}

	for slotIdx, slot := range e.slots {
		t := e.lastUpdated
		for {
			// Apply rate deltas effective at or before t.
			for len(slot.schedule) > 0 && slot.schedule[0].Time <= t {
				entry := slot.schedule[0]
				slot.schedule = slot.schedule[1:]
				if entry.Add {
					slot.EmissionRate.Add(slot.EmissionRate, entry.Rate)
				} else {
					slot.EmissionRate.Sub(slot.EmissionRate, entry.Rate)
				}
			}
			if t >= now {
				break
			}
			next := now
			if len(slot.schedule) > 0 && slot.schedule[0].Time < next {
				next = slot.schedule[0].Time
			}
			if !slot.EmissionRate.IsZero() {
				released := new(uint256.Int).Mul(slot.EmissionRate, uint256.NewInt(next-t))
				if supply != nil && !supply.IsZero() {
					growth := new(uint256.Int).Lsh(released, 64)
					growth.Div(growth, supply)
					acc := activeBin.RewardGrowth(slotIdx)
					acc.Add(acc, growth)
					slot.Released.Add(slot.Released, released)
				} else {
					// Nothing to credit against: the whole-token part
					// goes back to the reward manager.
					refund := new(uint256.Int).Rsh(released, 64)
					slot.Refunded.Add(slot.Refunded, refund)
					if refund.IsUint64() {
						e.refundable[slot.Token] += refund.Uint64()
					}
				}
			}
			t = next
		}
	}
	e.lastUpdated = now
	return nil
}

// Harvest pays owed reward tokens out of the vault, clamping to the vault
// balance to absorb floor-rounding drift.
func (e *RewardEngine) Harvest(token dlmm.TypeTag, amount uint64) uint64 {
	idx, err := e.SlotIndex(token)
	if err != nil {
		return 0
	}
	if bal := e.vault[token]; amount > bal {
		amount = bal
	}
	e.vault[token] -= amount
	e.slots[idx].Harvested.AddUint64(e.slots[idx].Harvested, amount)
	return amount
}

// WithdrawRefund returns the tokens emitted into empty bins to the reward
// manager and clears the refund ledger for the token.
func (e *RewardEngine) WithdrawRefund(token dlmm.TypeTag) uint64 {
	amount := e.refundable[token]
	if amount > e.vault[token] {
		amount = e.vault[token]
	}
	e.refundable[token] = 0
	e.vault[token] -= amount
	return amount
}
