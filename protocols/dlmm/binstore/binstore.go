// Package binstore holds a pool's populated bins in an ordered container.
// Bins are grouped sixteen at a time on the non-negative score axis
// (score = id - MinBinID) so that one group load covers up to sixteen
// adjacent bins during a swap. Groups carry an occupancy mask and are
// dropped as soon as the mask empties.
package binstore

import (
	"sort"

	"github.com/binstate/dlmm-engine-go/bitset"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator/pricemath"
)

// GroupSize is the number of bin slots per group.
const GroupSize = 16

type group struct {
	idx  uint32
	bins [GroupSize]*dlmm.Bin
	used bitset.BitSet
}

func newGroup(idx uint32) *group {
	return &group{
		idx:  idx,
		used: bitset.NewBitSet(GroupSize),
	}
}

// Store is an ordered mapping from bin id to bin. Lookups are O(1) through
// the group map; directional seeks are O(log n) in the number of non-empty
// groups through the sorted group index.
type Store struct {
	groups map[uint32]*group
	order  []uint32 // sorted indices of non-empty groups
	count  int
}

// New creates an empty store.
func New() *Store {
	return &Store{groups: make(map[uint32]*group)}
}

// Len returns the number of populated bins.
func (s *Store) Len() int {
	return s.count
}

func locate(id int32) (uint32, uint64, error) {
	score, err := pricemath.ScoreFromID(id)
	if err != nil {
		return 0, 0, err
	}
	return score / GroupSize, uint64(score % GroupSize), nil
}

// Get returns the bin at id, or nil when it is not populated.
func (s *Store) Get(id int32) (*dlmm.Bin, error) {
	gidx, off, err := locate(id)
	if err != nil {
		return nil, err
	}
	g, ok := s.groups[gidx]
	if !ok || !g.used.IsSet(off) {
		return nil, nil
	}
	return g.bins[off], nil
}

// Put inserts or replaces the bin at its id.
func (s *Store) Put(bin *dlmm.Bin) error {
	gidx, off, err := locate(bin.ID)
	if err != nil {
		return err
	}
	g, ok := s.groups[gidx]
	if !ok {
		g = newGroup(gidx)
		s.groups[gidx] = g
		s.insertOrder(gidx)
	}
	if !g.used.IsSet(off) {
		g.used.Set(off)
		s.count++
	}
	g.bins[off] = bin
	return nil
}

// Remove drops the bin at id; the group is released once its mask empties.
func (s *Store) Remove(id int32) error {
	gidx, off, err := locate(id)
	if err != nil {
		return err
	}
	g, ok := s.groups[gidx]
	if !ok || !g.used.IsSet(off) {
		return dlmm.ErrBinMissing
	}
	g.used.Unset(off)
	g.bins[off] = nil
	s.count--
	if !g.used.Any() {
		delete(s.groups, gidx)
		s.removeOrder(gidx)
	}
	return nil
}

// SeekLE returns the populated bin with the greatest id <= id.
func (s *Store) SeekLE(id int32) (*dlmm.Bin, bool) {
	gidx, off, err := locate(id)
	if err != nil {
		// Clamp out-of-range seeks onto the score axis.
		if id > pricemath.MaxBinID {
			return s.last()
		}
		return nil, false
	}

	if g, ok := s.groups[gidx]; ok {
		if slot, ok := g.used.PrevSet(off); ok {
			return g.bins[slot], true
		}
	}

	// Walk to the nearest lower non-empty group.
	pos := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= gidx })
	if pos == 0 {
		return nil, false
	}
	g := s.groups[s.order[pos-1]]
	slot, _ := g.used.PrevSet(GroupSize - 1)
	return g.bins[slot], true
}

// SeekGE returns the populated bin with the smallest id >= id.
func (s *Store) SeekGE(id int32) (*dlmm.Bin, bool) {
	gidx, off, err := locate(id)
	if err != nil {
		if id < pricemath.MinBinID {
			return s.first()
		}
		return nil, false
	}

	if g, ok := s.groups[gidx]; ok {
		if slot, ok := g.used.NextSet(off); ok {
			return g.bins[slot], true
		}
	}

	pos := sort.Search(len(s.order), func(i int) bool { return s.order[i] > gidx })
	if pos == len(s.order) {
		return nil, false
	}
	g := s.groups[s.order[pos]]
	slot, _ := g.used.NextSet(0)
	return g.bins[slot], true
}

// NextInDirection returns the populated bin the swap should consume next:
// the greatest id <= from for a2b, the smallest id >= from otherwise. With
// inclusive false the bin at from itself is skipped.
func (s *Store) NextInDirection(from int32, a2b, inclusive bool) (*dlmm.Bin, bool) {
	if a2b {
		if !inclusive {
			if from == pricemath.MinBinID {
				return nil, false
			}
			from--
		}
		return s.SeekLE(from)
	}
	if !inclusive {
		if from == pricemath.MaxBinID {
			return nil, false
		}
		from++
	}
	return s.SeekGE(from)
}

// Ascend calls fn on every populated bin in ascending id order until fn
// returns false.
func (s *Store) Ascend(fn func(*dlmm.Bin) bool) {
	for _, gidx := range s.order {
		g := s.groups[gidx]
		for off := uint64(0); off < GroupSize; off++ {
			if !g.used.IsSet(off) {
				continue
			}
			if !fn(g.bins[off]) {
				return
			}
		}
	}
}

// All returns the populated bins in ascending id order.
func (s *Store) All() []*dlmm.Bin {
	out := make([]*dlmm.Bin, 0, s.count)
	s.Ascend(func(b *dlmm.Bin) bool {
		out = append(out, b)
		return true
	})
	return out
}

func (s *Store) first() (*dlmm.Bin, bool) {
	if len(s.order) == 0 {
		return nil, false
	}
	g := s.groups[s.order[0]]
	slot, _ := g.used.NextSet(0)
	return g.bins[slot], true
}

func (s *Store) last() (*dlmm.Bin, bool) {
	if len(s.order) == 0 {
		return nil, false
	}
	g := s.groups[s.order[len(s.order)-1]]
	slot, _ := g.used.PrevSet(GroupSize - 1)
	return g.bins[slot], true
}

func (s *Store) insertOrder(gidx uint32) {
	pos := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= gidx })
	s.order = append(s.order, 0)
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = gidx
}

func (s *Store) removeOrder(gidx uint32) {
	pos := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= gidx })
	if pos < len(s.order) && s.order[pos] == gidx {
		s.order = append(s.order[:pos], s.order[pos+1:]...)
	}
}
