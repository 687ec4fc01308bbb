// Package registry creates and indexes DLMM pools. Pool identity is a
// deterministic hash of the canonical token pair and the step
// configuration, so the same pair can never be registered twice.
package registry

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/pool"
)

// CanonicalPair orders two coin types byte-wise and rejects identical ones.
func CanonicalPair(a, b dlmm.TypeTag) (dlmm.TypeTag, dlmm.TypeTag, error) {
	switch bytes.Compare([]byte(a), []byte(b)) {
	case 0:
		return "", "", dlmm.ErrSameCoinType
	case 1:
		return b, a, nil
	default:
		return a, b, nil
	}
}

// Config holds the registry dependencies, both required.
type Config struct {
	Registry prometheus.Registerer
	Logger   pool.Logger
}

func (c *Config) validate() error {
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	return nil
}

// Registry owns the pools of a deployment.
type Registry struct {
	cfg   Config
	pools map[common.Hash]*pool.Pool
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Registry{cfg: cfg, pools: make(map[common.Hash]*pool.Pool)}, nil
}

// CreatePool canonicalizes the pair, derives the pool key and instantiates
// the pool. An existing key is rejected.
func (r *Registry) CreatePool(tokenA, tokenB dlmm.TypeTag, step dlmm.BinStepConfig, activeID int32, baseFeeRate, now uint64) (*pool.Pool, error) {
	a, b, err := CanonicalPair(tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	key := pool.Key(a, b, step.BinStep, step.BaseFactor)
	if _, exists := r.pools[key]; exists {
		return nil, dlmm.ErrPoolExists
	}

	p, err := pool.New(pool.Config{
		TokenA:      a,
		TokenB:      b,
		ActiveID:    activeID,
		BaseFeeRate: baseFeeRate,
		StepConfig:  step,
		Now:         now,
		Registry:    prometheus.WrapRegistererWith(prometheus.Labels{"pool": key.Hex()}, r.cfg.Registry),
		Logger:      r.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.pools[key] = p
	return p, nil
}

// Get retrieves a pool by its key.
func (r *Registry) Get(key common.Hash) (*pool.Pool, bool) {
	p, ok := r.pools[key]
	return p, ok
}

// Key derives the pool key a pair would receive without creating it.
func (r *Registry) Key(tokenA, tokenB dlmm.TypeTag, step dlmm.BinStepConfig) (common.Hash, error) {
	a, b, err := CanonicalPair(tokenA, tokenB)
	if err != nil {
		return common.Hash{}, err
	}
	return pool.Key(a, b, step.BinStep, step.BaseFactor), nil
}

// All returns every registered pool.
func (r *Registry) All() []*pool.Pool {
	out := make([]*pool.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}
