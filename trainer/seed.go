package trainer

import (
	"fmt"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// === RunSeed ===

// RunSeed identifies a reproducible run. Two runs with the same RunSeed,
// configuration and data produce identical batches and initial weights.
type RunSeed int64

// === Subsystem Constants ===

const (
	// SubsystemModel seeds parameter initialization.
	SubsystemModel = "model"

	// SubsystemShuffle seeds data loader shuffling.
	SubsystemShuffle = "shuffle"

	// SubsystemData seeds synthetic data generation.
	SubsystemData = "data"
)

// SubsystemEpoch returns the subsystem name for epoch-scoped streams.
func SubsystemEpoch(name string, epoch int) string {
	return fmt.Sprintf("%s_epoch_%d", name, epoch)
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG streams per subsystem.
//
// Derivation: seed XOR xxhash64(subsystemName).
//
// Thread-safety: NOT thread-safe. Use one stream per goroutine.
type PartitionedRNG struct {
	seed       RunSeed
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a RunSeed.
func NewPartitionedRNG(seed RunSeed) *PartitionedRNG {
	return &PartitionedRNG{
		seed:       seed,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns the stream for the named subsystem.
// The same name always returns the same *rand.Rand instance (cached).
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(DeriveSeed(p.seed, name)))
	p.subsystems[name] = rng
	return rng
}

// Seed returns the RunSeed this PartitionedRNG was created with.
func (p *PartitionedRNG) Seed() RunSeed {
	return p.seed
}

// DeriveSeed returns the seed of the named subsystem stream without caching
// it. Loaders use it to build a fresh stream per epoch.
func DeriveSeed(seed RunSeed, name string) int64 {
	return int64(seed) ^ int64(xxhash.Sum64String(name))
}
