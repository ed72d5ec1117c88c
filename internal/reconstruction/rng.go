package reconstruction

import "math/rand/v2"

// RngContext carries the random source for one pipeline run. It replaces
// process-global seeding: every model call receives the context explicitly,
// and Reset restores the initial stream.
type RngContext struct {
	seed          uint64
	deterministic bool
	rand          *rand.Rand
}

// NewRngContext returns a deterministic context seeded with seed.
func NewRngContext(seed int64) *RngContext {
	r := &RngContext{seed: uint64(seed), deterministic: true}
	r.Reset()
	return r
}

// Reset re-seeds the source so the next draws repeat the first run.
func (r *RngContext) Reset() {
	r.rand = rand.New(rand.NewPCG(r.seed, r.seed^0x9e3779b97f4a7c15))
}

// Seed returns the configured seed.
func (r *RngContext) Seed() int64 { return int64(r.seed) }

// Deterministic reports whether draws are reproducible.
func (r *RngContext) Deterministic() bool { return r.deterministic }

// Rand returns the seeded generator.
func (r *RngContext) Rand() *rand.Rand { return r.rand }
