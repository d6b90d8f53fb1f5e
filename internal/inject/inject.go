// Package inject produces synthetic single-event upsets for exercising the
// protection stack without real radiation.
package inject

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/lazypower/radguard/internal/metrics"
)

// Target is the raw-bit view of a redundant value that faults are written
// into. *tmr.Enhanced satisfies it.
type Target interface {
	Width() int
	FlipBits(copy int, mask uint64)
	ForceBits(copy int, mask, value uint64)
}

// Stuck pins bits of one copy to fixed values on every strike, modelling a
// damaged memory cell.
type Stuck struct {
	Copy  int    `json:"copy" yaml:"copy"`
	Mask  uint64 `json:"mask" yaml:"mask"`
	Value uint64 `json:"value" yaml:"value"`
}

// Counts tallies injected faults.
type Counts struct {
	Flips int `json:"flips"`
	Stuck int `json:"stuck"`
}

// Add returns the sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{Flips: c.Flips + o.Flips, Stuck: c.Stuck + o.Stuck}
}

// MaxRate caps the mean upsets per strike.
const MaxRate = 64

// ClampRate maps rate into [0, MaxRate]. NaN counts as zero.
func ClampRate(rate float64) float64 {
	if math.IsNaN(rate) || rate < 0 {
		return 0
	}
	return math.Min(rate, MaxRate)
}

// Injector decides where upsets land. Safe for concurrent use.
type Injector struct {
	mu     sync.Mutex
	rng    *rand.Rand
	rate   float64
	stuck  *Stuck
	totals Counts
}

// New returns an injector striking on average rate upsets per target per
// Strike call, clamped by ClampRate. The same seed yields the same fault
// sequence.
func New(rate float64, seed uint64) *Injector {
	return &Injector{
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		rate: ClampRate(rate),
	}
}

// SetRate changes the mean upsets per strike, clamped by ClampRate.
func (i *Injector) SetRate(rate float64) {
	i.mu.Lock()
	i.rate = ClampRate(rate)
	i.mu.Unlock()
}

// Rate returns the mean upsets per strike.
func (i *Injector) Rate() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rate
}

// PinBits makes every strike also force s onto its copy. A nil s clears it.
func (i *Injector) PinBits(s *Stuck) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if s == nil || s.Mask == 0 || s.Copy < 0 || s.Copy > 2 {
		i.stuck = nil
		return
	}
	cp := *s
	i.stuck = &cp
}

// Strike injects upsets into t. The number of single-bit flips is the
// integer part of the rate plus one more with probability of its fractional
// part; each flips a uniformly chosen bit of a uniformly chosen copy.
func (i *Injector) Strike(t Target) Counts {
	i.mu.Lock()
	n := int(i.rate)
	if frac := i.rate - float64(n); frac > 0 && i.rng.Float64() < frac {
		n++
	}
	width := t.Width()
	type flip struct {
		copy int
		bit  uint
	}
	flips := make([]flip, n)
	for k := range flips {
		flips[k] = flip{copy: i.rng.IntN(3), bit: uint(i.rng.IntN(width))}
	}
	stuck := i.stuck
	i.mu.Unlock()

	var c Counts
	for _, f := range flips {
		t.FlipBits(f.copy, 1<<f.bit)
		c.Flips++
	}
	if stuck != nil {
		t.ForceBits(stuck.Copy, stuck.Mask, stuck.Value)
		c.Stuck++
	}

	i.mu.Lock()
	i.totals = i.totals.Add(c)
	i.mu.Unlock()

	metrics.RecordInjected("flip", c.Flips)
	metrics.RecordInjected("stuck", c.Stuck)
	return c
}

// Totals returns everything injected so far.
func (i *Injector) Totals() Counts {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.totals
}
