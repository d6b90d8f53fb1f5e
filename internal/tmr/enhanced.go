package tmr

import (
	"fmt"
	"strings"
)

const (
	healthFloor   = 0.1
	healthCeiling = 1.0
	// partialCeiling caps a copy whose only differences are pinned bits.
	partialCeiling = 0.9

	voteReward    = 0.05
	votePenalty   = 0.15
	repairReward  = 0.1
	partialReward = 0.05
	repairPenalty = 0.2
)

// Enhanced keeps three copies of a value and votes around both transient
// upsets and bits that are physically stuck.
//
// Enhanced is not safe for concurrent use.
type Enhanced[T any] struct {
	pattern Pattern[T]
	copies  [3]uint64
	health  [3]float64
	tracker *StuckBitTracker
	stats   ErrorStats
	onError func(majority, dissenter T)
}

// Option configures an Enhanced.
type Option[T any] func(*Enhanced[T])

// WithOnError registers a hook that fires whenever a vote outvotes a copy.
func WithOnError[T any](fn func(majority, dissenter T)) Option[T] {
	return func(e *Enhanced[T]) { e.onError = fn }
}

// NewEnhanced protects initial using the given bit pattern.
func NewEnhanced[T any](p Pattern[T], initial T, opts ...Option[T]) *Enhanced[T] {
	e := &Enhanced[T]{
		pattern: p,
		tracker: NewStuckBitTracker(p.Width()),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Set(initial)
	return e
}

// RepairReport describes one repair pass.
type RepairReport struct {
	Outcome Outcome `json:"outcome"`
	// RepairedBits counts bits rewritten across all copies.
	RepairedBits int `json:"repaired_bits"`
	// NewStuckBits lists bits that crossed the stuck threshold this pass.
	NewStuckBits Mask `json:"new_stuck_bits"`
}

// Get returns the voted value.
func (e *Enhanced[T]) Get() T {
	return e.Vote().Value
}

// Vote returns the voted value together with how confident the vote is.
func (e *Enhanced[T]) Vote() Vote[T] {
	var raw Vote[uint64]
	if e.tracker.Mask().Any() {
		raw = e.maskedVote()
	} else {
		raw = e.standardVote()
	}
	e.stats.Record(raw.Outcome)
	if raw.Outcome == Corrected && e.onError != nil && raw.Dissenter >= 0 {
		e.onError(e.pattern.FromBits(raw.Value), e.pattern.FromBits(e.copies[raw.Dissenter]))
	}
	return Vote[T]{
		Value:     e.pattern.FromBits(raw.Value),
		Outcome:   raw.Outcome,
		Dissenter: raw.Dissenter,
	}
}

// Set overwrites all copies. A fresh write is assumed clean, so health and
// stuck-bit history are reset.
func (e *Enhanced[T]) Set(v T) {
	b := e.pattern.Bits(v) & widthMask(e.pattern.Width())
	e.copies = [3]uint64{b, b, b}
	e.health = [3]float64{1, 1, 1}
	e.tracker.Reset()
}

// Repair learns stuck bits from the current disagreement, then rewrites
// every differing bit that is not pinned in its copy.
func (e *Enhanced[T]) Repair() RepairReport {
	base := e.standardVote()
	e.stats.Record(base.Outcome)
	report := RepairReport{Outcome: base.Outcome}
	report.NewStuckBits = e.tracker.Observe(e.copies, base.Value)

	var correct uint64
	if e.tracker.Mask().Any() {
		correct = e.maskedVote().Value
	} else {
		correct = base.Value
	}

	for i := range e.copies {
		diff := e.copies[i] ^ correct
		if diff == 0 {
			e.health[i] = clamp(e.health[i]+repairReward, healthCeiling)
			continue
		}
		fix := diff &^ uint64(e.tracker.Pinned(i))
		if fix != 0 {
			e.copies[i] = (e.copies[i] &^ fix) | (correct & fix)
			report.RepairedBits += Mask(fix).Count()
		}
		switch {
		case e.copies[i] == correct:
			e.health[i] = clamp(e.health[i]+repairReward, healthCeiling)
		case e.tracker.OnlyStuckDiffer(i, e.copies[i], correct):
			e.health[i] = clamp(e.health[i]+partialReward, partialCeiling)
		default:
			e.health[i] = clamp(e.health[i]-repairPenalty, healthCeiling)
		}
	}
	return report
}

// standardVote is a copy-level two-of-three vote that also adjusts health.
func (e *Enhanced[T]) standardVote() Vote[uint64] {
	v := Majority(e.copies)
	if v.Outcome == Corrected {
		for i := range e.copies {
			e.adjustHealth(i, i != v.Dissenter)
		}
	}
	return v
}

// maskedVote votes bit by bit. Stuck bits only take votes from copies that
// are not pinned at that position.
func (e *Enhanced[T]) maskedVote() Vote[uint64] {
	c := e.copies
	if c[0] == c[1] && c[1] == c[2] {
		return Vote[uint64]{Value: c[0], Outcome: Unanimous, Dissenter: -1}
	}

	stuck := e.tracker.Mask()
	var result uint64
	for bit := 0; bit < e.pattern.Width(); bit++ {
		m := uint64(1) << uint(bit)
		if !stuck.Test(bit) {
			ones := 0
			for i := range c {
				if c[i]&m != 0 {
					ones++
				}
			}
			if ones > len(c)/2 {
				result |= m
			}
			continue
		}

		valid, ones := 0, 0
		for i := range c {
			if e.tracker.CopyMask(i).Test(bit) {
				continue
			}
			valid++
			if c[i]&m != 0 {
				ones++
			}
		}
		if valid > 0 {
			if ones > valid/2 {
				result |= m
			}
			continue
		}

		var weighted, total float64
		for i := range c {
			total += e.health[i]
			if c[i]&m != 0 {
				weighted += e.health[i]
			}
		}
		if total > 0 && weighted/total > 0.5 {
			result |= m
		}
	}

	v := Vote[uint64]{Value: result, Outcome: Corrected, Dissenter: -1}
	for i := range c {
		agrees := c[i] == result || e.tracker.OnlyStuckDiffer(i, c[i], result)
		if !agrees && v.Dissenter < 0 {
			v.Dissenter = i
		}
		e.adjustHealth(i, agrees)
	}
	return v
}

func (e *Enhanced[T]) adjustHealth(i int, agreed bool) {
	if agreed {
		e.health[i] = clamp(e.health[i]+voteReward, healthCeiling)
	} else {
		e.health[i] = clamp(e.health[i]-votePenalty, healthCeiling)
	}
}

func clamp(v, ceiling float64) float64 {
	if v > ceiling {
		return ceiling
	}
	if v < healthFloor {
		return healthFloor
	}
	return v
}

// HealthScores returns the per-copy reliability estimates.
func (e *Enhanced[T]) HealthScores() [3]float64 { return e.health }

// StuckMask returns the bits currently treated as stuck.
func (e *Enhanced[T]) StuckMask() Mask { return e.tracker.Mask() }

// Tracker exposes the stuck-bit state for diagnostics.
func (e *Enhanced[T]) Tracker() *StuckBitTracker { return e.tracker }

// Stats returns the voting counters.
func (e *Enhanced[T]) Stats() ErrorStats { return e.stats }

// ResetStats zeroes the voting counters.
func (e *Enhanced[T]) ResetStats() { e.stats = ErrorStats{} }

// Width returns the bit width of the protected type.
func (e *Enhanced[T]) Width() int { return e.pattern.Width() }

// Copies returns the raw copies.
func (e *Enhanced[T]) Copies() [3]T {
	var out [3]T
	for i, b := range e.copies {
		out[i] = e.pattern.FromBits(b)
	}
	return out
}

// CorruptCopy overwrites copy i. It exists for fault injection.
func (e *Enhanced[T]) CorruptCopy(i int, v T) {
	if i < 0 || i >= len(e.copies) {
		return
	}
	e.copies[i] = e.pattern.Bits(v) & widthMask(e.pattern.Width())
}

// FlipBits XORs mask into copy i.
func (e *Enhanced[T]) FlipBits(i int, mask uint64) {
	if i < 0 || i >= len(e.copies) {
		return
	}
	e.copies[i] ^= mask & widthMask(e.pattern.Width())
}

// ForceBits drives the bits in mask of copy i to the matching bits of value,
// the way a pinned memory cell reads.
func (e *Enhanced[T]) ForceBits(i int, mask, value uint64) {
	if i < 0 || i >= len(e.copies) {
		return
	}
	mask &= widthMask(e.pattern.Width())
	e.copies[i] = (e.copies[i] &^ mask) | (value & mask)
}

// Diagnostics renders health scores and the stuck-bit mask.
func (e *Enhanced[T]) Diagnostics() string {
	var b strings.Builder
	b.WriteString("enhanced tmr diagnostics:\n")
	fmt.Fprintf(&b, "  health scores: [%.2f, %.2f, %.2f]\n", e.health[0], e.health[1], e.health[2])
	stuck := e.tracker.Mask()
	fmt.Fprintf(&b, "  stuck bits: %d\n", stuck.Count())
	fmt.Fprintf(&b, "  stuck mask: %s\n", stuck.Format(e.pattern.Width()))
	fmt.Fprintf(&b, "  errors: detected=%d corrected=%d uncorrectable=%d\n",
		e.stats.Detected, e.stats.Corrected, e.stats.Uncorrectable)
	return b.String()
}
