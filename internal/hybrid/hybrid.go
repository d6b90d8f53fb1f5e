// Package hybrid combines spatial (TMR), temporal and checkpoint redundancy
// into a single protected value.
package hybrid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lazypower/radguard/internal/checkpoint"
	"github.com/lazypower/radguard/internal/temporal"
	"github.com/lazypower/radguard/internal/tmr"
)

const (
	DefaultCheckpoints        = 5
	DefaultCheckpointInterval = 30 * time.Second
)

// Tier is one row of the radiation-to-settings table.
type Tier struct {
	Executions int
	Delay      time.Duration
	Confidence float64
}

// TierFor maps a radiation level (1.0 = nominal) to temporal settings and a
// voting confidence threshold.
func TierFor(level float64) Tier {
	switch {
	case level > 5.0:
		return Tier{Executions: 5, Delay: 20 * time.Millisecond, Confidence: 0.9}
	case level > 2.0:
		return Tier{Executions: 4, Delay: 15 * time.Millisecond, Confidence: 0.8}
	default:
		return Tier{Executions: 3, Delay: 10 * time.Millisecond, Confidence: 0.6}
	}
}

// Value is a protected value. Reads are voted spatially and temporally;
// writes are checkpointed.
//
// The mutex lets a scrubber goroutine call Repair while the owner reads; the
// owner is still expected to be the only writer.
type Value[T comparable] struct {
	mu          sync.Mutex
	tmr         *tmr.Enhanced[T]
	temporal    *temporal.Redundancy[*tmr.Enhanced[T], T]
	checkpoints *checkpoint.Store[T]
	version     uint64
	radiation   float64
	confidence  float64

	checkpointOpts []checkpoint.Option[T]
	tmrOpts        []tmr.Option[T]
	temporalOpts   []temporal.Option
	rollbacks      uint64
	repairFailures uint64
	repairedBits   uint64
}

// Option configures a Value.
type Option[T comparable] func(*Value[T])

// WithCheckpointOptions passes options to every checkpoint store the value
// creates.
func WithCheckpointOptions[T comparable](opts ...checkpoint.Option[T]) Option[T] {
	return func(v *Value[T]) { v.checkpointOpts = append(v.checkpointOpts, opts...) }
}

// WithTMROptions passes options to the underlying TMR.
func WithTMROptions[T comparable](opts ...tmr.Option[T]) Option[T] {
	return func(v *Value[T]) { v.tmrOpts = append(v.tmrOpts, opts...) }
}

// WithTemporalOptions passes options to the temporal voter.
func WithTemporalOptions[T comparable](opts ...temporal.Option) Option[T] {
	return func(v *Value[T]) { v.temporalOpts = append(v.temporalOpts, opts...) }
}

// New protects initial. Checkpointing starts enabled with the defaults.
func New[T comparable](p tmr.Pattern[T], initial T, opts ...Option[T]) (*Value[T], error) {
	v := &Value[T]{radiation: 1.0}
	for _, opt := range opts {
		opt(v)
	}
	tier := TierFor(v.radiation)
	v.confidence = tier.Confidence
	v.tmr = tmr.NewEnhanced(p, initial, v.tmrOpts...)
	v.temporal = temporal.New[*tmr.Enhanced[T], T](tier.Executions, tier.Delay, v.temporalOpts...)

	store, err := checkpoint.New(DefaultCheckpoints, DefaultCheckpointInterval, v.checkpointOpts...)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint store: %w", err)
	}
	v.checkpoints = store
	return v, nil
}

func readTMR[T comparable](e *tmr.Enhanced[T]) T { return e.Get() }

// Get returns the value voted across repeated TMR reads.
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.temporal.Execute(ctx, v.tmr, readTMR[T])
}

// Set writes value to every copy and checkpoints it.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tmr.Set(value)
	v.checkpointLocked()
}

// RepairResult describes one hybrid repair.
type RepairResult struct {
	// Consistent reports whether the value ended up readable and agreed on.
	Consistent bool             `json:"consistent"`
	RolledBack bool             `json:"rolled_back"`
	TMR        tmr.RepairReport `json:"tmr"`
}

// Repair scrubs the copies and then checks that a single read agrees with a
// temporally voted read. On disagreement it rolls back to the latest
// checkpoint. It reports whether the value ended up consistent; a cancelled
// ctx reports false without rolling back.
func (v *Value[T]) Repair(ctx context.Context) bool {
	return v.RepairDetailed(ctx).Consistent
}

// RepairDetailed is Repair with the full outcome.
func (v *Value[T]) RepairDetailed(ctx context.Context) RepairResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	res := RepairResult{TMR: v.tmr.Repair()}
	v.repairedBits += uint64(res.TMR.RepairedBits)
	direct := v.tmr.Get()
	voted, err := v.temporal.Execute(ctx, v.tmr, readTMR[T])
	if err != nil {
		// Cancelled before the re-vote finished; nothing to compare against.
		return res
	}
	if direct == voted {
		res.Consistent = true
		return res
	}
	if v.rollbackLocked() {
		res.Consistent = true
		res.RolledBack = true
		return res
	}
	v.repairFailures++
	return res
}

// Checkpoint snapshots the current voted value. It reports false when the
// store is disabled or the interval gate rejected the snapshot.
func (v *Value[T]) Checkpoint() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkpointLocked()
}

func (v *Value[T]) checkpointLocked() bool {
	if v.checkpoints == nil {
		return false
	}
	if !v.checkpoints.Create(v.tmr.Get(), v.version+1) {
		return false
	}
	v.version++
	return true
}

// Rollback restores the latest checkpoint.
func (v *Value[T]) Rollback() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rollbackLocked()
}

func (v *Value[T]) rollbackLocked() bool {
	if v.checkpoints == nil {
		return false
	}
	value, ok := v.checkpoints.Latest()
	if !ok {
		return false
	}
	v.tmr.Set(value)
	v.rollbacks++
	return true
}

// RollbackToValid restores the newest checkpoint accepted by valid.
func (v *Value[T]) RollbackToValid(valid func(T) bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.checkpoints == nil {
		return false
	}
	value, ok := v.checkpoints.RollbackToValid(valid)
	if !ok {
		return false
	}
	v.tmr.Set(value)
	v.rollbacks++
	return true
}

// EnableCheckpointing replaces the checkpoint store. Existing checkpoints
// are discarded.
func (v *Value[T]) EnableCheckpointing(max int, interval time.Duration) error {
	store, err := checkpoint.New(max, interval, v.checkpointOpts...)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.checkpoints = store
	v.mu.Unlock()
	return nil
}

// DisableCheckpointing drops the checkpoint store; Rollback then fails.
func (v *Value[T]) DisableCheckpointing() {
	v.mu.Lock()
	v.checkpoints = nil
	v.mu.Unlock()
}

// CheckpointingEnabled reports whether a checkpoint store is attached.
func (v *Value[T]) CheckpointingEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkpoints != nil
}

// UpdateRadiationEnvironment retunes temporal voting and the confidence
// threshold for the given radiation level.
func (v *Value[T]) UpdateRadiationEnvironment(level float64) {
	tier := TierFor(level)
	v.temporal.Reconfigure(tier.Executions, tier.Delay)
	v.mu.Lock()
	v.radiation = level
	v.confidence = tier.Confidence
	v.mu.Unlock()
}

// SetTemporal overrides the temporal voting settings directly.
func (v *Value[T]) SetTemporal(executions int, delay time.Duration) {
	v.temporal.Reconfigure(executions, delay)
}

// RadiationLevel returns the last level passed to UpdateRadiationEnvironment.
func (v *Value[T]) RadiationLevel() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.radiation
}

// ConfidenceThreshold returns the voting confidence derived from radiation.
func (v *Value[T]) ConfidenceThreshold() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.confidence
}

// WithTMR runs fn with exclusive access to the underlying TMR, for fault
// injection and diagnostics.
func (v *Value[T]) WithTMR(fn func(*tmr.Enhanced[T])) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(v.tmr)
}

// Status is a point-in-time summary of a protected value.
type Status[T any] struct {
	Value          T                 `json:"value"`
	Health         [3]float64        `json:"health"`
	StuckMask      string            `json:"stuck_mask"`
	StuckBits      int               `json:"stuck_bits"`
	Stats          tmr.ErrorStats    `json:"stats"`
	Temporal       temporal.Settings `json:"temporal"`
	Radiation      float64           `json:"radiation_level"`
	Confidence     float64           `json:"confidence_threshold"`
	Checkpointing  bool              `json:"checkpointing"`
	Checkpoints    int               `json:"checkpoints"`
	Version        uint64            `json:"checkpoint_version"`
	Rollbacks      uint64            `json:"rollbacks"`
	RepairFailures uint64            `json:"repair_failures"`
	RepairedBits   uint64            `json:"repaired_bits"`
}

// Status reports the value's current protection state without voting
// through the temporal path.
func (v *Value[T]) Status() Status[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	copies := v.tmr.Copies()
	mask := v.tmr.StuckMask()
	s := Status[T]{
		Value:          copies[0],
		Health:         v.tmr.HealthScores(),
		StuckMask:      mask.Format(v.tmr.Width()),
		StuckBits:      mask.Count(),
		Stats:          v.tmr.Stats(),
		Temporal:       v.temporal.Settings(),
		Radiation:      v.radiation,
		Confidence:     v.confidence,
		Version:        v.version,
		Rollbacks:      v.rollbacks,
		RepairFailures: v.repairFailures,
		RepairedBits:   v.repairedBits,
	}
	if maj := tmr.Majority(copies); maj.Trusted() {
		s.Value = maj.Value
	}
	if v.checkpoints != nil {
		s.Checkpointing = true
		s.Checkpoints = v.checkpoints.Len()
	}
	return s
}
