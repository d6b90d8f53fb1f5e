package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/lazypower/radguard/internal/adaptive"
	"github.com/lazypower/radguard/internal/checkpoint"
	"github.com/lazypower/radguard/internal/hybrid"
	"github.com/lazypower/radguard/internal/metrics"
	"github.com/lazypower/radguard/internal/store"
	"github.com/lazypower/radguard/internal/temporal"
	"github.com/lazypower/radguard/internal/tmr"
)

// region is the type-erased view the engine keeps of a protected value.
type region interface {
	repair(ctx context.Context) hybrid.RepairResult
	status() RegionStatus
	apply(level adaptive.Level)
}

// RegionStatus describes one protected region.
type RegionStatus struct {
	Name           string            `json:"name"`
	Width          int               `json:"width"`
	Value          string            `json:"value"`
	Health         [3]float64        `json:"health"`
	StuckMask      string            `json:"stuck_mask"`
	StuckBits      int               `json:"stuck_bits"`
	Stats          tmr.ErrorStats    `json:"stats"`
	Temporal       temporal.Settings `json:"temporal"`
	Confidence     float64           `json:"confidence_threshold"`
	Checkpointing  bool              `json:"checkpointing"`
	Checkpoints    int               `json:"checkpoints"`
	Version        uint64            `json:"checkpoint_version"`
	Rollbacks      uint64            `json:"rollbacks"`
	RepairFailures uint64            `json:"repair_failures"`
	RepairedBits   uint64            `json:"repaired_bits"`
	Scrubs         uint64            `json:"scrubs"`
	ScrubFailures  uint64            `json:"scrub_failures"`
}

// radiationFor maps a protection level onto the radiation level the hybrid
// tiers are keyed on.
func radiationFor(l adaptive.Level) float64 {
	switch l {
	case adaptive.Maximum:
		return 6.0
	case adaptive.Enhanced:
		return 3.0
	default:
		return 1.0
	}
}

type protected[T comparable] struct {
	eng     *Engine
	name    string
	pattern tmr.Pattern[T]
	value   *hybrid.Value[T]

	mu   sync.Mutex
	last tmr.ErrorStats
}

// Protect places a new value of type T under the engine's protection: it is
// scrubbed every cycle, checkpointed according to the current level and
// reported through Regions. The returned value is owned by the caller for
// reads and writes.
func Protect[T comparable](e *Engine, name string, p tmr.Pattern[T], initial T) (*hybrid.Value[T], error) {
	if name == "" {
		return nil, fmt.Errorf("engine: region name is empty")
	}
	e.protectMu.Lock()
	defer e.protectMu.Unlock()
	if _, err := e.lookup(name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRegion, name)
	}

	if e.opts.Resume && e.DB != nil {
		rec, err := e.DB.LatestCheckpoint(name)
		if err != nil {
			return nil, fmt.Errorf("protect %s: %w", name, err)
		}
		if rec != nil && rec.Width == p.Width() {
			initial = p.FromBits(rec.Bits)
			e.logger.Info("engine: region resumed", "region", name, "run_id", rec.RunID, "version", rec.Version)
		}
	}

	r := &protected[T]{eng: e, name: name, pattern: p}
	cpOpts := []checkpoint.Option[T]{checkpoint.WithObserver(r.persist)}
	if e.opts.Clock != nil {
		cpOpts = append(cpOpts, checkpoint.WithClock[T](e.opts.Clock))
	}
	hopts := []hybrid.Option[T]{hybrid.WithCheckpointOptions[T](cpOpts...)}
	if e.opts.Wait != nil {
		hopts = append(hopts, hybrid.WithTemporalOptions[T](temporal.WithWait(e.opts.Wait)))
	}
	v, err := hybrid.New(p, initial, hopts...)
	if err != nil {
		return nil, fmt.Errorf("protect %s: %w", name, err)
	}
	if err := v.EnableCheckpointing(e.opts.CheckpointMax, e.opts.CheckpointInterval); err != nil {
		return nil, fmt.Errorf("protect %s: %w", name, err)
	}
	r.value = v

	// Publish before applying the level so a concurrent level change is
	// never missed; apply is idempotent.
	e.mu.Lock()
	e.regions[name] = r
	e.order = append(e.order, name)
	e.mu.Unlock()
	r.apply(e.Controller.Level())

	// Checkpoint the initial value so there is always something to roll
	// back to while checkpointing is on.
	v.Set(initial)

	size := max((p.Width()+7)/8, 1)
	if _, err := e.Scrubber.Register(name, size, func() bool { return r.scrub(e.ctx) }); err != nil {
		return nil, fmt.Errorf("protect %s: %w", name, err)
	}

	e.logger.Info("engine: region protected", "region", name, "width", p.Width())
	return v, nil
}

// scrub is the scrubber's repair function: the environment strikes first
// when injection is on, then the region is repaired and its errors counted
// towards the next assessment.
func (r *protected[T]) scrub(ctx context.Context) bool {
	if inj := r.eng.injector; inj != nil {
		r.value.WithTMR(func(e *tmr.Enhanced[T]) { inj.Strike(e) })
	}
	res := r.repair(ctx)
	if res.TMR.RepairedBits > 0 {
		r.eng.cycleFlips.Add(uint64(res.TMR.RepairedBits))
	}
	if !res.Consistent || res.TMR.Outcome == tmr.Uncorrectable {
		r.eng.cycleCompute.Add(1)
	}
	return res.Consistent
}

func (r *protected[T]) repair(ctx context.Context) hybrid.RepairResult {
	res := r.value.RepairDetailed(ctx)
	st := r.value.Status()

	r.mu.Lock()
	corrected := st.Stats.Corrected - r.last.Corrected
	uncorrectable := st.Stats.Uncorrectable - r.last.Uncorrectable
	r.last = st.Stats
	r.mu.Unlock()

	metrics.RecordVotes(r.name, corrected, uncorrectable)
	metrics.RecordRepair(r.name, res.Consistent)
	metrics.SetRegionHealth(r.name, st.Health, st.StuckBits)
	if res.RolledBack {
		metrics.RecordRollback(r.name)
		r.eng.logger.Warn("engine: rolled back", "region", r.name, "version", st.Version)
	}
	if res.TMR.NewStuckBits.Any() {
		r.eng.logger.Warn("engine: stuck bits detected",
			"region", r.name,
			"bits", res.TMR.NewStuckBits.Positions(),
			"mask", st.StuckMask,
		)
	}
	return res
}

func (r *protected[T]) apply(level adaptive.Level) {
	cfg := adaptive.ConfigFor(level)
	r.value.UpdateRadiationEnvironment(radiationFor(level))

	if cfg.TemporalRedundancy {
		tier := hybrid.TierFor(radiationFor(level))
		executions := max(tier.Executions, r.eng.opts.TemporalExecutions)
		delay := max(tier.Delay, r.eng.opts.TemporalDelay)
		r.value.SetTemporal(executions, delay)
	} else {
		r.value.SetTemporal(1, 0)
	}

	switch {
	case cfg.CheckpointRecovery && !r.value.CheckpointingEnabled():
		if err := r.value.EnableCheckpointing(r.eng.opts.CheckpointMax, r.eng.opts.CheckpointInterval); err != nil {
			r.eng.logger.Warn("engine: enable checkpointing", "region", r.name, "error", err)
			return
		}
		r.value.Checkpoint()
	case !cfg.CheckpointRecovery:
		r.value.DisableCheckpointing()
	}
}

func (r *protected[T]) persist(cp checkpoint.Checkpoint[T]) {
	metrics.RecordCheckpoint(r.name)
	if r.eng.DB == nil {
		return
	}
	err := r.eng.DB.SaveCheckpoint(store.CheckpointRecord{
		RunID:     r.eng.RunID,
		Region:    r.name,
		Version:   cp.Version,
		Bits:      r.pattern.Bits(cp.Value),
		Width:     r.pattern.Width(),
		CreatedAt: cp.CreatedAt.UnixMilli(),
	})
	if err != nil {
		r.eng.logger.Warn("engine: persist checkpoint", "region", r.name, "error", err)
		return
	}
	if _, err := r.eng.DB.PruneCheckpoints(r.name, r.eng.opts.CheckpointHistory); err != nil {
		r.eng.logger.Warn("engine: prune checkpoints", "region", r.name, "error", err)
	}
}

func (r *protected[T]) status() RegionStatus {
	st := r.value.Status()
	return RegionStatus{
		Name:           r.name,
		Width:          r.pattern.Width(),
		Value:          fmt.Sprint(st.Value),
		Health:         st.Health,
		StuckMask:      st.StuckMask,
		StuckBits:      st.StuckBits,
		Stats:          st.Stats,
		Temporal:       st.Temporal,
		Confidence:     st.Confidence,
		Checkpointing:  st.Checkpointing,
		Checkpoints:    st.Checkpoints,
		Version:        st.Version,
		Rollbacks:      st.Rollbacks,
		RepairFailures: st.RepairFailures,
		RepairedBits:   st.RepairedBits,
	}
}
