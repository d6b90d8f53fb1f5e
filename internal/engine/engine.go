package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/radguard/internal/adaptive"
	"github.com/lazypower/radguard/internal/config"
	"github.com/lazypower/radguard/internal/hybrid"
	"github.com/lazypower/radguard/internal/inject"
	"github.com/lazypower/radguard/internal/metrics"
	"github.com/lazypower/radguard/internal/scrubber"
	"github.com/lazypower/radguard/internal/store"
	"github.com/lazypower/radguard/internal/temporal"
)

// DefaultCheckpointHistory is the number of persisted checkpoints kept per
// region when Options.CheckpointHistory is unset.
const DefaultCheckpointHistory = 100

var (
	ErrUnknownRegion   = errors.New("engine: unknown region")
	ErrDuplicateRegion = errors.New("engine: region already protected")
	ErrNoStore         = errors.New("engine: no database attached")
)

// Options configures an Engine.
type Options struct {
	RunID string // generated when empty
	Mode  string // "serve" or "simulate"

	ScrubInterval      time.Duration
	InitialLevel       adaptive.Level
	Thresholds         adaptive.Thresholds
	Alpha              float64
	CheckpointMax      int
	CheckpointInterval time.Duration
	// CheckpointHistory bounds the persisted checkpoints kept per region.
	CheckpointHistory int
	// Resume seeds newly protected regions from their latest persisted
	// checkpoint when its width matches.
	Resume bool
	// TemporalExecutions and TemporalDelay are the minimum temporal voting
	// settings used whenever a level enables temporal redundancy.
	TemporalExecutions int
	TemporalDelay      time.Duration

	Injector *inject.Injector
	Logger   *slog.Logger
	// Clock drives assessments and checkpoint gating; Wait replaces the
	// sleep between temporal executions. Both default to real time.
	Clock func() time.Time
	Wait  temporal.WaitFunc
}

// OptionsFromConfig maps a loaded config onto engine options.
func OptionsFromConfig(cfg config.Config, mode string) (Options, error) {
	level, err := cfg.InitialLevel()
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Mode:               mode,
		ScrubInterval:      cfg.Scrubber.Interval,
		InitialLevel:       level,
		Thresholds:         cfg.Protection.Thresholds,
		Alpha:              cfg.Protection.Alpha,
		CheckpointMax:      cfg.Checkpoint.Max,
		CheckpointInterval: cfg.Checkpoint.Interval,
		CheckpointHistory:  cfg.Checkpoint.History,
		Resume:             cfg.Checkpoint.Resume,
		TemporalExecutions: cfg.Temporal.Executions,
		TemporalDelay:      cfg.Temporal.Delay,
	}
	if cfg.Inject.Enabled {
		opts.Injector = inject.New(cfg.Inject.Rate, cfg.Inject.Seed)
	}
	return opts, nil
}

// Engine closes the protection loop: the scrubber repairs every protected
// region, the errors it finds feed the adaptive controller, and level
// changes retune the scrubber and every region.
type Engine struct {
	DB         *store.DB
	RunID      string
	Controller *adaptive.Controller
	Scrubber   *scrubber.Scrubber

	opts     Options
	logger   *slog.Logger
	injector *inject.Injector

	protectMu sync.Mutex // serializes Protect
	mu        sync.RWMutex
	regions   map[string]region
	order     []string

	// Errors found by scrubbing since the last assessment.
	cycleFlips   atomic.Uint64
	cycleCompute atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	started  time.Time
}

// New creates an engine and records its run. db may be nil, in which case
// nothing is persisted.
func New(db *store.DB, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Mode == "" {
		opts.Mode = "serve"
	}
	if opts.CheckpointMax < 1 {
		opts.CheckpointMax = hybrid.DefaultCheckpoints
	}
	if opts.CheckpointHistory < 1 {
		opts.CheckpointHistory = DefaultCheckpointHistory
	}
	if opts.TemporalExecutions < 1 {
		opts.TemporalExecutions = 1
	}
	if !opts.InitialLevel.Valid() {
		opts.InitialLevel = adaptive.Standard
	}
	if opts.Thresholds == (adaptive.Thresholds{}) {
		opts.Thresholds = adaptive.DefaultThresholds
	}

	if db != nil {
		if _, err := db.StartRun(opts.RunID, opts.Mode); err != nil {
			return nil, fmt.Errorf("start run: %w", err)
		}
	}

	ctrlOpts := []adaptive.Option{
		adaptive.WithInitialLevel(opts.InitialLevel),
		adaptive.WithThresholds(opts.Thresholds),
		adaptive.WithAlpha(opts.Alpha),
		adaptive.WithLogger(opts.Logger),
	}
	if opts.Clock != nil {
		ctrlOpts = append(ctrlOpts, adaptive.WithClock(opts.Clock))
	}

	interval := opts.ScrubInterval
	if interval <= 0 {
		interval = adaptive.ConfigFor(opts.InitialLevel).ScrubInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		DB:         db,
		RunID:      opts.RunID,
		Controller: adaptive.New(ctrlOpts...),
		Scrubber:   scrubber.New(interval, opts.Logger),
		opts:       opts,
		logger:     opts.Logger,
		injector:   opts.Injector,
		regions:    make(map[string]region),
		ctx:        ctx,
		cancel:     cancel,
		started:    time.Now(),
	}
	e.Scrubber.OnCycle(e.afterCycle)
	e.Controller.Subscribe(e.onLevelChange)
	metrics.SetProtection(int(opts.InitialLevel), 0)
	return e, nil
}

// Start launches background scrubbing.
func (e *Engine) Start() error {
	if err := e.Scrubber.Start(); err != nil {
		return err
	}
	e.logger.Info("engine: started", "run_id", e.RunID, "level", e.Controller.Level().String(), "regions", len(e.Names()))
	return nil
}

// Stop shuts down the engine's background goroutines and closes the run.
// The database is left open for the caller to close.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.Scrubber.Stop()
		e.cancel()
		e.Controller.Close()
		if e.DB != nil {
			if err := e.DB.EndRun(e.RunID); err != nil {
				e.logger.Warn("engine: end run", "error", err)
			}
		}
	})
}

// ScrubOnce runs one scrub pass synchronously, including the assessment
// that follows it.
func (e *Engine) ScrubOnce() scrubber.CycleReport {
	return e.Scrubber.ScrubOnce()
}

// Injector returns the fault injector, or nil when injection is off.
func (e *Engine) Injector() *inject.Injector { return e.injector }

func (e *Engine) afterCycle(report scrubber.CycleReport) {
	metrics.RecordScrubCycle(report.Duration.Seconds())
	flips := e.cycleFlips.Swap(0)
	compute := e.cycleCompute.Swap(0)
	e.assess(clampU32(flips), clampU32(compute))
}

// Report folds externally observed error counts into the assessment.
func (e *Engine) Report(bitFlips, computeErrors uint32) adaptive.Level {
	return e.assess(bitFlips, computeErrors)
}

func (e *Engine) assess(bitFlips, computeErrors uint32) adaptive.Level {
	level := e.Controller.UpdateEnvironment(bitFlips, computeErrors)
	a := e.Controller.Assessment()
	metrics.SetProtection(int(level), a.EstimatedFlux)

	if e.DB == nil || (bitFlips == 0 && computeErrors == 0) {
		return level
	}
	err := e.DB.SaveAssessment(store.AssessmentRecord{
		RunID:         e.RunID,
		BitFlips:      bitFlips,
		ComputeErrors: computeErrors,
		EstimatedFlux: a.EstimatedFlux,
		Level:         level.String(),
	})
	if err != nil {
		e.logger.Warn("engine: save assessment", "error", err)
	}
	return level
}

func (e *Engine) onLevelChange(ch adaptive.Change) {
	cfg := adaptive.ConfigFor(ch.To)
	e.Scrubber.SetInterval(cfg.ScrubInterval)

	e.mu.RLock()
	regions := make([]region, 0, len(e.order))
	for _, name := range e.order {
		regions = append(regions, e.regions[name])
	}
	e.mu.RUnlock()
	for _, r := range regions {
		r.apply(ch.To)
	}

	metrics.RecordLevelChange(ch.From.String(), ch.To.String(), ch.Reason)
	if e.DB == nil {
		return
	}
	err := e.DB.RecordLevelChange(store.LevelChange{
		RunID:     e.RunID,
		FromLevel: ch.From.String(),
		ToLevel:   ch.To.String(),
		Reason:    ch.Reason,
		Flux:      ch.Flux,
	})
	if err != nil {
		e.logger.Warn("engine: record level change", "error", err)
	}
}

// Boost temporarily raises the protection level.
func (e *Engine) Boost(d time.Duration) adaptive.Level {
	return e.Controller.TemporarilyIncreaseLevel(d)
}

// ApplyThresholds swaps controller thresholds, typically after a config
// reload.
func (e *Engine) ApplyThresholds(t adaptive.Thresholds) error {
	if err := e.Controller.SetThresholds(t); err != nil {
		return err
	}
	e.logger.Info("engine: thresholds updated", "standard", t.Standard, "enhanced", t.Enhanced, "maximum", t.Maximum)
	return nil
}

// Status summarises the engine.
type Status struct {
	RunID         string              `json:"run_id"`
	Level         string              `json:"level"`
	Config        adaptive.Config     `json:"config"`
	Assessment    adaptive.Assessment `json:"assessment"`
	Thresholds    adaptive.Thresholds `json:"thresholds"`
	Boosted       bool                `json:"boosted"`
	Scrubbing     bool                `json:"scrubbing"`
	ScrubInterval time.Duration       `json:"scrub_interval"`
	Regions       int                 `json:"regions"`
	Uptime        time.Duration       `json:"uptime"`
	Injected      *inject.Counts      `json:"injected,omitempty"`
}

// Status returns a point-in-time summary.
func (e *Engine) Status() Status {
	level := e.Controller.Level()
	s := Status{
		RunID:         e.RunID,
		Level:         level.String(),
		Config:        adaptive.ConfigFor(level),
		Assessment:    e.Controller.Assessment(),
		Thresholds:    e.Controller.Thresholds(),
		Boosted:       e.Controller.Boosted(),
		Scrubbing:     e.Scrubber.Running(),
		ScrubInterval: e.Scrubber.Interval(),
		Regions:       len(e.Names()),
		Uptime:        time.Since(e.started),
	}
	if e.injector != nil {
		totals := e.injector.Totals()
		s.Injected = &totals
	}
	return s
}

// Names lists protected regions in registration order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// Regions reports every protected region in registration order.
func (e *Engine) Regions() []RegionStatus {
	scrubs := make(map[string]scrubber.RegionInfo)
	for _, info := range e.Scrubber.Regions() {
		scrubs[info.Name] = info
	}

	e.mu.RLock()
	regions := make([]region, 0, len(e.order))
	for _, name := range e.order {
		regions = append(regions, e.regions[name])
	}
	e.mu.RUnlock()

	out := make([]RegionStatus, 0, len(regions))
	for _, r := range regions {
		st := r.status()
		if info, ok := scrubs[st.Name]; ok {
			st.Scrubs = info.Scrubs
			st.ScrubFailures = info.Failures
		}
		out = append(out, st)
	}
	return out
}

// Region reports one region.
func (e *Engine) Region(name string) (RegionStatus, error) {
	r, err := e.lookup(name)
	if err != nil {
		return RegionStatus{}, err
	}
	return r.status(), nil
}

// Repair runs an on-demand repair of one region outside the scrub cycle.
func (e *Engine) Repair(ctx context.Context, name string) (hybrid.RepairResult, error) {
	r, err := e.lookup(name)
	if err != nil {
		return hybrid.RepairResult{}, err
	}
	return r.repair(ctx), nil
}

// Checkpoints returns the persisted checkpoints of a region, newest first.
func (e *Engine) Checkpoints(name string, limit int) ([]store.CheckpointRecord, error) {
	if _, err := e.lookup(name); err != nil {
		return nil, err
	}
	if e.DB == nil {
		return nil, ErrNoStore
	}
	return e.DB.ListCheckpoints(name, limit)
}

// AssessmentHistory returns recent non-empty assessments of this run.
func (e *Engine) AssessmentHistory(limit int) ([]store.AssessmentRecord, error) {
	if e.DB == nil {
		return nil, ErrNoStore
	}
	return e.DB.ListAssessments(e.RunID, limit)
}

// LevelHistory returns recent level transitions of this run.
func (e *Engine) LevelHistory(limit int) ([]store.LevelChange, error) {
	if e.DB == nil {
		return nil, ErrNoStore
	}
	return e.DB.ListLevelChanges(e.RunID, limit)
}

func (e *Engine) lookup(name string) (region, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.regions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, name)
	}
	return r, nil
}

func clampU32(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
