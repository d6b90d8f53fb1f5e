// Package scrubber periodically walks registered regions and asks each one
// to repair itself, so latent upsets are corrected before they accumulate
// into uncorrectable ones.
package scrubber

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the scrub period used when New is given a non-positive
// interval.
const DefaultInterval = time.Second

var (
	// ErrRunning is returned by Start when the scrub loop is already active.
	ErrRunning = errors.New("scrubber: already running")
	// ErrInvalidSize is returned when a region is registered with size <= 0.
	ErrInvalidSize = errors.New("scrubber: region size must be positive")
	// ErrNilRepair is returned when a region is registered without a repair function.
	ErrNilRepair = errors.New("scrubber: repair function is nil")
)

// Handle identifies a registered region. Handles are never reused.
type Handle uint64

// RepairFunc verifies and corrects one region. It reports whether the region
// ended up consistent. A RepairFunc runs on the scrub goroutine, so it must
// not call Stop, which waits for that goroutine; it may call Halt.
type RepairFunc func() bool

// Repairable is anything that can repair itself, such as a hybrid value.
type Repairable interface {
	Repair() bool
}

type region struct {
	handle Handle
	name   string
	size   int
	repair RepairFunc

	scrubs   uint64
	failures uint64
	lastOK   bool
	lastRun  time.Time
}

// RegionInfo describes a registered region.
type RegionInfo struct {
	Handle   Handle    `json:"handle"`
	Name     string    `json:"name"`
	Size     int       `json:"size"`
	Scrubs   uint64    `json:"scrubs"`
	Failures uint64    `json:"failures"`
	LastOK   bool      `json:"last_ok"`
	LastRun  time.Time `json:"last_run"`
}

// CycleReport summarises one scrub pass.
type CycleReport struct {
	Regions  int           `json:"regions"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Scrubber owns the region registry and the background scrub loop.
type Scrubber struct {
	mu      sync.Mutex
	regions []*region
	next    Handle
	onCycle func(CycleReport)

	interval atomic.Int64
	running  atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	lifeMu   sync.Mutex

	logger *slog.Logger
}

// New creates a stopped scrubber.
func New(interval time.Duration, logger *slog.Logger) *Scrubber {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scrubber{logger: logger}
	s.interval.Store(int64(interval))
	return s
}

// Register adds a region to be scrubbed on every cycle.
func (s *Scrubber) Register(name string, size int, fn RepairFunc) (Handle, error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	if fn == nil {
		return 0, ErrNilRepair
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.regions = append(s.regions, &region{handle: s.next, name: name, size: size, repair: fn})
	return s.next, nil
}

// RegisterTarget registers a Repairable under name.
func (s *Scrubber) RegisterTarget(name string, size int, target Repairable) (Handle, error) {
	if target == nil {
		return 0, ErrNilRepair
	}
	return s.Register(name, size, target.Repair)
}

// Unregister removes a region. It reports whether the handle was known.
func (s *Scrubber) Unregister(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regions {
		if r.handle == h {
			s.regions = append(s.regions[:i:i], s.regions[i+1:]...)
			return true
		}
	}
	return false
}

// OnCycle sets a hook called after every scrub pass, from the goroutine
// that ran it.
func (s *Scrubber) OnCycle(fn func(CycleReport)) {
	s.mu.Lock()
	s.onCycle = fn
	s.mu.Unlock()
}

// ScrubOnce runs every registered repair function once. Repair functions run
// without the registry lock held and may register or unregister regions.
func (s *Scrubber) ScrubOnce() CycleReport {
	start := time.Now()

	s.mu.Lock()
	snapshot := append([]*region(nil), s.regions...)
	s.mu.Unlock()

	results := make([]bool, len(snapshot))
	for i, r := range snapshot {
		results[i] = r.repair()
	}

	report := CycleReport{Regions: len(snapshot)}
	s.mu.Lock()
	for i, r := range snapshot {
		r.scrubs++
		r.lastOK = results[i]
		r.lastRun = start
		if !results[i] {
			r.failures++
			report.Failed++
		}
	}
	hook := s.onCycle
	s.mu.Unlock()

	report.Duration = time.Since(start)
	if report.Failed > 0 {
		s.logger.Warn("scrub: regions failed repair", "failed", report.Failed, "regions", report.Regions)
	}
	if hook != nil {
		hook(report)
	}
	return report
}

// Start launches the background scrub loop.
func (s *Scrubber) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)
	s.logger.Info("scrub: started", "interval", s.Interval())
	return nil
}

func (s *Scrubber) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for s.running.Load() {
		s.ScrubOnce()

		timer := time.NewTimer(s.Interval())
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}
	}
}

// Stop halts the loop and waits for an in-flight pass to finish. Stopping a
// stopped scrubber is a no-op.
func (s *Scrubber) Stop() {
	s.lifeMu.Lock()
	done := s.done
	halted := s.haltLocked()
	s.lifeMu.Unlock()
	if halted {
		<-done
	}
}

// Halt asks the loop to exit after its current pass and returns without
// waiting. Unlike Stop it is safe to call from a RepairFunc or an OnCycle
// hook. It reports whether the loop was running.
func (s *Scrubber) Halt() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.haltLocked()
}

func (s *Scrubber) haltLocked() bool {
	if !s.running.CompareAndSwap(true, false) {
		return false
	}
	close(s.stopCh)
	s.logger.Info("scrub: stopped")
	return true
}

// Running reports whether the background loop is active.
func (s *Scrubber) Running() bool { return s.running.Load() }

// SetInterval changes the scrub period. A running loop picks it up after the
// current wait.
func (s *Scrubber) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.interval.Store(int64(d))
}

// Interval returns the current scrub period.
func (s *Scrubber) Interval() time.Duration { return time.Duration(s.interval.Load()) }

// Regions lists registered regions ordered by handle.
func (s *Scrubber) Regions() []RegionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RegionInfo, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, RegionInfo{
			Handle:   r.handle,
			Name:     r.name,
			Size:     r.size,
			Scrubs:   r.scrubs,
			Failures: r.failures,
			LastOK:   r.lastOK,
			LastRun:  r.lastRun,
		})
	}
	return out
}
