// Package adaptive selects a protection level from observed error rates.
//
// Error counts reported since the last assessment are turned into a rate,
// smoothed with an exponential moving average, and mapped onto one of four
// levels by threshold. Subscribers are told about every level change.
package adaptive

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Level is a protection level, ordered from cheapest to strongest.
type Level int

const (
	Minimal Level = iota
	Standard
	Enhanced
	Maximum
)

var levelNames = [...]string{"minimal", "standard", "enhanced", "maximum"}

func (l Level) String() string {
	if l.Valid() {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool { return l >= Minimal && l <= Maximum }

// ParseLevel accepts a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

var (
	ErrInvalidLevel      = errors.New("adaptive: invalid protection level")
	ErrInvalidThresholds = errors.New("adaptive: thresholds must be finite, non-negative and ascending")
)

// Config is what a protection level asks of the rest of the system.
type Config struct {
	RedundancyLevel    int           `json:"redundancy_level"`
	ScrubInterval      time.Duration `json:"scrub_interval"`
	TemporalRedundancy bool          `json:"temporal_redundancy"`
	CheckpointRecovery bool          `json:"checkpoint_recovery"`
}

var configs = [...]Config{
	Minimal:  {RedundancyLevel: 1, ScrubInterval: 5000 * time.Millisecond},
	Standard: {RedundancyLevel: 2, ScrubInterval: 1000 * time.Millisecond, CheckpointRecovery: true},
	Enhanced: {RedundancyLevel: 3, ScrubInterval: 500 * time.Millisecond, TemporalRedundancy: true, CheckpointRecovery: true},
	Maximum:  {RedundancyLevel: 3, ScrubInterval: 100 * time.Millisecond, TemporalRedundancy: true, CheckpointRecovery: true},
}

// ConfigFor returns the fixed configuration for l. Invalid levels get the
// Maximum configuration.
func ConfigFor(l Level) Config {
	if !l.Valid() {
		return configs[Maximum]
	}
	return configs[l]
}

// Thresholds are the smoothed error rates, in errors per second, at which
// the controller moves to each level. Below Standard it selects Minimal.
type Thresholds struct {
	Standard float64 `json:"standard" yaml:"standard"`
	Enhanced float64 `json:"enhanced" yaml:"enhanced"`
	Maximum  float64 `json:"maximum" yaml:"maximum"`
}

// DefaultThresholds are 0.01, 0.1 and 1.0 errors per second.
var DefaultThresholds = Thresholds{Standard: 0.01, Enhanced: 0.1, Maximum: 1.0}

// Validate checks that the thresholds are finite, non-negative and
// ascending.
func (t Thresholds) Validate() error {
	for _, v := range [...]float64{t.Standard, t.Enhanced, t.Maximum} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidThresholds
		}
	}
	if t.Standard < 0 || t.Enhanced < t.Standard || t.Maximum < t.Enhanced {
		return ErrInvalidThresholds
	}
	return nil
}

// ValidAlpha reports whether alpha is a usable smoothing factor, in (0, 1].
func ValidAlpha(alpha float64) bool {
	return alpha > 0 && alpha <= 1
}

func (t Thresholds) levelFor(flux float64) Level {
	switch {
	case flux >= t.Maximum:
		return Maximum
	case flux >= t.Enhanced:
		return Enhanced
	case flux >= t.Standard:
		return Standard
	default:
		return Minimal
	}
}

// DefaultAlpha is the smoothing factor of the flux moving average.
const DefaultAlpha = 0.3

// Assessment is the controller's current view of the environment.
type Assessment struct {
	EstimatedFlux  float64   `json:"estimated_flux"`
	BitFlips       uint32    `json:"bit_flips"`
	ComputeErrors  uint32    `json:"compute_errors"`
	LastAssessment time.Time `json:"last_assessment"`
}

// Reasons attached to level changes.
const (
	ReasonAssessment  = "assessment"
	ReasonManual      = "manual"
	ReasonBoost       = "boost"
	ReasonBoostExpiry = "boost expired"
)

// Change describes one level transition.
type Change struct {
	From   Level
	To     Level
	Reason string
	Flux   float64
}

type subscriber struct {
	id int
	fn func(Change)
}

// Controller tracks the environment and the current protection level.
// Safe for concurrent use.
type Controller struct {
	mu         sync.Mutex
	level      Level
	env        Assessment
	thresholds Thresholds
	alpha      float64
	now        func() time.Time
	logger     *slog.Logger

	subs   []subscriber
	nextID int

	// Changes waiting for delivery, drained in order by one goroutine.
	pending    []Change
	delivering bool

	boost      *time.Timer
	boostGen   uint64
	boostBase  Level
	boostLevel Level
}

// Option configures a Controller.
type Option func(*Controller)

// WithInitialLevel sets the starting level. The default is Standard.
func WithInitialLevel(l Level) Option {
	return func(c *Controller) {
		if l.Valid() {
			c.level = l
		}
	}
}

// WithThresholds overrides DefaultThresholds. Invalid thresholds are ignored.
func WithThresholds(t Thresholds) Option {
	return func(c *Controller) {
		if t.Validate() == nil {
			c.thresholds = t
		}
	}
}

// WithAlpha overrides the smoothing factor. Values outside (0, 1] are ignored.
func WithAlpha(alpha float64) Option {
	return func(c *Controller) {
		if ValidAlpha(alpha) {
			c.alpha = alpha
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger used for level changes.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller at Standard with default thresholds.
func New(opts ...Option) *Controller {
	c := &Controller{
		level:      Standard,
		thresholds: DefaultThresholds,
		alpha:      DefaultAlpha,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.env.LastAssessment = c.now()
	return c
}

// UpdateEnvironment folds the error counts seen since the last assessment
// into the flux estimate and re-evaluates the level, which it returns. Calls
// with no time elapsed since the previous assessment change nothing.
func (c *Controller) UpdateEnvironment(bitFlips, computeErrors uint32) Level {
	c.mu.Lock()
	now := c.now()
	elapsed := now.Sub(c.env.LastAssessment).Seconds()
	if elapsed <= 0 {
		level := c.level
		c.mu.Unlock()
		return level
	}

	rate := float64(uint64(bitFlips)+uint64(computeErrors)) / elapsed
	c.env.EstimatedFlux = c.alpha*rate + (1-c.alpha)*c.env.EstimatedFlux
	c.env.BitFlips = bitFlips
	c.env.ComputeErrors = computeErrors
	c.env.LastAssessment = now

	target := c.thresholds.levelFor(c.env.EstimatedFlux)
	if c.boost != nil && target < c.boostLevel {
		target = c.boostLevel
	}
	c.setLocked(target, ReasonAssessment)
	level := c.level
	c.mu.Unlock()

	c.deliver()
	return level
}

// Level returns the current protection level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Configuration returns the configuration of the current level.
func (c *Controller) Configuration() Config {
	return ConfigFor(c.Level())
}

// Assessment returns a copy of the current environment assessment.
func (c *Controller) Assessment() Assessment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.env
}

// Thresholds returns the active thresholds.
func (c *Controller) Thresholds() Thresholds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholds
}

// SetThresholds replaces the thresholds. The level is re-evaluated on the
// next assessment.
func (c *Controller) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.thresholds = t
	c.mu.Unlock()
	return nil
}

// SetLevel forces the level. Subscribers are notified only if it changed.
func (c *Controller) SetLevel(l Level) error {
	if !l.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	c.mu.Lock()
	c.setLocked(l, ReasonManual)
	c.mu.Unlock()

	c.deliver()
	return nil
}

// TemporarilyIncreaseLevel raises the level by one step for d and returns
// the raised level. While the boost is outstanding assessments cannot lower
// the level below it. When d elapses the level drops back to what it was
// before the first outstanding boost, unless something else changed it in
// the meantime. Boosting at Maximum does nothing.
func (c *Controller) TemporarilyIncreaseLevel(d time.Duration) Level {
	c.mu.Lock()
	if c.level == Maximum {
		c.mu.Unlock()
		return Maximum
	}
	if c.boost != nil {
		c.boost.Stop()
	} else {
		c.boostBase = c.level
	}
	c.setLocked(c.level+1, ReasonBoost)
	raised := c.level
	c.boostLevel = raised
	c.boostGen++
	gen := c.boostGen
	c.boost = time.AfterFunc(d, func() { c.expireBoost(gen, raised) })
	c.mu.Unlock()

	c.deliver()
	return raised
}

func (c *Controller) expireBoost(gen uint64, raised Level) {
	c.mu.Lock()
	if gen != c.boostGen || c.boost == nil {
		c.mu.Unlock()
		return
	}
	c.boost = nil
	if c.level != raised {
		c.mu.Unlock()
		return
	}
	c.setLocked(c.boostBase, ReasonBoostExpiry)
	c.mu.Unlock()

	c.deliver()
}

// Boosted reports whether a temporary increase is outstanding.
func (c *Controller) Boosted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boost != nil
}

// Subscribe registers fn for level changes and returns an id for
// Unsubscribe. fn is called without the controller lock held, so it may call
// back into the controller. Changes reach subscribers one at a time in the
// order they happened; a change made while another is being delivered is
// queued behind it, so the last change delivered is always the current level.
func (c *Controller) Subscribe(fn func(Change)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subs = append(c.subs, subscriber{id: c.nextID, fn: fn})
	return c.nextID
}

// Unsubscribe removes a subscription. It reports whether id was registered.
func (c *Controller) Unsubscribe(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Close cancels any pending boost reversion.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boost != nil {
		c.boost.Stop()
		c.boost = nil
	}
	c.boostGen++
}

func (c *Controller) setLocked(l Level, reason string) {
	if l == c.level {
		return
	}
	c.pending = append(c.pending, Change{From: c.level, To: l, Reason: reason, Flux: c.env.EstimatedFlux})
	c.level = l
}

// deliver drains pending changes to subscribers. Only one goroutine drains
// at a time; others return at once and leave their changes to it.
func (c *Controller) deliver() {
	c.mu.Lock()
	if c.delivering || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	done := false
	defer func() {
		// a panicking subscriber must not wedge later deliveries
		if !done {
			c.mu.Lock()
			c.delivering = false
			c.mu.Unlock()
		}
	}()

	for len(c.pending) > 0 {
		change := c.pending[0]
		c.pending = c.pending[1:]
		subs := append([]subscriber(nil), c.subs...)
		c.mu.Unlock()

		c.logger.Info("protection: level changed",
			"from", change.From.String(),
			"to", change.To.String(),
			"reason", change.Reason,
			"flux", change.Flux,
		)
		for _, s := range subs {
			s.fn(change)
		}
		c.mu.Lock()
	}
	c.delivering = false
	done = true
	c.mu.Unlock()
}
