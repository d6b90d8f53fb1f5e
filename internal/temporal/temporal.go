// Package temporal re-runs a read several times, spaced apart, and votes on
// the results so that a fault striking during one read is outvoted by the
// others.
package temporal

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultExecutions = 3
	DefaultDelay      = 10 * time.Millisecond
)

// Settings is the current execution count and spacing.
type Settings struct {
	Executions int           `json:"executions"`
	Delay      time.Duration `json:"delay"`
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Redundancy executes an operation over D repeatedly and returns the most
// frequent R.
type Redundancy[D any, R comparable] struct {
	mu       sync.Mutex
	settings Settings
	wait     WaitFunc
}

// Option configures a Redundancy.
type Option func(*options)

type options struct {
	wait WaitFunc
}

// WithWait replaces the inter-execution wait. Tests use it to avoid sleeping.
func WithWait(fn WaitFunc) Option {
	return func(o *options) { o.wait = fn }
}

// New creates a Redundancy running executions times with delay between runs.
func New[D any, R comparable](executions int, delay time.Duration, opts ...Option) *Redundancy[D, R] {
	o := options{wait: sleep}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Redundancy[D, R]{wait: o.wait}
	r.Reconfigure(executions, delay)
	return r
}

// Reconfigure changes the execution count and delay. An Execute already in
// progress keeps the settings it started with.
func (r *Redundancy[D, R]) Reconfigure(executions int, delay time.Duration) {
	if executions < 1 {
		executions = 1
	}
	if delay < 0 {
		delay = 0
	}
	r.mu.Lock()
	r.settings = Settings{Executions: executions, Delay: delay}
	r.mu.Unlock()
}

// Settings returns the current configuration.
func (r *Redundancy[D, R]) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Execute runs op(data) the configured number of times and returns the most
// frequent result; ties go to the result seen first. If ctx is cancelled
// between runs, the vote over the results gathered so far is returned along
// with ctx.Err().
func (r *Redundancy[D, R]) Execute(ctx context.Context, data D, op func(D) R) (R, error) {
	s := r.Settings()
	var tally tally[R]

	for i := 0; i < s.Executions; i++ {
		if err := ctx.Err(); err != nil {
			return tally.winner(), err
		}
		tally.add(op(data))
		if i < s.Executions-1 && s.Delay > 0 {
			if err := r.wait(ctx, s.Delay); err != nil {
				return tally.winner(), err
			}
		}
	}
	return tally.winner(), nil
}

type tally[R comparable] struct {
	order  []R
	counts map[R]int
}

func (t *tally[R]) add(v R) {
	if t.counts == nil {
		t.counts = make(map[R]int)
	}
	if _, seen := t.counts[v]; !seen {
		t.order = append(t.order, v)
	}
	t.counts[v]++
}

func (t *tally[R]) winner() R {
	var best R
	bestCount := 0
	for _, v := range t.order {
		if c := t.counts[v]; c > bestCount {
			best, bestCount = v, c
		}
	}
	return best
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
