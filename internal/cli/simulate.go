package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/radguard/internal/adaptive"
	"github.com/lazypower/radguard/internal/config"
	"github.com/lazypower/radguard/internal/engine"
	"github.com/lazypower/radguard/internal/inject"
	"github.com/lazypower/radguard/internal/store"
	"github.com/lazypower/radguard/internal/tmr"
)

var (
	simCycles   int
	simRate     float64
	simSeed     uint64
	simStuckBit int
	simPersist  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the protection loop against injected upsets in simulated time",
	Long: "simulate protects a counter, strikes it with random single-bit upsets every scrub cycle " +
		"and reports how the protection level tracked the upset rate. Simulated time advances by " +
		"one scrub interval per cycle, so long runs finish immediately.",
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVarP(&simCycles, "cycles", "n", 200, "Number of scrub cycles to simulate")
	simulateCmd.Flags().Float64Var(&simRate, "rate", -1, "Mean upsets per region per cycle (default: inject.rate from config)")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 0, "Random seed (default: inject.seed from config)")
	simulateCmd.Flags().IntVar(&simStuckBit, "stuck-bit", -1, "Pin this bit of copy 0 high for the whole run")
	simulateCmd.Flags().BoolVar(&simPersist, "persist", false, "Record the run in the configured database instead of memory")
}

type simOptions struct {
	Cycles   int
	Rate     float64
	Seed     uint64
	StuckBit int
	Persist  bool
}

type simResult struct {
	RunID      string
	Final      adaptive.Level
	Flux       float64
	Elapsed    time.Duration
	Changes    []adaptive.Change
	Injected   inject.Counts
	Mismatches int
	Regions    []engine.RegionStatus
}

// simClock is the simulated wall clock; it only moves when advanced.
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts := simOptions{
		Cycles:   simCycles,
		Rate:     cfg.Inject.Rate,
		Seed:     cfg.Inject.Seed,
		StuckBit: simStuckBit,
		Persist:  simPersist,
	}
	if cmd.Flags().Changed("rate") {
		opts.Rate = simRate
	}
	if cmd.Flags().Changed("seed") {
		opts.Seed = simSeed
	}

	res, err := simulate(cmd.Context(), cfg, opts, newLogger(os.Stderr, cfg.LogLevel))
	if err != nil {
		return err
	}
	printSimulation(cmd.OutOrStdout(), opts, res)
	return nil
}

func simulate(ctx context.Context, cfg config.Config, so simOptions, logger *slog.Logger) (simResult, error) {
	if so.Cycles < 1 {
		return simResult{}, fmt.Errorf("cycles must be >= 1")
	}
	if math.IsNaN(so.Rate) || so.Rate < 0 || so.Rate > inject.MaxRate {
		return simResult{}, fmt.Errorf("rate must be between 0 and %d", inject.MaxRate)
	}
	if so.StuckBit >= 64 {
		return simResult{}, fmt.Errorf("stuck-bit must be below 64")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var db *store.DB
	var err error
	if so.Persist {
		db, err = openDB(cfg)
	} else {
		db, err = store.OpenMemory()
	}
	if err != nil {
		return simResult{}, err
	}
	defer db.Close()

	clock := &simClock{now: time.Now()}
	opts, err := engine.OptionsFromConfig(cfg, "simulate")
	if err != nil {
		return simResult{}, err
	}
	opts.Injector = inject.New(so.Rate, so.Seed)
	if so.StuckBit >= 0 {
		bit := uint64(1) << uint(so.StuckBit)
		opts.Injector.PinBits(&inject.Stuck{Copy: 0, Mask: bit, Value: bit})
	}
	opts.Logger = logger
	// The expected counter sequence starts from zero every run.
	opts.Resume = false
	opts.Clock = clock.Now
	opts.Wait = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return ctx.Err()
	}

	eng, err := engine.New(db, opts)
	if err != nil {
		return simResult{}, err
	}
	defer eng.Stop()

	var mu sync.Mutex
	var changes []adaptive.Change
	eng.Controller.Subscribe(func(ch adaptive.Change) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	counter, err := engine.Protect(eng, "counter", tmr.Uint64, 0)
	if err != nil {
		return simResult{}, err
	}

	start := clock.Now()
	var want uint64
	res := simResult{RunID: eng.RunID}
	for i := 0; i < so.Cycles; i++ {
		if err := ctx.Err(); err != nil {
			return simResult{}, err
		}
		clock.Advance(eng.Scrubber.Interval())
		eng.ScrubOnce()

		got, err := counter.Get(ctx)
		if err != nil {
			return simResult{}, err
		}
		if got != want {
			res.Mismatches++
			logger.Debug("simulate: counter diverged", "cycle", i, "got", got, "want", want)
		}
		want++
		counter.Set(want)
	}

	a := eng.Controller.Assessment()
	res.Final = eng.Controller.Level()
	res.Flux = a.EstimatedFlux
	res.Elapsed = clock.Now().Sub(start)
	res.Injected = eng.Injector().Totals()
	res.Regions = eng.Regions()
	mu.Lock()
	res.Changes = append([]adaptive.Change(nil), changes...)
	mu.Unlock()
	return res, nil
}

func printSimulation(w io.Writer, so simOptions, res simResult) {
	fmt.Fprintf(w, "run %s: %d cycles over %s simulated\n", res.RunID, so.Cycles, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  injected: %d flips, %d stuck-bit writes (rate %.2f, seed %d)\n",
		res.Injected.Flips, res.Injected.Stuck, so.Rate, so.Seed)
	fmt.Fprintf(w, "  final level: %s (flux %.4f/s)\n", res.Final, res.Flux)
	fmt.Fprintf(w, "  workload mismatches: %d\n", res.Mismatches)

	if len(res.Changes) > 0 {
		fmt.Fprintf(w, "\nlevel changes:\n")
		for _, ch := range res.Changes {
			fmt.Fprintf(w, "  %s -> %s (%s, flux %.4f)\n", ch.From, ch.To, ch.Reason, ch.Flux)
		}
	}

	fmt.Fprintf(w, "\n")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tVALUE\tCORRECTED\tUNCORRECTABLE\tREPAIRED BITS\tSTUCK\tROLLBACKS\tHEALTH")
	for _, r := range res.Regions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.2f/%.2f/%.2f\n",
			r.Name, r.Value, r.Stats.Corrected, r.Stats.Uncorrectable, r.RepairedBits,
			r.StuckBits, r.Rollbacks, r.Health[0], r.Health[1], r.Health[2])
	}
	tw.Flush()
}
