package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/radguard/internal/config"
	"github.com/lazypower/radguard/internal/engine"
	"github.com/lazypower/radguard/internal/hybrid"
	"github.com/lazypower/radguard/internal/server"
	"github.com/lazypower/radguard/internal/tmr"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Protect the demo regions and serve the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	opts, err := engine.OptionsFromConfig(cfg, "serve")
	if err != nil {
		return err
	}
	opts.Logger = logger
	eng, err := engine.New(db, opts)
	if err != nil {
		return err
	}
	defer eng.Stop()

	heartbeat, err := protectDemo(eng)
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}

	srv := server.New(eng, VersionString(),
		server.WithLogger(logger),
		server.WithTelemetryLimit(cfg.Server.TelemetryRate, cfg.Server.TelemetryBurst),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("radguard serving", "addr", httpServer.Addr, "db", db.Path, "run_id", eng.RunID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		runHeartbeat(gctx, heartbeat, logger)
		return nil
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(c config.Config) {
				applyReload(eng, c, logger)
			})
		})
	}

	return g.Wait()
}

// protectDemo places the demo workload's state under protection.
func protectDemo(eng *engine.Engine) (*hybrid.Value[uint64], error) {
	heartbeat, err := engine.Protect(eng, "heartbeat", tmr.Uint64, 0)
	if err != nil {
		return nil, err
	}
	if _, err := engine.Protect(eng, "setpoint", tmr.Float32, 21.5); err != nil {
		return nil, err
	}
	if _, err := engine.Protect(eng, "mode", tmr.Uint8, 2); err != nil {
		return nil, err
	}
	return heartbeat, nil
}

// runHeartbeat increments the heartbeat region once a second until ctx is
// done, reading it through the full voting path each time.
func runHeartbeat(ctx context.Context, v *hybrid.Value[uint64], logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := v.Get(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("heartbeat: read failed", "error", err)
				}
				continue
			}
			v.Set(n + 1)
		}
	}
}

// applyReload pushes the settings that can change at runtime into eng.
func applyReload(eng *engine.Engine, cfg config.Config, logger *slog.Logger) {
	if err := eng.ApplyThresholds(cfg.Protection.Thresholds); err != nil {
		logger.Warn("config: thresholds rejected", "error", err)
	}
	if inj := eng.Injector(); inj != nil && cfg.Inject.Enabled {
		inj.SetRate(cfg.Inject.Rate)
		logger.Info("config: injection rate updated", "rate", cfg.Inject.Rate)
	}
}
