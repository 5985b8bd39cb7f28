// SPDX-License-Identifier: MIT

// Command copyfleet runs the browser-fleet copy-trading daemon: one browser
// session per configured credential, a health monitor gating dispatch, and
// the HTTP surface for the dashboard and webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradewright/copyfleet/internal/api"
	"github.com/tradewright/copyfleet/internal/catalog"
	"github.com/tradewright/copyfleet/internal/config"
	"github.com/tradewright/copyfleet/internal/creds"
	"github.com/tradewright/copyfleet/internal/dispatch"
	"github.com/tradewright/copyfleet/internal/health"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/session"
	"github.com/tradewright/copyfleet/internal/session/recovery"
	"github.com/tradewright/copyfleet/internal/session/supervisor"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	envFile := flag.String("env", "", "optional .env file with COPYFLEET_* variables")
	flag.Parse()

	if *showVersion {
		fmt.Printf("copyfleet %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			return 1
		}
	} else {
		// Best-effort local .env, absent in production.
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "copyfleet",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	credentials, err := creds.Load(cfg.CredentialsPath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.CredentialsPath).Msg("credential store unusable")
		return 1
	}

	instruments := catalog.Default()
	if cfg.CatalogPath != "" {
		instruments, err = catalog.ParseFile(cfg.CatalogPath)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.CatalogPath).Msg("instrument catalog unusable")
			return 1
		}
	}

	store, err := recovery.NewStore(cfg.RecoveryDir)
	if err != nil {
		logger.Error().Err(err).Msg("recovery store unusable")
		return 1
	}
	ports, err := session.NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeSize)
	if err != nil {
		logger.Error().Err(err).Msg("port pool invalid")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry()
	sup := supervisor.New(cfg, registry, ports, store)
	monitor := health.New(cfg, registry, sup, store)
	engine := dispatch.New(cfg, registry, store, instruments)
	monitor.OnEligible = engine.NoteRecovered

	manager := health.NewManager(version)
	manager.RegisterChecker(&health.FleetChecker{Registry: registry})

	watcher, err := config.NewCredentialWatcher(cfg.CredentialsPath)
	if err != nil {
		logger.Warn().Err(err).Msg("credential watch unavailable")
	} else {
		defer watcher.Close()
		manager.RegisterChecker(&health.StalenessChecker{Stale: watcher.Stale})
		go watcher.Run(ctx)
	}

	reload := func(ctx context.Context) (int, error) {
		fresh, err := creds.Load(cfg.CredentialsPath)
		if err != nil {
			return 0, err
		}
		var next *catalog.Catalog
		if cfg.CatalogPath != "" {
			if next, err = catalog.ParseFile(cfg.CatalogPath); err != nil {
				return 0, fmt.Errorf("catalog reload: %w", err)
			}
		}
		added, err := sup.Reload(ctx, fresh)
		if err != nil {
			return added, err
		}
		engine.SetCatalog(next) // nil when no catalog file is configured
		if watcher != nil {
			watcher.MarkFresh()
		}
		return added, nil
	}
	server := api.New(cfg, engine, registry, manager, reload)

	logger.Info().
		Str("version", version).
		Int("accounts", len(credentials)).
		Str("listen", cfg.ListenAddr).
		Msg("starting copyfleet")

	if err := sup.StartFleet(ctx, credentials); err != nil {
		logger.Error().Err(err).Msg("fleet startup failed")
		stop()
		sup.Wait()
		return 1
	}
	go monitor.Run(ctx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	// Session goroutines only exit on retirement or shutdown, so the fleet
	// draining while the context is live means every session retired.
	fleetDone := make(chan struct{})
	go func() { sup.Wait(); close(fleetDone) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case <-fleetDone:
		logger.Error().Msg("fleet fully retired, shutting down")
		stop()
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	sup.Wait()
	engine.WaitReconciliation()

	// A fleet that never produced a dispatchable session is a failed run.
	if allRetired(registry) {
		logger.Error().Msg("every session retired, exiting with failure")
		return 1
	}
	logger.Info().Msg("copyfleet stopped")
	return 0
}

func allRetired(reg *session.Registry) bool {
	sessions := reg.Snapshot()
	if len(sessions) == 0 {
		return true
	}
	for _, s := range sessions {
		if s.Phase() != session.PhaseRetired {
			return false
		}
	}
	return true
}
