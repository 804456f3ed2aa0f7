package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ctflabs/paddock/pkg/api"
	"github.com/ctflabs/paddock/pkg/catalog"
	"github.com/ctflabs/paddock/pkg/engine"
	"github.com/ctflabs/paddock/pkg/keychain"
	"github.com/ctflabs/paddock/pkg/log"
	"github.com/ctflabs/paddock/pkg/metrics"
	"github.com/ctflabs/paddock/pkg/reaper"
	"github.com/ctflabs/paddock/pkg/store"
	"github.com/ctflabs/paddock/pkg/tracker"
)

const (
	defaultListenAddr = "0.0.0.0:3001"

	// defaultInstanceLifetime applies to instanced deploys that specify no
	// lifetime of their own
	defaultInstanceLifetime = 600 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deployment orchestrator",
	Long: `Run the orchestrator: migrate the database, load the challenge catalog
and host keychains, re-arm outstanding instance leases, and serve the admin
API until SIGINT/SIGTERM.

Configuration is taken from the environment:
  DATABASE_URL               Postgres connection string (required)
  HOST_KEYCHAINS             path to the host keychain JSON file (required)
  CHALLENGES_DIR             path to the challenge catalog directory (required)
  LISTEN_ADDR                API listen address (default 0.0.0.0:3001)
  LOG_LEVEL                  debug|info|warn|error (default info)
  LOG_JSON                   log JSON instead of console output (default false)
  DEFAULT_INSTANCE_LIFETIME  instanced lease seconds (default 600)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

type config struct {
	databaseURL   string
	keychainsPath string
	challengesDir string
	listenAddr    string
	lifetime      time.Duration
}

func loadConfig() (config, error) {
	cfg := config{
		databaseURL:   os.Getenv("DATABASE_URL"),
		keychainsPath: os.Getenv("HOST_KEYCHAINS"),
		challengesDir: os.Getenv("CHALLENGES_DIR"),
		listenAddr:    os.Getenv("LISTEN_ADDR"),
		lifetime:      defaultInstanceLifetime,
	}

	if cfg.databaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}
	if cfg.keychainsPath == "" {
		return cfg, errors.New("HOST_KEYCHAINS is required")
	}
	if cfg.challengesDir == "" {
		return cfg, errors.New("CHALLENGES_DIR is required")
	}
	if cfg.listenAddr == "" {
		cfg.listenAddr = defaultListenAddr
	}

	if v := os.Getenv("DEFAULT_INSTANCE_LIFETIME"); v != "" {
		secs, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("invalid DEFAULT_INSTANCE_LIFETIME %q: %w", v, err)
		}
		cfg.lifetime = time.Duration(secs) * time.Second
	}

	return cfg, nil
}

func serve() error {
	log.Init(log.Config{
		Level:      log.Level(os.Getenv("LOG_LEVEL")),
		JSONOutput: os.Getenv("LOG_JSON") == "true",
	})
	logger := log.WithComponent("serve")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.databaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := store.Migrate(ctx, st); err != nil {
		return err
	}

	keychains, err := keychain.Load(cfg.keychainsPath)
	if err != nil {
		return err
	}
	logger.Info().Strs("hosts", keychains.Hosts()).Msg("host keychains loaded")

	cat := catalog.New(cfg.challengesDir)
	if err := cat.Reload(); err != nil {
		return err
	}

	metrics.Register()

	tasks := tracker.New()
	eng := engine.New(st, cat, keychains, cfg.lifetime)
	rp := reaper.New(ctx, eng, tasks)
	eng.SetScheduler(rp)

	// Leases that expired while we were down fire immediately.
	if err := rp.Sweep(ctx, st); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.listenAddr,
		Handler: api.New(st, cat, eng, tasks).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.listenAddr).Msg("listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server shutdown")
		}

		// Stop accepting engine tasks and drain the in-flight ones; they are
		// never cancelled mid-flight.
		tasks.Close()
		tasks.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
