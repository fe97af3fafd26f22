package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reporthub/reporthub/pkg/api"
	"github.com/reporthub/reporthub/pkg/auth"
	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/product"
	"github.com/reporthub/reporthub/pkg/task"
	"github.com/reporthub/reporthub/pkg/worker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ReportHub server",
	Long: `Run the ReportHub server: the HTTP API, the product registry, the
task reaper, and the supervised worker pool.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "path to the YAML configuration file")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	serverID := cfg.EffectiveServerID()
	logger := log.WithComponent("server")
	logger.Info().Str("server_id", serverID).Msg("starting")

	store, err := configstore.Open(cfg.Store.Connection)
	if err != nil {
		return fmt.Errorf("failed to open configuration store: %v", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ledger, err := task.OpenLedger(filepath.Join(cfg.Tasks.ScratchRoot, "datadirs.db"))
	if err != nil {
		return fmt.Errorf("failed to open data-dir ledger: %v", err)
	}
	defer ledger.Close()

	kinds := task.NewKindRegistry()
	if err := task.RegisterBuiltins(kinds); err != nil {
		return err
	}

	mgr := task.NewManager(store, ledger, kinds, broker, cfg.Tasks, serverID)
	if err := mgr.StartupSweep(); err != nil {
		return fmt.Errorf("startup sweep failed: %v", err)
	}

	registry := product.NewRegistry(store, broker)
	if err := registry.LoadAll(); err != nil {
		return fmt.Errorf("failed to load products: %v", err)
	}
	defer registry.Close()

	reaper := task.NewReaper(mgr)
	reaper.Start()
	defer reaper.Stop()

	authn := auth.New(store, cfg.Auth)
	go purgeSessions(authn)

	pool := worker.NewPool(cfg, configPath, mgr)
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start workers: %v", err)
	}

	server := api.NewServer(cfg, store, authn, registry, mgr, broker)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("server is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	// Drain: stop intake, ask workers to finish, cut off long polls.
	mgr.SetDraining(true)
	broker.Publish(&events.Event{Type: events.EventServerDraining})
	pool.Drain()
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	if err := mgr.ShutdownSweep("The server was shut down while the task was incomplete."); err != nil {
		logger.Warn().Err(err).Msg("shutdown sweep failed")
	}
	broker.Publish(&events.Event{Type: events.EventServerShutdown})
	logger.Info().Msg("shutdown complete")
	return nil
}

// purgeSessions removes expired sessions on a slow cadence
func purgeSessions(authn *auth.Authenticator) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if n, err := authn.PurgeExpired(); err == nil && n > 0 {
			l := log.WithComponent("auth")
			l.Info().Int("count", n).Msg("purged expired sessions")
		}
	}
}
