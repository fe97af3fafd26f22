package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/task"
	"github.com/reporthub/reporthub/pkg/worker"
)

// workerCmd is the entry point of supervised worker child processes. It is
// hidden: the server spawns it, users do not.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one background task worker",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().String("config", "", "path to the YAML configuration file")
	workerCmd.Flags().Int("worker-id", 0, "worker slot number")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, _ := cmd.Flags().GetInt("worker-id")
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("worker-main").With().Int("worker", id).Logger()

	store, err := configstore.Open(cfg.Store.Connection)
	if err != nil {
		return fmt.Errorf("failed to open configuration store: %v", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	kinds := task.NewKindRegistry()
	if err := task.RegisterBuiltins(kinds); err != nil {
		return err
	}

	// Worker processes share the task tables but never the data-dir ledger;
	// the server process owns directory lifecycle.
	mgr := task.NewManager(store, nil, kinds, broker, cfg.Tasks, cfg.EffectiveServerID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				// Drain: finish the current task, then exit.
				logger.Info().Msg("drain requested")
				mgr.SetDraining(true)
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("stopping")
			mgr.SetDraining(true)
			cancel()
		}
	}()

	logger.Info().Msg("worker started")
	if err := worker.New(id, mgr, cfg.Workers).Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("worker exiting")
	return nil
}
