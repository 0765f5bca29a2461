package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/config"
	"github.com/parley-hq/parley/internal/handoff"
	"github.com/parley-hq/parley/internal/store"
	"github.com/parley-hq/parley/internal/store/pg"
	"github.com/parley-hq/parley/internal/store/sqlite"
)

// sweepCmd runs one recovery pass and exits. Useful for cron-driven
// deployments that don't keep the gateway process running.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover stalled escalations past the operator SLA, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}

			var stores *store.Stores
			if cfg.IsManagedMode() {
				stores, err = pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
			} else {
				stores, err = sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: config.ExpandHome(cfg.Database.SQLitePath)})
			}
			if err != nil {
				return err
			}

			machine := handoff.NewMachine(stores.Conversations, bus.NewMessageBus())
			sweeper, err := handoff.NewSweeper(machine, stores.Conversations, cfg.Sweep.SLA(), cfg.Sweep.Schedule)
			if err != nil {
				return err
			}

			n, err := sweeper.RunOnce(context.Background())
			if err != nil {
				return err
			}
			slog.Info("sweep complete", "recovered", n)
			return nil
		},
	}
}
