// Package dashcmder provides the dash command, a terminal dashboard over
// the usage analytics database.
package dashcmder

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexusage/codexusage/pkg/config"
	"github.com/codexusage/codexusage/pkg/logger"
	"github.com/codexusage/codexusage/pkg/store"
)

const dashLongDesc string = `Open the usage dashboard.

The dashboard reads the analytics database the proxy writes and shows
spend and token totals for today, the last 7 days, and the last 30 days,
recent requests, per-model daily breakdowns, and the most expensive
conversations. It refreshes live while the proxy is running.

Examples:
  codexusage dash
  codexusage dash --database ./usage.db`

const dashShortDesc string = "Open the usage dashboard"

type dashCommander struct {
	databasePath string
	configDir    string
	cfg          *config.Config
}

func NewDashCmd() *cobra.Command {
	cmder := &dashCommander{}

	cmd := &cobra.Command{
		Use:   "dash",
		Short: dashShortDesc,
		Long:  dashLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cmder.cfg = config.FromViper(v)

			if cmd.Flags().Changed("database") {
				cmder.cfg.Storage.DatabasePath = cmder.databasePath
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run()
		},
	}

	cmd.Flags().StringVarP(&cmder.databasePath, "database", "s", "", "Path to the analytics SQLite database")

	return cmd
}

func (c *dashCommander) run() error {
	cfger, err := config.NewConfiger(c.configDir)
	if err != nil {
		return fmt.Errorf("resolving config dir: %w", err)
	}
	dbPath, err := cfger.DatabasePath(c.cfg)
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}

	// The dashboard only reads; schema creation still runs so a fresh
	// database renders as empty instead of erroring on missing views.
	st, err := store.Open(dbPath, logger.Nop())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.EnsureSchema(context.Background()); err != nil {
		return fmt.Errorf("preparing schema: %w", err)
	}

	refreshHz := c.cfg.Display.RefreshHz
	if refreshHz == 0 {
		refreshHz = 1
	}
	interval := time.Second / time.Duration(refreshHz)

	return runDashTUI(st, interval, int(c.cfg.Display.RecentEventsCapacity))
}
