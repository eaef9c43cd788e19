// Package pricescmder provides the prices command for managing the
// per-model price table used to cost usage events.
package pricescmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexusage/codexusage/pkg/config"
	"github.com/codexusage/codexusage/pkg/logger"
	"github.com/codexusage/codexusage/pkg/store"
)

const pricesLongDesc string = `Manage the model price table.

Prices live in the analytics database and are matched against usage events
by longest model-name prefix, picking the newest row whose effective_from
date is on or before the event date. Rates are USD per 1M tokens.

Use subcommands to list or edit rows:
  codexusage prices list                 List all price rows
  codexusage prices add <args>           Add a price row
  codexusage prices set <id> <args>      Replace a price row
  codexusage prices remove <id>          Remove a price row

Examples:
  codexusage prices list
  codexusage prices add gpt-4o 2024-08-06 2.50 10.00 --cached 1.25
  codexusage prices remove 12`

const pricesShortDesc string = "Manage the model price table"

func NewPricesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: pricesShortDesc,
		Long:  pricesLongDesc,
	}

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newRemoveCmd())

	return cmd
}

// openStore resolves the database path the same way serve and dash do and
// opens it with the schema in place.
func openStore(cmd *cobra.Command, databaseOverride string) (*store.Store, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")

	v, err := config.InitViper(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := config.FromViper(v)
	if databaseOverride != "" {
		cfg.Storage.DatabasePath = databaseOverride
	}

	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}
	dbPath, err := cfger.DatabasePath(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}

	st, err := store.Open(dbPath, logger.Nop())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := st.EnsureSchema(cmd.Context()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("preparing schema: %w", err)
	}

	return st, nil
}
