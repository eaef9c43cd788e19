// Package codexusagecmder
package codexusagecmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/codexusage/codexusage/cmd/codexusage/config"
	dashcmder "github.com/codexusage/codexusage/cmd/codexusage/dash"
	pricescmder "github.com/codexusage/codexusage/cmd/codexusage/prices"
	servecmder "github.com/codexusage/codexusage/cmd/codexusage/serve"
)

const codexUsageLongDesc string = `codexusage is a local token-usage meter for OpenAI-compatible clients.

Point your client's base URL at the proxy and it forwards every request
untouched while recording token usage, pricing it against a model price
table, and keeping daily statistics in a local SQLite database.

Run services using:
  codexusage serve     Run the pass-through proxy
  codexusage dash      Open the usage dashboard
  codexusage prices    Manage the model price table`

const codexUsageShortDesc string = "codexusage - LLM token usage meter"

func NewCodexUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codexusage",
		Short: codexUsageShortDesc,
		Long:  codexUsageLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .codexusage/ directory location")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(dashcmder.NewDashCmd())
	cmd.AddCommand(pricescmder.NewPricesCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())

	return cmd
}
