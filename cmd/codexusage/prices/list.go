package pricescmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexusage/codexusage/pkg/cliui"
)

const listLongDesc string = `List all price rows.

Displays every row in the price table ordered by model name, newest
effective date first. Rates are USD per 1M tokens.

Examples:
  codexusage prices list`

const listShortDesc string = "List all price rows"

func newListCmd() *cobra.Command {
	var databasePath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: listShortDesc,
		Long:  listLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPricesList(cmd, databasePath)
		},
	}

	cmd.Flags().StringVarP(&databasePath, "database", "s", "", "Path to the analytics SQLite database")

	return cmd
}

func runPricesList(cmd *cobra.Command, databasePath string) error {
	st, err := openStore(cmd, databasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.ListPrices(cmd.Context())
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Printf("\n  %s\n\n", cliui.DimStyle.Render("No prices configured."))
		return nil
	}

	fmt.Printf("\n  %4s  %-24s %-12s %10s %10s %10s\n",
		"ID", "MODEL", "FROM", "PROMPT", "CACHED", "COMPLETION")
	for _, row := range rows {
		cached := cliui.DimStyle.Render("—")
		if row.CachedPromptPer1M != nil {
			cached = fmt.Sprintf("%.2f", *row.CachedPromptPer1M)
		}
		fmt.Printf("  %4d  %-24s %-12s %10.2f %10s %10.2f\n",
			row.ID,
			row.Model,
			row.EffectiveFrom,
			row.PromptPer1M,
			cached,
			row.CompletionPer1M,
		)
	}
	fmt.Println()

	return nil
}
