package pricescmder

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/codexusage/codexusage/pkg/cliui"
)

const setLongDesc string = `Replace a price row.

Replaces the row with the given id. Takes the same arguments as add;
use prices list to find row ids.

Examples:
  codexusage prices set 3 gpt-4o 2024-08-06 2.50 10.00 --cached 1.25`

const setShortDesc string = "Replace a price row"

func newSetCmd() *cobra.Command {
	var databasePath string
	var cachedRate float64

	cmd := &cobra.Command{
		Use:   "set <id> <model> <effective-from> <prompt-per-1m> <completion-per-1m>",
		Short: setShortDesc,
		Long:  setLongDesc,
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id must be an integer: %w", err)
			}

			price, err := parsePriceArgs(args[1:])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cached") {
				price.CachedPromptPer1M = &cachedRate
			}

			st, err := openStore(cmd, databasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.UpdatePrice(cmd.Context(), id, price); err != nil {
				return err
			}

			fmt.Printf("\n  %s Updated price %d to %s\n\n",
				cliui.SuccessMark,
				id,
				cliui.ValueStyle.Render(fmt.Sprintf("%s @ %s", price.Model, price.EffectiveFrom)),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&databasePath, "database", "s", "", "Path to the analytics SQLite database")
	cmd.Flags().Float64Var(&cachedRate, "cached", 0, "Cached prompt rate in USD per 1M tokens")

	return cmd
}
