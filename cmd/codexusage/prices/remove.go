package pricescmder

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/codexusage/codexusage/pkg/cliui"
)

const removeLongDesc string = `Remove a price row.

Deletes the row with the given id from the price table. Events priced by
that row fall back to the next best prefix match, or show as unpriced.

Examples:
  codexusage prices remove 12`

const removeShortDesc string = "Remove a price row"

func newRemoveCmd() *cobra.Command {
	var databasePath string

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: removeShortDesc,
		Long:  removeLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id must be an integer: %w", err)
			}

			st, err := openStore(cmd, databasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeletePrice(cmd.Context(), id); err != nil {
				return err
			}

			fmt.Printf("\n  %s Removed price %d\n\n", cliui.SuccessMark, id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&databasePath, "database", "s", "", "Path to the analytics SQLite database")

	return cmd
}
