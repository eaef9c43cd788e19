package pricescmder

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexusage/codexusage/pkg/cliui"
	"github.com/codexusage/codexusage/pkg/pricing"
)

const addLongDesc string = `Add a price row.

Adds a new row to the price table. The model name is matched against
usage events by prefix, so "gpt-4o" also covers "gpt-4o-2024-08-06"
unless a longer prefix row exists. The effective date must be YYYY-MM-DD
and rates are USD per 1M tokens.

Examples:
  codexusage prices add gpt-4o 2024-08-06 2.50 10.00 --cached 1.25
  codexusage prices add o3 2025-06-10 2.00 8.00`

const addShortDesc string = "Add a price row"

func newAddCmd() *cobra.Command {
	var databasePath string
	var cachedRate float64

	cmd := &cobra.Command{
		Use:   "add <model> <effective-from> <prompt-per-1m> <completion-per-1m>",
		Short: addShortDesc,
		Long:  addLongDesc,
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parsePriceArgs(args)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cached") {
				price.CachedPromptPer1M = &cachedRate
			}
			return runPricesAdd(cmd, databasePath, price)
		},
	}

	cmd.Flags().StringVarP(&databasePath, "database", "s", "", "Path to the analytics SQLite database")
	cmd.Flags().Float64Var(&cachedRate, "cached", 0, "Cached prompt rate in USD per 1M tokens")

	return cmd
}

func runPricesAdd(cmd *cobra.Command, databasePath string, price pricing.Price) error {
	st, err := openStore(cmd, databasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.InsertPrice(cmd.Context(), price)
	if err != nil {
		return err
	}

	fmt.Printf("\n  %s Added price %s (id %d)\n\n",
		cliui.SuccessMark,
		cliui.ValueStyle.Render(fmt.Sprintf("%s @ %s", price.Model, price.EffectiveFrom)),
		id,
	)
	return nil
}

// parsePriceArgs validates the positional <model> <effective-from>
// <prompt-per-1m> <completion-per-1m> arguments shared by add and set.
func parsePriceArgs(args []string) (pricing.Price, error) {
	price := pricing.Price{Model: args[0], EffectiveFrom: args[1], Currency: "USD"}

	if price.Model == "" {
		return price, fmt.Errorf("model must not be empty")
	}
	if _, err := time.Parse(time.DateOnly, price.EffectiveFrom); err != nil {
		return price, fmt.Errorf("effective-from must be YYYY-MM-DD: %w", err)
	}

	prompt, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return price, fmt.Errorf("prompt-per-1m must be a number: %w", err)
	}
	completion, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return price, fmt.Errorf("completion-per-1m must be a number: %w", err)
	}
	if prompt < 0 || completion < 0 {
		return price, fmt.Errorf("rates must not be negative")
	}

	price.PromptPer1M = prompt
	price.CompletionPer1M = completion

	return price, nil
}
