package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [month]",
	Short: "Show per-provider sync state for a month",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		month, err := monthArg(args)
		if err != nil {
			return err
		}

		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		statuses, err := eng.store.ListMonthStatuses(ctx, month)
		if err != nil {
			return eris.Wrap(err, "status: list")
		}
		review, err := eng.reviews.CachedState(ctx, month)
		if err != nil {
			return eris.Wrap(err, "status: review")
		}

		printStatuses(month, statuses)
		fmt.Printf("  review: %s\n", review)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
