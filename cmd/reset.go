package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/model"
)

var resetCmd = &cobra.Command{
	Use:   "reset <provider>",
	Short: "Delete all locally stored data for one provider",
	Long: `Delete every locally stored row owned by a provider: activities, sync
statuses, claims, and recorded write-backs. Remote data is untouched.
Requires --yes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := model.ProviderName(args[0])

		confirmed, _ := cmd.Flags().GetBool("yes")
		if !confirmed {
			return eris.Errorf("reset: this deletes all local %s data; re-run with --yes", name)
		}

		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if _, err := eng.registry.Get(name); err != nil {
			return err
		}
		if err := eng.store.ResetProvider(ctx, name); err != nil {
			return eris.Wrapf(err, "reset: %s", name)
		}

		zap.L().Info("provider reset", zap.String("provider", string(name)))
		fmt.Printf("Reset %s\n", name)
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("yes", false, "confirm the deletion")
	rootCmd.AddCommand(resetCmd)
}
