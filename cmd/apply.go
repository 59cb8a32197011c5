package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fitsync/fitsync/internal/apply"
	"github.com/fitsync/fitsync/internal/diff"
)

var applyCmd = &cobra.Command{
	Use:   "apply [month]",
	Short: "Write confirmed field values back to providers",
	Long: `Write field values back to providers for a month.

With --proposed, every non-conflicting proposal from the comparison is
applied (single-source values propagated, unanimous gaps filled) and
activities missing from a provider that accepts new entries are added.
Conflicts are never applied this way.

With --changes FILE, the JSON change list (as produced by editing the
"compare --json" output) is applied verbatim, including decided
conflicts. Each change names a provider, activity id, field, and value.

A rate-limited or de-authorized provider stops only its own remaining
writes; other providers continue. There is no rollback.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		month, err := monthArg(args)
		if err != nil {
			return err
		}

		changesPath, _ := cmd.Flags().GetString("changes")
		proposed, _ := cmd.Flags().GetBool("proposed")
		if (changesPath == "") == !proposed {
			return eris.New("apply: exactly one of --changes or --proposed is required")
		}

		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		var changes []apply.Change
		if changesPath != "" {
			raw, err := os.ReadFile(changesPath)
			if err != nil {
				return eris.Wrapf(err, "apply: read %s", changesPath)
			}
			if err := json.Unmarshal(raw, &changes); err != nil {
				return eris.Wrapf(err, "apply: parse %s", changesPath)
			}
		} else {
			report, err := eng.reviews.MonthReport(ctx, month)
			if err != nil {
				return eris.Wrap(err, "apply: compare")
			}
			creatable := apply.CreateTargets(eng.registry)
			for _, g := range report.Groups {
				var rows []diff.FieldDiff
				for _, row := range g.Rows {
					if !row.NeedsDecision {
						rows = append(rows, row)
					}
				}
				changes = append(changes, apply.Plan(g.Group(), rows, creatable)...)
			}
		}

		if len(changes) == 0 {
			fmt.Println("Nothing to apply")
			return nil
		}

		results := eng.applier.Apply(ctx, month, changes)
		printResults(results)

		// Write-backs change the comparison; refresh the cached state.
		if _, err := eng.reviews.MonthReport(ctx, month); err != nil {
			return eris.Wrap(err, "apply: refresh review")
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().String("changes", "", "JSON file with an explicit change list")
	applyCmd.Flags().Bool("proposed", false, "apply all non-conflicting proposals")
	rootCmd.AddCommand(applyCmd)
}

func printResults(results []apply.Result) {
	counts := map[apply.Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
		suffix := ""
		if r.Message != "" {
			suffix = "  " + r.Message
		}
		field := string(r.Change.Field)
		if r.Change.Op == apply.OpCreate {
			field = "+activity"
		}
		fmt.Printf("  %-7s %-12s %-10s %s%s\n", r.Outcome, r.Change.Provider, r.Change.ProviderID, field, suffix)
	}
	fmt.Printf("%d applied, %d skipped, %d failed\n", counts[apply.Applied], counts[apply.Skipped], counts[apply.Failed])
}
