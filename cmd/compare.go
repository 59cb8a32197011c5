package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fitsync/fitsync/internal/diff"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/review"
)

var compareCmd = &cobra.Command{
	Use:   "compare [month]",
	Short: "Correlate a month's activities and show field differences",
	Long: `Correlate a month's stored activities across providers and print each
group's field differences. Rows marked "conflict" need an explicit
decision; use "fitsync apply" to push confirmed values back.

--json emits the full report for scripting.`,
	Args: cobra.MaximumNArgs(1),
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

		report, err := eng.reviews.MonthReport(ctx, month)
		if err != nil {
			return eris.Wrap(err, "compare")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		printReport(report)
		return nil
	},
}

func init() {
	compareCmd.Flags().Bool("json", false, "emit the report as JSON")
	rootCmd.AddCommand(compareCmd)
}

func printReport(report *review.Report) {
	fmt.Printf("%s  (%s)\n", report.Month, report.State)
	for _, g := range report.Groups {
		fmt.Printf("\n%s  [%s]\n", g.CanonicalTime.Format(time.RFC3339), joinProviders(g.Members))
		if len(g.Rows) == 0 {
			fmt.Println("  in agreement")
			continue
		}
		for _, row := range g.Rows {
			printRow(row)
		}
	}
}

func printRow(row diff.FieldDiff) {
	marker := " "
	if row.NeedsDecision {
		marker = "!"
	}
	fmt.Printf("  %s %-22s %-13s proposed=%s (%s)\n", marker, row.Field, row.Agreement, row.Proposed, row.ProposedBy)

	providers := make([]model.ProviderName, 0, len(row.Values))
	for p := range row.Values {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	for _, p := range providers {
		fmt.Printf("      %-12s %s\n", p, row.Values[p])
	}
}

func joinProviders(members map[model.ProviderName]model.NormalizedActivity) string {
	names := make([]string, 0, len(members))
	for p := range members {
		names = append(names, string(p))
	}
	sort.Strings(names)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
