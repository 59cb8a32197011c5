package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync [month]",
	Short: "Pull a month of activities from providers",
	Long: `Pull a month of activities from every enabled provider (or one, with
--provider) and store the normalized records locally.

The month defaults to the current month in the home timezone. Keys
inside a provider rate-limit window are queued and deferred, not
failed; re-run sync after the window to pick them up.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "sync"))

		month, err := monthArg(args)
		if err != nil {
			return err
		}

		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		providerFlag, _ := cmd.Flags().GetString("provider")
		if providerFlag != "" {
			key := model.SyncKey{Provider: model.ProviderName(providerFlag), Month: month}
			if _, err := eng.sched.Request(ctx, key); err != nil {
				return eris.Wrapf(err, "sync: queue %s", key)
			}
		} else {
			if _, err := eng.sched.RequestMonth(ctx, month); err != nil {
				return eris.Wrapf(err, "sync: queue %s", month)
			}
		}

		log.Info("draining queue", zap.String("month", month.String()))
		if err := eng.sched.Run(ctx); err != nil {
			return eris.Wrap(err, "sync: run")
		}

		// Keys deferred during the drain whose window has since passed
		// get one more chance before we report.
		if n, err := eng.sched.RequeueDeferred(ctx, month); err == nil && n > 0 {
			log.Info("requeued deferred keys", zap.Int("count", n))
			if err := eng.sched.Run(ctx); err != nil {
				return eris.Wrap(err, "sync: rerun")
			}
		}

		statuses, err := eng.store.ListMonthStatuses(ctx, month)
		if err != nil {
			return eris.Wrap(err, "sync: statuses")
		}
		printStatuses(month, statuses)
		return nil
	},
}

func init() {
	syncCmd.Flags().String("provider", "", "pull a single provider (strava, garmin, ridewithgps, spreadsheet, file)")
	rootCmd.AddCommand(syncCmd)
}

// monthArg parses the optional month argument, defaulting to the
// current month in the home timezone.
func monthArg(args []string) (model.Month, error) {
	if len(args) == 0 {
		return model.MonthOf(time.Now(), cfg.Location()), nil
	}
	return model.ParseMonth(args[0])
}

func printStatuses(month model.Month, statuses []model.SyncStatus) {
	fmt.Printf("%s\n", month)
	for _, st := range statuses {
		line := fmt.Sprintf("  %-12s %-8s", st.Key.Provider, st.State)
		if st.RateLimitKind != model.RateLimitNone && st.RateLimitKind != "" && !st.RateLimitReset.IsZero() {
			line += fmt.Sprintf("  rate limited (%s) until %s", st.RateLimitKind, st.RateLimitReset.UTC().Format(time.RFC3339))
		} else if st.LastMessage != "" {
			line += "  " + st.LastMessage
		}
		fmt.Println(line)
	}
}
