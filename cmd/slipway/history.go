// File: cmd/slipway/history.go
// Brief: 'slipway history' lists recent build and run attempts from the local journal.

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/example/slipway/internal/history"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent build and run attempts recorded on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(history.DefaultPath())
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tENV\tNAME\tSTATE\tEXIT\tCACHE\tTOTAL\tFAILURE")
			for _, e := range entries {
				exit := "-"
				if e.ExitCode != nil {
					exit = fmt.Sprintf("%d", *e.ExitCode)
				}
				cache := "miss"
				if e.LayerCacheHit {
					cache = "hit"
				}
				total := e.InstallDuration + e.StageDuration + e.RunDuration
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					historyTimestamp(e.StartedAt), e.EnvID, e.Name, e.FinalState,
					exit, cache, total.Round(time.Millisecond), e.Failure)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum attempts to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit attempts as JSON")
	decorateCommandHelp(cmd, "History Flags")
	return cmd
}

func historyTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	ts = ts.Local()
	if time.Since(ts) > 24*time.Hour {
		return ts.Format("Jan02 15:04")
	}
	return ts.Format("15:04:05")
}
