// File: cmd/slipway/envs.go
// Brief: 'slipway envs' subcommands for listing, inspecting, and pruning environments.

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/example/slipway/internal/config"
	"github.com/example/slipway/internal/envstore"
	"github.com/example/slipway/internal/stager"
	"github.com/example/slipway/pkg/pipeline"
	"github.com/spf13/cobra"
)

func openEnvStore(envRoot string) *envstore.Store {
	return envstore.New(config.ExpandUser(envRoot))
}

func newEnvsCommand() *cobra.Command {
	var envRoot string

	cmd := &cobra.Command{
		Use:   "envs",
		Short: "Manage promoted environments on this host",
	}
	cmd.PersistentFlags().StringVar(&envRoot, "env-root", pipeline.DefaultEnvRoot(), "Directory holding promoted environments")
	cmd.AddCommand(newEnvsListCommand(&envRoot))
	cmd.AddCommand(newEnvsInspectCommand(&envRoot))
	cmd.AddCommand(newEnvsDiffCommand(&envRoot))
	cmd.AddCommand(newEnvsPruneCommand(&envRoot))
	decorateCommandHelp(cmd, "Environment Flags")
	return cmd
}

// envAge renders a compact age for table output.
func envAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// shortDigest trims an algorithm-prefixed digest for table output.
func shortDigest(d string) string {
	if i := strings.IndexByte(d, ':'); i >= 0 {
		d = d[i+1:]
	}
	if len(d) > 12 {
		d = d[:12]
	}
	if d == "" {
		return "-"
	}
	return d
}

func newEnvsListCommand(envRoot *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List promoted environments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := openEnvStore(*envRoot)
			records, err := store.List()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATE\tAGE\tMANIFEST\tSOURCE\tCACHE")
			for _, rec := range records {
				cache := "miss"
				if rec.LayerCacheHit {
					cache = "hit"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.Name, rec.State, envAge(rec.PromotedAt),
					shortDigest(rec.ManifestDigest), shortDigest(rec.SourceDigest), cache)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit records as JSON")
	decorateCommandHelp(cmd, "Environment Flags")
	return cmd
}

func newEnvsInspectCommand(envRoot *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect ID",
		Short: "Print the full record of one environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := openEnvStore(*envRoot)
			rec, err := store.Load(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
	decorateCommandHelp(cmd, "Environment Flags")
	return cmd
}

func newEnvsDiffCommand(envRoot *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff ID_A ID_B",
		Short: "Show the staged-source difference between two environments",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := openEnvStore(*envRoot)
			for _, id := range args {
				if _, err := store.Load(id); err != nil {
					return err
				}
			}
			diff, err := stager.DiffTrees(cmd.Context(), store.AppDir(args[0]), store.AppDir(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), diff)
			return nil
		},
	}
	decorateCommandHelp(cmd, "Environment Flags")
	return cmd
}

func newEnvsPruneCommand(envRoot *string) *cobra.Command {
	var keep int
	var all bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove leftover partial builds and optionally old environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && cmd.Flags().Changed("keep") {
				return fmt.Errorf("--keep and --all are mutually exclusive")
			}
			target := -1
			switch {
			case all:
				target = 0
			case cmd.Flags().Changed("keep"):
				if keep < 0 {
					return fmt.Errorf("--keep must be zero or positive, got %d", keep)
				}
				target = keep
			}
			store := openEnvStore(*envRoot)
			removed, err := store.Prune(target)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(removed) == 0 {
				fmt.Fprintln(out, "nothing to prune")
				return nil
			}
			for _, id := range removed {
				fmt.Fprintln(out, id)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d entries under %s\n", len(removed), *envRoot)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Keep only the N newest environments")
	cmd.Flags().BoolVar(&all, "all", false, "Remove every environment, not just leftover partials")
	decorateCommandHelp(cmd, "Environment Flags")
	return cmd
}
