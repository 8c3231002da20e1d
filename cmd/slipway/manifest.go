// File: cmd/slipway/manifest.go
// Brief: 'slipway manifest' subcommands for verifying and inspecting pin files.

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/example/slipway/pkg/manifest"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// pinRow is the serializable view of one manifest entry.
type pinRow struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Extras  string `json:"extras,omitempty" yaml:"extras,omitempty"`
	Line    int    `json:"line" yaml:"line"`
}

// manifestReport is the serializable view of a whole manifest.
type manifestReport struct {
	Path   string   `json:"path" yaml:"path"`
	Digest string   `json:"digest" yaml:"digest"`
	Pins   []pinRow `json:"pins" yaml:"pins"`
}

func buildManifestReport(m *manifest.Manifest) manifestReport {
	rep := manifestReport{
		Path:   m.Path,
		Digest: m.Digest().String(),
		Pins:   make([]pinRow, 0, len(m.Pins)),
	}
	for _, p := range m.Pins {
		rep.Pins = append(rep.Pins, pinRow{
			Name:    p.Name,
			Version: p.Version,
			Extras:  strings.Join(p.Extras, ","),
			Line:    p.Line,
		})
	}
	return rep
}

func manifestPathFromArgs(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "requirements.txt"
}

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Verify and inspect dependency manifests",
	}
	cmd.AddCommand(newManifestVerifyCommand())
	cmd.AddCommand(newManifestShowCommand())
	decorateCommandHelp(cmd, "Manifest Flags")
	return cmd
}

func newManifestVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [PATH]",
		Short: "Check that every manifest entry is an exact name==version pin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := manifestPathFromArgs(args)
			m, err := manifest.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pins, digest %s\n", path, len(m.Pins), m.Digest())
			return nil
		},
	}
	decorateCommandHelp(cmd, "Manifest Flags")
	return cmd
}

func newManifestShowCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show [PATH]",
		Short: "Print the parsed pin set and its content digest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(manifestPathFromArgs(args))
			if err != nil {
				return err
			}
			rep := buildManifestReport(m)

			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "table":
				out := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tVERSION\tEXTRAS\tLINE")
				for _, row := range rep.Pins {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", row.Name, row.Version, row.Extras, row.Line)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nDigest: %s\n", rep.Digest)
				return nil
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			case "yaml", "yml":
				b, err := yaml.Marshal(rep)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(b)
				return err
			default:
				return fmt.Errorf("unsupported --format %q (expected table, json, or yaml)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	decorateCommandHelp(cmd, "Manifest Flags")
	return cmd
}
