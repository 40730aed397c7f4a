package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/marcus/snapsync/internal/output"
	"github.com/marcus/snapsync/internal/snapshot"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:     "show [field]",
	Aliases: []string{"get"},
	Short:   "Print the snapshot and its version",
	Long: `Bootstraps from the local cache and the server, then prints the
snapshot. With a field argument only that field's JSON value is printed.`,
	GroupID: "core",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		snap, meta := s.engine.Snapshot()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			raw, ok := snap[args[0]]
			if !ok {
				return fmt.Errorf("field %q is not set", args[0])
			}
			fmt.Fprintln(out, string(raw))
			return nil
		}

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			data, err := json.MarshalIndent(snapshot.Document{Snapshot: snap, Meta: meta}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintln(out, output.SectionHeader(s.docID))
		fmt.Fprintln(out, output.Subtle(output.FormatMeta(meta)))
		fmt.Fprintln(out, output.FormatSnapshot(snap))
		return nil
	},
}

func init() {
	showCmd.Flags().Bool("json", false, "print the document as JSON")
	rootCmd.AddCommand(showCmd)
}
