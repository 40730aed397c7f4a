package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/marcus/snapsync/internal/output"
	"github.com/marcus/snapsync/internal/snapshot"
	"github.com/spf13/cobra"
)

// fieldValue turns a command-line value into a JSON value. With asString the
// argument is always stored as a JSON string.
func fieldValue(arg string, asString bool) (json.RawMessage, error) {
	if asString {
		return json.RawMessage(strconv.Quote(arg)), nil
	}
	if !json.Valid([]byte(arg)) {
		return nil, fmt.Errorf("invalid JSON value %q (use --string to store it as text)", arg)
	}
	return json.RawMessage(arg), nil
}

func reportWrite(cmd *cobra.Command, meta snapshot.Meta, err error) error {
	if err != nil {
		output.Warning("saved locally as v%d but the server write failed", meta.Version)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "v%d\n", meta.Version)
	return nil
}

var setCmd = &cobra.Command{
	Use:   "set <field> <json>",
	Short: "Set a top-level field",
	Example: `  snapsync set theme '"dark"'
  snapsync set theme dark --string
  snapsync set layout '{"sidebar":true}'`,
	GroupID: "core",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asString, _ := cmd.Flags().GetBool("string")
		raw, err := fieldValue(args[1], asString)
		if err != nil {
			return err
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		meta, err := s.commit(cmd.Context(), func(cur snapshot.Snapshot) (snapshot.Snapshot, error) {
			return cur.WithRaw(args[0], raw)
		})
		return reportWrite(cmd, meta, err)
	},
}

var unsetCmd = &cobra.Command{
	Use:     "unset <field>",
	Aliases: []string{"rm"},
	Short:   "Remove a top-level field",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		meta, err := s.commit(cmd.Context(), func(cur snapshot.Snapshot) (snapshot.Snapshot, error) {
			return cur.Without(args[0]), nil
		})
		return reportWrite(cmd, meta, err)
	},
}

func init() {
	setCmd.Flags().Bool("string", false, "store the value as a JSON string")
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(unsetCmd)
}
