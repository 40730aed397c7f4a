package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/snapsync/internal/output"
	"github.com/marcus/snapsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

// apiKeyConfigKey is stored in auth.json rather than config.json.
const apiKeyConfigKey = "auth.api_key"

func configKeys() []string {
	return append(syncconfig.Keys(), apiKeyConfigKey)
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

func getConfigValue(key string) (string, error) {
	if key == apiKeyConfigKey {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			return "", err
		}
		if creds == nil {
			return "", nil
		}
		return creds.APIKey, nil
	}
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Get(key)
}

func setConfigValue(key, val string) error {
	if key == apiKeyConfigKey {
		return syncconfig.SaveAuth(&syncconfig.AuthCredentials{APIKey: val})
	}
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Set(key, val); err != nil {
		return err
	}
	return syncconfig.SaveConfig(cfg)
}

func unknownKey(cmd *cobra.Command, err error) error {
	if errors.Is(err, syncconfig.ErrUnknownKey) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Valid keys:", strings.Join(configKeys(), ", "))
	}
	return err
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage snapsync configuration",
	GroupID: "system",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value (an empty value unsets it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if err := setConfigValue(key, val); err != nil {
			return unknownKey(cmd, err)
		}
		if key == apiKeyConfigKey {
			val = maskSecret(val)
		}
		output.Success("Set %s = %s", key, val)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a config value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := getConfigValue(args[0])
		if err != nil {
			return unknownKey(cmd, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List config values and where the config lives",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if dir, err := syncconfig.ConfigDir(); err == nil {
			fmt.Fprintln(out, output.Subtle("# "+dir))
		}
		width := 0
		for _, k := range configKeys() {
			width = max(width, len(k))
		}
		for _, k := range configKeys() {
			val, err := getConfigValue(k)
			if err != nil {
				return err
			}
			if k == apiKeyConfigKey {
				val = maskSecret(val)
			}
			fmt.Fprintln(out, output.KeyValue(k, width, val))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)
}
