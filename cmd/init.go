package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/marcus/snapsync/internal/output"
	"github.com/marcus/snapsync/internal/syncclient"
	"github.com/marcus/snapsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

// initValues are the settings the init form edits.
type initValues struct {
	URL      string
	APIKey   string
	Document string
	Debounce string
}

func currentInitValues() (initValues, error) {
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return initValues{}, err
	}
	v := initValues{
		URL:      cfg.Remote.URL,
		Document: cfg.Remote.Document,
		Debounce: cfg.Sync.Debounce,
	}
	if creds, err := syncconfig.LoadAuth(); err == nil && creds != nil {
		v.APIKey = creds.APIKey
	}
	return v, nil
}

func validateServerURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("want an http:// or https:// URL")
	}
	return nil
}

func validateDebounce(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if d, err := time.ParseDuration(s); err != nil || d < 0 {
		return fmt.Errorf("want a duration such as 500ms or 1s")
	}
	return nil
}

func initForm(v *initValues) *huh.Form {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Description("Leave empty to run local-only").
				Placeholder("https://sync.example.com").
				Value(&v.URL).
				Validate(validateServerURL),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&v.APIKey),
			huh.NewInput().
				Title("Document").
				Placeholder(syncconfig.DefaultDocument).
				Value(&v.Document),
			huh.NewInput().
				Title("Debounce").
				Placeholder(syncconfig.DefaultDebounce.String()).
				Value(&v.Debounce).
				Validate(validateDebounce),
		).Title("snapsync setup"),
	)
	return form.WithTheme(huh.ThemeDracula())
}

func saveInitValues(v initValues) error {
	if err := validateServerURL(v.URL); err != nil {
		return fmt.Errorf("remote.url: %w", err)
	}
	if err := validateDebounce(v.Debounce); err != nil {
		return fmt.Errorf("sync.debounce: %w", err)
	}
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for key, val := range map[string]string{
		"remote.url":      strings.TrimSpace(v.URL),
		"remote.document": strings.TrimSpace(v.Document),
		"sync.debounce":   strings.TrimSpace(v.Debounce),
	} {
		if err := cfg.Set(key, val); err != nil {
			return err
		}
	}
	if err := syncconfig.SaveConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return syncconfig.SaveAuth(&syncconfig.AuthCredentials{APIKey: v.APIKey})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Configure the server, API key and document",
	Long: `Prompts for the sync settings and writes them to config.json and
auth.json. Flags prefill the form; with --yes (or without a terminal) the
flags are saved as given.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := currentInitValues()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("url") {
			v.URL, _ = flags.GetString("url")
		}
		if flags.Changed("api-key") {
			v.APIKey, _ = flags.GetString("api-key")
		}
		if flags.Changed("doc") {
			v.Document, _ = flags.GetString("doc")
		}
		if flags.Changed("debounce") {
			v.Debounce, _ = flags.GetString("debounce")
		}

		if yes, _ := flags.GetBool("yes"); !yes && output.IsTerminal() {
			if err := initForm(&v).Run(); err != nil {
				return fmt.Errorf("init: %w", err)
			}
		}
		if err := saveInitValues(v); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		dir, _ := syncconfig.ConfigDir()
		fmt.Fprintf(out, "saved settings in %s\n", dir)
		if v.URL == "" {
			fmt.Fprintln(out, "no server configured, running local-only")
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if _, err := syncclient.New(v.URL, v.APIKey).HealthCheck(ctx); err != nil {
			output.Warning("server %s is not reachable: %v", v.URL, err)
			return nil
		}
		fmt.Fprintf(out, "server %s is reachable\n", v.URL)
		return nil
	},
}

func init() {
	initCmd.Flags().String("url", "", "server URL")
	initCmd.Flags().String("api-key", "", "API key")
	initCmd.Flags().String("doc", "", "document id")
	initCmd.Flags().String("debounce", "", "write debounce, e.g. 1s")
	initCmd.Flags().BoolP("yes", "y", false, "save without prompting")
	rootCmd.AddCommand(initCmd)
}
