package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/snapsync/internal/output"
	"github.com/spf13/cobra"
)

// statusReport is the --json form of the status command.
type statusReport struct {
	ClientID      string `json:"client_id"`
	Document      string `json:"document"`
	Mode          string `json:"mode"`
	Server        string `json:"server,omitempty"`
	LocalVersion  int64  `json:"local_version"`
	RemoteVersion *int64 `json:"remote_version,omitempty"`
	RemoteClient  string `json:"remote_client,omitempty"`
	Cache         string `json:"cache,omitempty"`
	CacheBytes    int64  `json:"cache_bytes,omitempty"`
	CacheQuota    int64  `json:"cache_quota,omitempty"`
	Error         string `json:"error,omitempty"`
}

func buildStatus(ctx context.Context, s *session) statusReport {
	_, meta := s.engine.Snapshot()
	r := statusReport{
		ClientID:     s.engine.ClientID(),
		Document:     s.docID,
		Mode:         "remote",
		LocalVersion: meta.Version,
	}
	if s.engine.LocalOnly() {
		r.Mode = "local-only"
	}
	if s.cache != nil {
		r.Cache = "ok"
		r.CacheQuota = s.cache.Quota()
		if n, err := s.cache.Size(); err == nil {
			r.CacheBytes = n
		}
	} else {
		r.Cache = "unavailable"
	}

	if s.client == nil {
		return r
	}
	r.Server = s.client.BaseURL
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	doc, err := s.client.Get(ctx, s.docID)
	switch {
	case err != nil:
		r.Error = err.Error()
	case doc != nil:
		v := doc.Meta.Version
		r.RemoteVersion = &v
		r.RemoteClient = doc.Meta.ClientID
	}
	return r
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show client identity and local and remote versions",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		r := buildStatus(cmd.Context(), s)
		out := cmd.OutOrStdout()

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			return writeJSON(out, r)
		}

		const w = 16
		fmt.Fprintln(out, output.KeyValue("client", w, r.ClientID))
		fmt.Fprintln(out, output.KeyValue("document", w, r.Document))
		fmt.Fprintln(out, output.KeyValue("mode", w, r.Mode))
		if r.Server != "" {
			fmt.Fprintln(out, output.KeyValue("server", w, r.Server))
		}
		fmt.Fprintln(out, output.KeyValue("local version", w, fmt.Sprintf("v%d", r.LocalVersion)))
		switch {
		case r.Error != "":
			fmt.Fprintln(out, output.KeyValue("remote version", w, "error: "+r.Error))
		case r.RemoteVersion != nil:
			fmt.Fprintln(out, output.KeyValue("remote version", w,
				fmt.Sprintf("v%d by %s", *r.RemoteVersion, output.ShortID(r.RemoteClient))))
		case r.Server != "":
			fmt.Fprintln(out, output.KeyValue("remote version", w, "none"))
		}
		cache := r.Cache
		if r.Cache == "ok" {
			cache = fmt.Sprintf("%d / %d bytes", r.CacheBytes, r.CacheQuota)
		}
		fmt.Fprintln(out, output.KeyValue("cache", w, cache))
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}
