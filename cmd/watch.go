package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcus/snapsync/internal/engine"
	"github.com/marcus/snapsync/internal/output"
	"github.com/marcus/snapsync/internal/snapshot"
	"github.com/marcus/snapsync/internal/tui/watch"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow sync status and remote changes live",
	Long: `Keeps an engine running and shows its status and the current snapshot
as other clients write. Press r to retry a failed write and q to quit.

With --plain (or when stdout is not a terminal) status changes are printed
one per line instead.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		plain, _ := cmd.Flags().GetBool("plain")
		if plain || !output.IsTerminal() {
			return watchPlain(ctx, cmd, s.engine)
		}

		events, unlisten := watch.Listen(s.engine)
		defer unlisten()

		p := tea.NewProgram(watch.NewModel(s.engine, s.docID, events), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("watch: %w", err)
		}
		return nil
	},
}

// watchPlain prints status events and adopted remote versions until ctx
// ends. Listeners run on the engine loop, so lines are handed to this
// goroutine through a channel.
func watchPlain(ctx context.Context, cmd *cobra.Command, o *engine.Orchestrator) error {
	out := cmd.OutOrStdout()
	lines := make(chan string, 64)
	send := func(line string) {
		select {
		case lines <- line:
		default:
		}
	}

	unsubStatus := o.SubscribeStatus(func(ev engine.StatusEvent) {
		send(output.FormatStatusEvent(ev))
	})
	defer unsubStatus()
	unsubChange := o.OnChange(func(doc snapshot.Document) {
		send("adopted " + output.FormatMeta(doc.Meta))
	})
	defer unsubChange()

	mode := "synced with server"
	if o.LocalOnly() {
		mode = "local-only"
	}
	fmt.Fprintf(out, "watching as %s (%s), ctrl+c to stop\n", output.ShortID(o.ClientID()), mode)
	fmt.Fprintln(out, output.FormatStatusEvent(o.Status()))

	for {
		select {
		case line := <-lines:
			fmt.Fprintln(out, line)
		case <-ctx.Done():
			return nil
		}
	}
}

func init() {
	watchCmd.Flags().Bool("plain", false, "print status lines instead of the interactive view")
	rootCmd.AddCommand(watchCmd)
}
