package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/marcus/snapsync/internal/api"
	"github.com/marcus/snapsync/internal/serverdb"
)

func runAdmin(args []string) {
	if len(args) == 0 {
		printAdminUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "docs":
		runAdminDocs(args[1:])
	case "show":
		runAdminShow(args[1:])
	case "rate-limits":
		runAdminRateLimits(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n", args[0])
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, `Usage: snapsync-server admin <command> [flags]

Commands:
  docs         List stored documents
  show         Print a document and its recent writes
  rate-limits  List recent rate limit violations`)
}

const dbFlagUsage = "path to server.db (default: from SNAPSYNC_SERVER_DB_PATH or ./data/server.db)"

func openDB(dbPath string) *serverdb.ServerDB {
	if dbPath == "" {
		cfg := api.LoadConfig()
		dbPath = cfg.ServerDBPath
	}
	store, err := serverdb.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func runAdminDocs(args []string) {
	fs := flag.NewFlagSet("admin docs", flag.ExitOnError)
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	store := openDB(*dbPath)
	defer store.Close()

	docs, err := store.ListDocuments()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(docs) == 0 {
		fmt.Println("no documents")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tCLIENT\tSIZE\tCOMMITTED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", d.ID, d.Version, d.ClientID, d.Size, d.CommittedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func runAdminShow(args []string) {
	fs := flag.NewFlagSet("admin show", flag.ExitOnError)
	id := fs.String("id", "", "document id")
	history := fs.Int("history", 10, "number of recent writes to list")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	if *id == "" && fs.NArg() > 0 {
		*id = fs.Arg(0)
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	doc, err := store.GetDocument(*id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if doc == nil {
		fmt.Fprintf(os.Stderr, "error: document not found: %s\n", *id)
		os.Exit(1)
	}

	data, _ := json.MarshalIndent(doc, "", "  ")
	fmt.Println(string(data))

	writes, err := store.ListWrites(*id, *history)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nrecent writes (%d):\n", len(writes))
	for _, w := range writes {
		fmt.Printf("  v%-6d %-36s %6d bytes  %s\n", w.Version, w.ClientID, w.Size, w.CommittedAt.Format(time.RFC3339))
	}
}

func runAdminRateLimits(args []string) {
	fs := flag.NewFlagSet("admin rate-limits", flag.ExitOnError)
	limit := fs.Int("limit", 50, "number of events to list")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	store := openDB(*dbPath)
	defer store.Close()

	events, err := store.RecentRateLimitEvents(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, e := range events {
		key := e.KeyID
		if key == "" {
			key = "-"
		}
		fmt.Printf("%s  %-6s  %-12s  %s\n", e.CreatedAt.Format(time.RFC3339), e.EndpointClass, key, e.IP)
	}
}
