// Package main is the entry point for fsweb-jobs, the operator tool for the
// deferred transcode journal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fsweb/fsweb/internal/config"
	"github.com/fsweb/fsweb/internal/journal"
	"github.com/fsweb/fsweb/internal/logging"
)

const usage = "Usage: fsweb-jobs <list|prune> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "list":
		os.Exit(runList(os.Args[2:], os.Stdout))
	case "prune":
		os.Exit(runPrune(os.Args[2:], os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

// resolveJournalPath returns dbPath when set, else the journal path from
// the config file.
func resolveJournalPath(configPath, dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Journal.Path, nil
}

func openJournal(configPath, dbPath string) (*journal.SQLiteJournal, error) {
	path, err := resolveJournalPath(configPath, dbPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("journal %s: %w", path, err)
	}
	logging.Setup("warn", "text", os.Stderr)
	return journal.Open(path, nil)
}

func runList(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "fsweb.yaml", "Config file path")
	dbPath := fs.String("db", "", "Journal database path (overrides config)")
	limit := fs.Int("limit", 50, "Maximum number of jobs to show (0 for all)")
	format := fs.String("format", "text", "Output format: text or json")
	fs.Parse(args)

	if *format != "text" && *format != "json" {
		fmt.Fprintf(os.Stderr, "Error: unsupported format: %s\n", *format)
		return 1
	}

	j, err := openJournal(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer j.Close()

	jobs, err := j.List(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing jobs: %v\n", err)
		return 1
	}

	if *format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if jobs == nil {
			jobs = []*journal.Job{}
		}
		if err := enc.Encode(jobs); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		return 0
	}
	writeTable(out, jobs)
	return 0
}

func writeTable(out io.Writer, jobs []*journal.Job) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OBJECT\tSTATUS\tNAME\tUPDATED\tERROR")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			job.ObjectID, job.Status, job.Name, job.UpdatedAt.Format(time.RFC3339), job.Error)
	}
	tw.Flush()
}

func runPrune(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "fsweb.yaml", "Config file path")
	dbPath := fs.String("db", "", "Journal database path (overrides config)")
	olderThan := fs.Duration("older-than", 7*24*time.Hour, "Delete finished jobs last updated longer ago than this")
	fs.Parse(args)

	if *olderThan < 0 {
		fmt.Fprintln(os.Stderr, "Error: -older-than must not be negative")
		return 1
	}

	j, err := openJournal(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer j.Close()

	n, err := j.Prune(context.Background(), time.Now().UTC().Add(-*olderThan))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error pruning jobs: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Pruned %d job(s)\n", n)
	return 0
}
