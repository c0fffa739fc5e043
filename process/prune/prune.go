// Package prune deletes old ingestion runs from the ledger.
package prune

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"mediaingest/pkg/ledger"
)

// Options controls one prune pass.
type Options struct {
	OlderThan time.Duration
	DryRun    bool
	Yes       bool
}

// ParseFlags reads the prune flags from args.
func ParseFlags(args []string) (Options, error) {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	opts := Options{}
	fs.DurationVar(&opts.OlderThan, "older-than", 720*time.Hour, "delete runs created longer ago than this")
	fs.BoolVar(&opts.DryRun, "dry-run", true, "Don't delete anything; show what would be done")
	fs.BoolVar(&opts.Yes, "yes", false, "Confirm destructive action (required to actually delete)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.OlderThan <= 0 {
		return opts, errors.New("--older-than must be positive")
	}
	return opts, nil
}

// Run deletes runs older than opts.OlderThan. It only deletes when DryRun is
// off and Yes is set; otherwise it reports what would go. It returns the number
// of runs deleted.
func Run(ctx context.Context, store *ledger.Store, opts Options, w io.Writer) (int64, error) {
	cutoff := time.Now().Add(-opts.OlderThan)
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	n, err := store.Prune(ctx, cutoff, true)
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(w, "Runs created before %s: %d\n", cutoff.UTC().Format(time.RFC3339), n)
	if n == 0 {
		return 0, nil
	}
	if opts.DryRun {
		fmt.Fprintln(w, "dry-run enabled; no changes will be made. Use --dry-run=false --yes to execute.")
		return 0, nil
	}
	if !opts.Yes {
		fmt.Fprintln(w, "Destructive operation. Pass --yes to confirm execution. Aborting.")
		return 0, nil
	}
	n, err = store.Prune(ctx, cutoff, false)
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(w, "Deleted %d run(s).\n", n)
	return n, nil
}
