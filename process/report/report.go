// Package report prints a summary of recorded ingestion runs.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"mediaingest/pkg/ledger"
)

// Options selects what RunReport prints.
type Options struct {
	Days int
	List bool
	// Limit caps the listed runs.
	Limit int
}

// RunReport writes run totals for the last opts.Days days and, with List, one
// line per run.
func RunReport(ctx context.Context, store *ledger.Store, opts Options, w io.Writer) error {
	if opts.Days <= 0 {
		opts.Days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -opts.Days)
	sum, err := store.Summarize(ctx, since)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Ingestion report since %s (UTC):\n", since.Format(time.RFC3339))
	fmt.Fprintf(w, "  runs=%d processed=%d\n", sum.Runs, sum.Processed)
	fmt.Fprintf(w, "  upload ok=%d retryable_failed=%d permanent_failed=%d\n",
		sum.UploadOK, sum.RetryableFailed, sum.PermanentFailed)
	for _, st := range []string{"done", "failed", "cancelled"} {
		if n := sum.ByState[st]; n > 0 {
			fmt.Fprintf(w, "  %s=%d\n", st, n)
		}
	}

	if !opts.List {
		return nil
	}
	runs, err := store.List(ctx, opts.Limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if r.CreatedAt.Before(since) {
			continue
		}
		fmt.Fprintf(w, "%s|%s|exit=%d|ok=%d|failed=%d|%s|%s\n",
			r.ID, r.State, r.ExitCode, r.UploadOK, r.RetryableFailed+r.PermanentFailed,
			r.Sink, r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
