// Package batch implements the ingest command: one ingestion session over a
// manifest file and a directory of images, optionally re-run whenever the
// inputs change.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"mediaingest/pkg/ingest"
	"mediaingest/pkg/ledger"
	"mediaingest/pkg/logger"
	"mediaingest/pkg/sink"
)

// Options holds the parsed command line.
type Options struct {
	ManifestPath string
	AssetsDir    string
	ConfigPath   string
	Canvas       int
	Quality      int
	Concurrency  int
	Retries      int
	DryRun       bool
	SinkKind     string
	OutDir       string
	ReportPath   string
	Watch        bool
	Debounce     time.Duration
	LogMode      string
}

// usageError marks failures that exit with ingest.ExitUsage.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// exitCode carries the session exit status out of cobra.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// Execute runs the ingest command with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewCommand(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	var code exitCode
	switch {
	case err == nil:
		return ingest.ExitOK
	case errors.As(err, &code):
		return int(code)
	default:
		// flag parsing, missing inputs and bad configuration
		fmt.Fprintf(stderr, "ingest: %v\n", err)
		return ingest.ExitUsage
	}
}

// NewCommand builds the cobra command.
func NewCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := Options{}
	cmd := &cobra.Command{
		Use:           "ingest --manifest <path> --assets <dir>",
		Short:         "Match, rename, normalise and upload product images",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd, opts)
			if err != nil {
				return err
			}
			code, err := run(cmd.Context(), opts, cfg, stdout)
			if err != nil {
				return err
			}
			if code != ingest.ExitOK {
				return exitCode(code)
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.StringVar(&opts.ManifestPath, "manifest", "", "manifest file (csv, tsv or semicolon separated)")
	f.StringVar(&opts.AssetsDir, "assets", "", "directory holding the images")
	f.StringVar(&opts.ConfigPath, "config", os.Getenv("INGEST_CONFIG"), "processing config yaml")
	f.IntVar(&opts.Canvas, "canvas", 1200, "square output size in pixels")
	f.IntVar(&opts.Quality, "quality", 90, "jpeg quality 1-100")
	f.IntVar(&opts.Concurrency, "concurrency", 1, "processing and upload window (1-4)")
	f.IntVar(&opts.Retries, "retries", 3, "maximum upload attempts per image")
	f.BoolVar(&opts.DryRun, "dry-run", false, "validate and process, but do not upload")
	f.StringVar(&opts.SinkKind, "sink", "", "upload sink: http, file, gcs or odoo (default from SINK)")
	f.StringVar(&opts.OutDir, "out", "", "output directory for the file sink")
	f.StringVar(&opts.ReportPath, "report", "", "write the json result here (- for stdout)")
	f.BoolVar(&opts.Watch, "watch", false, "re-run whenever the manifest or assets change")
	f.DurationVar(&opts.Debounce, "debounce", 500*time.Millisecond, "quiet period before a watched change triggers a run")
	f.StringVar(&opts.LogMode, "log-mode", os.Getenv("LOG_MODE"), "dev or prod logging")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("assets")
	return cmd
}

// buildConfig loads --config and lets explicitly set flags win.
func buildConfig(cmd *cobra.Command, opts Options) (ingest.Config, error) {
	cfg, err := ingest.LoadConfig(opts.ConfigPath)
	if err != nil {
		return cfg, usageError{err}
	}
	f := cmd.Flags()
	if f.Changed("canvas") {
		cfg.CanvasSize = opts.Canvas
	}
	if f.Changed("quality") {
		cfg.Quality = opts.Quality
	}
	if f.Changed("concurrency") {
		cfg.MaxConcurrency = opts.Concurrency
	}
	if f.Changed("retries") {
		cfg.MaxRetries = opts.Retries
	}
	if f.Changed("dry-run") {
		cfg.DryRun = opts.DryRun
	}
	if err := cfg.Validate(); err != nil {
		return cfg, usageError{err}
	}
	return cfg, nil
}

func run(ctx context.Context, opts Options, cfg ingest.Config, stdout io.Writer) (int, error) {
	if st, err := os.Stat(opts.ManifestPath); err != nil || st.IsDir() {
		return 0, usagef("manifest %q is not a readable file", opts.ManifestPath)
	}
	if st, err := os.Stat(opts.AssetsDir); err != nil || !st.IsDir() {
		return 0, usagef("assets %q is not a directory", opts.AssetsDir)
	}

	log, err := logger.New(opts.LogMode)
	if err != nil {
		return 0, usageError{err}
	}
	defer log.Sync()

	var uploadSink sink.Named
	if !cfg.DryRun {
		uploadSink, err = openSink(ctx, opts)
		if err != nil {
			return 0, usageError{err}
		}
		defer uploadSink.Close()
	}

	var store *ledger.Store
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		gdb, err := ledger.Open(dsn)
		if err != nil {
			return 0, err
		}
		store = ledger.NewStore(gdb, log)
		if err := store.Migrate(); err != nil {
			return 0, err
		}
	}

	r := &runner{opts: opts, cfg: cfg, sink: uploadSink, ledger: store, log: log, out: stdout}
	code := r.once(ctx)
	if !opts.Watch {
		return code, nil
	}
	paths := []string{filepath.Dir(opts.ManifestPath), opts.AssetsDir}
	log.Info("watching for changes", "paths", paths, "debounce", opts.Debounce)
	err = watch(ctx, paths, opts.Debounce, func() { code = r.once(ctx) }, opts.ReportPath, opts.OutDir)
	if err != nil && !errors.Is(err, context.Canceled) {
		return 0, err
	}
	return code, nil
}

func openSink(ctx context.Context, opts Options) (sink.Named, error) {
	st := sink.SettingsFromEnv()
	if opts.SinkKind != "" {
		st.Kind = strings.ToLower(opts.SinkKind)
	}
	if opts.OutDir != "" {
		st.Dir = opts.OutDir
		if opts.SinkKind == "" {
			st.Kind = sink.KindFile
		}
	}
	if st.Kind == "" {
		return nil, errors.New("no upload sink configured: pass --sink/--out, set SINK, or use --dry-run")
	}
	return sink.New(ctx, st)
}

type runner struct {
	opts   Options
	cfg    ingest.Config
	sink   sink.Named
	ledger *ledger.Store
	log    *logger.Logger
	out    io.Writer
}

// once runs a single session and returns its exit code.
func (r *runner) once(ctx context.Context) int {
	assets, err := ListAssets(r.opts.AssetsDir)
	if err != nil {
		r.log.Error("listing assets failed", "dir", r.opts.AssetsDir, "error", err)
		return ingest.ExitUsage
	}
	manifest, err := os.Open(r.opts.ManifestPath)
	if err != nil {
		r.log.Error("opening manifest failed", "path", r.opts.ManifestPath, "error", err)
		return ingest.ExitUsage
	}
	defer manifest.Close()

	opts := []ingest.Option{
		ingest.WithLogger(r.log),
		ingest.WithObserver(progressObserver(r.log)),
	}
	if r.sink != nil {
		opts = append(opts, ingest.WithSink(r.sink))
	}
	sess, err := ingest.NewSession(r.cfg, opts...)
	if err != nil {
		r.log.Error("session rejected", "error", err)
		return ingest.ExitUsage
	}
	res, err := sess.Run(ctx, manifest, assets)
	if err != nil {
		r.log.Error("session failed to start", "error", err)
		return ingest.ExitUsage
	}

	printSummary(r.out, res)
	if err := r.writeReport(res); err != nil {
		r.log.Error("writing report failed", "path", r.opts.ReportPath, "error", err)
	}
	if r.ledger != nil {
		sinkName := ""
		if r.sink != nil {
			sinkName = r.sink.Name()
		}
		if err := r.ledger.Record(context.WithoutCancel(ctx), res, sinkName); err != nil {
			r.log.Error("ledger record failed", "error", err)
		}
	}
	return res.ExitCode()
}

func (r *runner) writeReport(res *ingest.Result) error {
	if r.opts.ReportPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if r.opts.ReportPath == "-" {
		_, err = r.out.Write(data)
		return err
	}
	return os.WriteFile(r.opts.ReportPath, data, 0o644)
}

func progressObserver(log *logger.Logger) ingest.Observer {
	return ingest.ObserverFuncs{
		State: func(st ingest.State) { log.Info("state", "state", st) },
		Progress: func(stage ingest.Stage, done, total int) {
			log.Debug("progress", "stage", stage, "done", done, "total", total)
		},
		ItemOutcome: func(o ingest.UploadOutcome) {
			log.Info("uploaded", "name", o.UploadName, "status", o.Status, "attempts", o.Attempts)
		},
	}
}

func printSummary(w io.Writer, res *ingest.Result) {
	fmt.Fprintf(w, "session %s: %s (exit %d)\n", res.SessionID, res.State, res.ExitCode())
	fmt.Fprintf(w, "  matched=%d processed=%d processing_failed=%d\n", len(res.Renamed), len(res.Processed), res.ProcessingFailures)
	fmt.Fprintf(w, "  upload ok=%d retryable_failed=%d permanent_failed=%d\n",
		res.Aggregate.OK, res.Aggregate.RetryableFailed, res.Aggregate.PermanentFailed)
	for _, is := range res.Report.Issues() {
		if is.Severity == ingest.SeveritySuggestion {
			continue
		}
		fmt.Fprintf(w, "  %s\n", is.String())
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", res.Error)
	}
}

// ListAssets returns the regular, non-hidden files of dir sorted by name. The
// declared media type is sniffed from the content.
func ListAssets(dir string) ([]ingest.AssetInput, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []ingest.AssetInput
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, name)
		mediaType := ""
		if mt, err := mimetype.DetectFile(path); err == nil {
			mediaType = mt.String()
		}
		in, err := ingest.FileAsset(path, mediaType)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
