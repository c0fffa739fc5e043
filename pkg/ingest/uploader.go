package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"mediaingest/pkg/logger"
	"mediaingest/pkg/metrics"
)

// File is what a sink receives for one processed asset.
type File struct {
	Name              string
	TargetFilename    string
	SKU               string
	ProductRowIndex   int
	Ordinal           int
	AssetOriginalName string
	MediaType         string
	Digest            string
	Data              []byte
}

// Reader returns a fresh reader over the file bytes.
func (f File) Reader() io.Reader { return bytes.NewReader(f.Data) }

// Response is the sink's answer to one send.
type Response struct {
	Status      int    `json:"status"`
	BodySummary string `json:"bodySummary,omitempty"`
}

// UploadSink is the destination of processed images. A non-nil error from
// Send is a transport failure; otherwise Status decides the outcome.
type UploadSink interface {
	Send(ctx context.Context, f File) (Response, error)
	Close() error
}

// UploadStatus is the final state of one upload item.
type UploadStatus string

const (
	StatusOK              UploadStatus = "ok"
	StatusRetryableFailed UploadStatus = "retryable-failed"
	StatusPermanentFailed UploadStatus = "permanent-failed"
)

// UploadOutcome is reported once per processed asset.
type UploadOutcome struct {
	Index             int          `json:"index"`
	SKU               string       `json:"sku"`
	ProductRowIndex   int          `json:"productRowIndex"`
	AssetOriginalName string       `json:"assetOriginalName"`
	TargetFilename    string       `json:"targetFilename"`
	UploadName        string       `json:"uploadName"`
	Status            UploadStatus `json:"status"`
	Kind              Kind         `json:"kind,omitempty"`
	Attempts          int          `json:"attempts"`
	HTTPStatus        int          `json:"httpStatus,omitempty"`
	BodySummary       string       `json:"bodySummary,omitempty"`
	Error             string       `json:"error,omitempty"`
	Digest            string       `json:"digest,omitempty"`
}

// Aggregate counts outcomes by status.
type Aggregate struct {
	OK              int `json:"ok"`
	RetryableFailed int `json:"retryableFailed"`
	PermanentFailed int `json:"permanentFailed"`
}

// Failed is the number of items that did not reach the sink.
func (a Aggregate) Failed() int { return a.RetryableFailed + a.PermanentFailed }

func (a *Aggregate) add(s UploadStatus) {
	switch s {
	case StatusOK:
		a.OK++
	case StatusRetryableFailed:
		a.RetryableFailed++
	default:
		a.PermanentFailed++
	}
}

// MaxBodySummary caps the response text kept on an UploadOutcome.
const MaxBodySummary = 512

// TruncateUTF8 drops invalid UTF-8 from s and cuts it to at most n bytes
// without splitting a character.
func TruncateUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	s = s[:n]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// Classify maps one send result to ok, retryable or permanent.
func Classify(resp Response, err error) UploadStatus {
	switch {
	case err != nil:
		return StatusRetryableFailed
	case resp.Status >= 200 && resp.Status < 300:
		return StatusOK
	case resp.Status >= 500 && resp.Status < 600:
		return StatusRetryableFailed
	default:
		return StatusPermanentFailed
	}
}

type sinkNamer interface {
	Name() string
}

// Coordinator submits processed assets to a sink with bounded concurrency,
// retries and cooperative cancellation.
type Coordinator struct {
	sink        UploadSink
	sinkName    string
	window      int
	maxAttempts int
	baseDelay   time.Duration
	log         *logger.Logger
	metrics     metrics.Recorder
}

// NewCoordinator builds a coordinator for cfg. log and rec may be nil.
func NewCoordinator(sink UploadSink, cfg Config, log *logger.Logger, rec metrics.Recorder) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	name := "sink"
	if n, ok := sink.(sinkNamer); ok {
		name = n.Name()
	}
	return &Coordinator{
		sink:        sink,
		sinkName:    name,
		window:      min(max(cfg.MaxConcurrency, 1), 4),
		maxAttempts: cfg.MaxAttempts(),
		baseDelay:   cfg.RetryBaseDelay,
		log:         log,
		metrics:     rec,
	}
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// run state shared by the workers of one Run call
type uploadRun struct {
	mu        sync.Mutex
	outcomes  []UploadOutcome
	ready     []bool
	next      int
	issues    []Issue
	onOutcome func(UploadOutcome)
	onIssue   func(Issue)
}

func (r *uploadRun) issue(is Issue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues = append(r.issues, is)
	if r.onIssue != nil {
		r.onIssue(is)
	}
}

// complete stores an outcome and flushes every consecutive finished one so
// callers see outcomes in input order.
func (r *uploadRun) complete(o UploadOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o.Index] = o
	r.ready[o.Index] = true
	for r.next < len(r.ready) && r.ready[r.next] {
		if r.onOutcome != nil {
			r.onOutcome(r.outcomes[r.next])
		}
		r.next++
	}
}

// Run uploads items in order. When ctx is cancelled the in-flight sends
// finish, their retries are abandoned, and every item not yet dispatched is
// marked permanent-failed with kind CANCELLED. Outcomes and issues are
// returned in input order.
func (c *Coordinator) Run(ctx context.Context, items []*ProcessedAsset, onOutcome func(UploadOutcome), onIssue func(Issue)) ([]UploadOutcome, Aggregate, []Issue) {
	run := &uploadRun{
		outcomes:  make([]UploadOutcome, len(items)),
		ready:     make([]bool, len(items)),
		onOutcome: onOutcome,
		onIssue:   onIssue,
	}
	sem := semaphore.NewWeighted(int64(c.window))
	var wg sync.WaitGroup

	cancelFrom := len(items)
	for i, it := range items {
		if ctx.Err() != nil {
			cancelFrom = i
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			cancelFrom = i
			break
		}
		// a cancel raised while waiting for a slot still stops this dispatch
		if ctx.Err() != nil {
			sem.Release(1)
			cancelFrom = i
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			run.complete(c.send(ctx, run, i, it))
		}()
	}
	wg.Wait()

	for i := cancelFrom; i < len(items); i++ {
		o := baseOutcome(i, items[i])
		o.Status = StatusPermanentFailed
		o.Kind = KindCancelled
		o.Error = "cancelled before dispatch"
		c.metrics.RecordUploadOutcome(string(o.Status))
		run.issue(Issue{
			Stage:             StageUpload,
			Severity:          SeverityError,
			Kind:              KindCancelled,
			Message:           fmt.Sprintf("%s was not uploaded: ingestion cancelled", o.UploadName),
			Suggestion:        "run the ingestion again to upload the remaining images",
			ProductRowIndex:   rowRef(o.ProductRowIndex),
			AssetOriginalName: o.AssetOriginalName,
		})
		run.complete(o)
	}

	var agg Aggregate
	for _, o := range run.outcomes {
		agg.add(o.Status)
	}
	SortIssues(run.issues)
	return run.outcomes, agg, run.issues
}

func baseOutcome(i int, pa *ProcessedAsset) UploadOutcome {
	return UploadOutcome{
		Index:             i,
		SKU:               pa.SKU,
		ProductRowIndex:   pa.ProductRowIndex,
		AssetOriginalName: pa.AssetOriginalName,
		TargetFilename:    pa.TargetFilename,
		UploadName:        pa.UploadName,
		Digest:            pa.Digest,
	}
}

func fileFor(pa *ProcessedAsset) File {
	return File{
		Name:              pa.UploadName,
		TargetFilename:    pa.TargetFilename,
		SKU:               pa.SKU,
		ProductRowIndex:   pa.ProductRowIndex,
		Ordinal:           pa.Ordinal,
		AssetOriginalName: pa.AssetOriginalName,
		MediaType:         pa.MediaType,
		Digest:            pa.Digest,
		Data:              pa.Data,
	}
}

func (c *Coordinator) send(ctx context.Context, run *uploadRun, i int, pa *ProcessedAsset) UploadOutcome {
	out := baseOutcome(i, pa)
	file := fileFor(pa)
	bo := c.newBackOff()
	log := c.log.With("upload_name", pa.UploadName, "index", i)

	issue := func(sev Severity, kind Kind, msg string, details map[string]any) {
		run.issue(Issue{
			Stage:             StageUpload,
			Severity:          sev,
			Kind:              kind,
			Message:           msg,
			Details:           details,
			ProductRowIndex:   rowRef(pa.ProductRowIndex),
			AssetOriginalName: pa.AssetOriginalName,
		})
	}

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		start := time.Now()
		// the attempt itself is never interrupted by the caller's cancel
		resp, err := c.sink.Send(context.WithoutCancel(ctx), file)
		class := Classify(resp, err)
		c.metrics.RecordUploadAttempt(c.sinkName, attemptLabel(class), time.Since(start))

		out.HTTPStatus = resp.Status
		out.BodySummary = TruncateUTF8(resp.BodySummary, MaxBodySummary)
		out.Error = ""
		if err != nil {
			out.Error = err.Error()
		}
		details := map[string]any{"attempt": attempt, "status": resp.Status}
		if err != nil {
			details["error"] = err.Error()
		}

		switch class {
		case StatusOK:
			out.Status = StatusOK
			out.Kind = ""
			log.Info("uploaded", "attempts", attempt, "status", resp.Status)
			c.metrics.RecordUploadOutcome(string(out.Status))
			return out
		case StatusPermanentFailed:
			out.Status = StatusPermanentFailed
			out.Kind = KindTransportPermanent
			log.Warn("upload rejected", "status", resp.Status, "body", resp.BodySummary)
			issue(SeverityError, KindTransportPermanent,
				fmt.Sprintf("%s rejected by sink with status %d", pa.UploadName, resp.Status), details)
			c.metrics.RecordUploadOutcome(string(out.Status))
			return out
		}

		abandon := func(reason string) UploadOutcome {
			out.Status = StatusRetryableFailed
			out.Kind = KindTransportRetryable
			details["reason"] = reason
			log.Warn("upload failed", "attempts", attempt, "reason", reason, "error", out.Error)
			issue(SeverityError, KindTransportRetryable,
				fmt.Sprintf("%s failed after %d attempt(s): %s", pa.UploadName, attempt, reason), details)
			c.metrics.RecordUploadOutcome(string(out.Status))
			return out
		}
		if attempt >= c.maxAttempts {
			return abandon("retries exhausted")
		}
		if ctx.Err() != nil {
			return abandon("cancelled")
		}
		issue(SeverityWarning, KindTransportRetryable,
			fmt.Sprintf("%s attempt %d failed, retrying", pa.UploadName, attempt), details)

		wait := bo.NextBackOff()
		log.Debug("retrying upload", "attempt", attempt, "wait", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return abandon("cancelled")
		case <-t.C:
		}
	}
}

func attemptLabel(s UploadStatus) string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRetryableFailed:
		return "retryable"
	default:
		return "permanent"
	}
}
