package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaingest/pkg/logger"
	"mediaingest/pkg/metrics"
)

// State of an ingestion session.
type State string

const (
	StateIdle       State = "idle"
	StateParsing    State = "parsing"
	StateValidating State = "validating"
	StateProcessing State = "processing"
	StateUploading  State = "uploading"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Exit codes of the ingest command.
const (
	ExitOK         = 0
	ExitValidation = 1
	ExitProcessing = 2
	ExitUpload     = 3
	ExitCancelled  = 4
	ExitUsage      = 5
)

// Result is everything a finished session produced.
type Result struct {
	SessionID          string            `json:"sessionId"`
	State              State             `json:"state"`
	Config             Config            `json:"config"`
	ProfessionalMode   bool              `json:"professionalMode"`
	Report             *Report           `json:"report"`
	Renamed            []RenamedAsset    `json:"renamed"`
	Processed          []*ProcessedAsset `json:"processed"`
	Outcomes           []UploadOutcome   `json:"outcomes"`
	Aggregate          Aggregate         `json:"aggregate"`
	ProcessingFailures int               `json:"processingFailures"`
	Error              string            `json:"error,omitempty"`
	StartedAt          time.Time         `json:"startedAt"`
	FinishedAt         time.Time         `json:"finishedAt"`
}

// ExitCode maps the result to the ingest command's exit status.
func (r *Result) ExitCode() int {
	switch {
	case r.State == StateCancelled:
		return ExitCancelled
	case r.State == StateFailed:
		return ExitValidation
	case r.ProcessingFailures > 0:
		return ExitProcessing
	case r.Aggregate.Failed() > 0:
		return ExitUpload
	}
	return ExitOK
}

// Session is one end-to-end ingestion run. It owns its inputs, report and
// outcomes; nothing is shared between sessions.
type Session struct {
	id       string
	cfg      Config
	sink     UploadSink
	observer Observer
	log      *logger.Logger
	metrics  metrics.Recorder

	mu    sync.Mutex
	state State

	emitMu sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

func WithID(id string) Option { return func(s *Session) { s.id = id } }
func WithSink(sink UploadSink) Option { return func(s *Session) { s.sink = sink } }
func WithObserver(o Observer) Option { return func(s *Session) { s.observer = o } }
func WithLogger(l *logger.Logger) Option { return func(s *Session) { s.log = l } }
func WithMetrics(r metrics.Recorder) Option { return func(s *Session) { s.metrics = r } }

// NewSession validates cfg and builds an idle session.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, state: StateIdle}
	for _, o := range opts {
		o(s)
	}
	if s.sink == nil && !cfg.DryRun {
		return nil, ErrNoSink
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.observer == nil {
		s.observer = ObserverFuncs{}
	}
	s.log = s.log.With("session_id", s.id)
	return s, nil
}

func (s *Session) ID() string { return s.id }
func (s *Session) Config() Config { return s.cfg }

// State returns the current state; safe for concurrent use.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Debug("state transition", "from", prev, "to", st)
	s.emit(func(o Observer) { o.OnState(st) })
}

func (s *Session) emit(fn func(Observer)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	fn(s.observer)
}

func (s *Session) emitIssue(is Issue) {
	s.log.Debug("issue", "stage", is.Stage, "severity", is.Severity, "kind", is.Kind, "message", is.Message)
	s.metrics.RecordIssue(string(is.Stage), string(is.Severity), string(is.Kind))
	s.emit(func(o Observer) { o.OnIssue(is) })
}

// Run drives the session from idle to a terminal state. The returned error
// is non-nil only when the session was already started; every input or
// transport problem is reported in the Result.
func (s *Session) Run(ctx context.Context, manifest io.Reader, assets []AssetInput) (*Result, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrSessionRunning
	}
	s.state = StateParsing
	s.mu.Unlock()
	s.log.Debug("state transition", "from", StateIdle, "to", StateParsing)
	s.emit(func(o Observer) { o.OnState(StateParsing) })

	s.metrics.IncActiveSessions()
	defer s.metrics.DecActiveSessions()

	res := &Result{SessionID: s.id, Config: s.cfg, StartedAt: time.Now()}
	var plan *Plan
	finish := func(st State) (*Result, error) {
		if plan != nil {
			res.Report = plan.Report
		}
		if res.Report == nil {
			res.Report = NewReport(nil, nil)
		}
		res.State = st
		res.FinishedAt = time.Now()
		s.setState(st)
		s.metrics.RecordSession(string(st), res.FinishedAt.Sub(res.StartedAt))
		s.log.Info("session finished",
			"state", st,
			"errors", res.Report.ErrorCount(),
			"warnings", res.Report.WarningCount(),
			"processed", len(res.Processed),
			"ok", res.Aggregate.OK,
			"retryable_failed", res.Aggregate.RetryableFailed,
			"permanent_failed", res.Aggregate.PermanentFailed)
		return res, nil
	}

	plan, err := ParseInputs(manifest, assets, s.cfg)
	if err != nil {
		for _, is := range plan.Report.Issues() {
			s.emitIssue(is)
		}
		res.Error = err.Error()
		return finish(StateFailed)
	}

	s.setState(StateValidating)
	plan.Match(s.cfg)
	for _, is := range plan.Report.Issues() {
		s.emitIssue(is)
	}
	res.Renamed = plan.Renamed
	res.ProfessionalMode = plan.Manifest.ProfessionalMode
	if plan.Blocked() {
		res.Error = fmt.Sprintf("validation found %d error(s)", plan.Report.ValidationErrorCount())
		return finish(StateFailed)
	}
	if ctx.Err() != nil {
		s.cancelAll(plan, res, plan.Renamed)
		return finish(StateCancelled)
	}

	s.setState(StateProcessing)
	proc := NewProcessor(s.cfg, s.log, s.metrics)
	results, pIssues := proc.ProcessAll(ctx, plan, func(done, total int) {
		s.emit(func(o Observer) { o.OnProgress(StageProcessing, done, total) })
	})
	for _, r := range results {
		if r.Asset != nil {
			res.Processed = append(res.Processed, r.Asset)
		}
	}
	for _, is := range pIssues {
		s.emitIssue(is)
	}
	res.ProcessingFailures = len(pIssues)
	plan.AddIssues(StageProcessing, map[string]any{
		"items":     len(plan.Renamed),
		"processed": len(res.Processed),
		"failed":    len(pIssues),
		"canvas":    s.cfg.CanvasSize,
		"format":    s.cfg.OutputFormat,
	}, pIssues...)
	if ctx.Err() != nil {
		s.cancelAll(plan, res, plan.Renamed)
		return finish(StateCancelled)
	}
	if s.cfg.DryRun {
		plan.AddIssues(StageUpload, map[string]any{"skipped": true, "dryRun": true})
		return finish(StateDone)
	}

	s.setState(StateUploading)
	coord := NewCoordinator(s.sink, s.cfg, s.log, s.metrics)
	total := len(res.Processed)
	done := 0
	outcomes, agg, uIssues := coord.Run(ctx, res.Processed,
		func(o UploadOutcome) {
			done++
			s.emit(func(ob Observer) {
				ob.OnItemOutcome(o)
				ob.OnProgress(StageUpload, done, total)
			})
		},
		s.emitIssue)
	res.Outcomes = outcomes
	res.Aggregate = agg
	plan.AddIssues(StageUpload, uploadMetadata(agg, s.cfg), uIssues...)
	if ctx.Err() != nil {
		return finish(StateCancelled)
	}
	return finish(StateDone)
}

func uploadMetadata(agg Aggregate, cfg Config) map[string]any {
	return map[string]any{
		"ok":              agg.OK,
		"retryableFailed": agg.RetryableFailed,
		"permanentFailed": agg.PermanentFailed,
		"maxAttempts":     cfg.MaxAttempts(),
		"window":          min(max(cfg.MaxConcurrency, 1), 4),
	}
}

// cancelAll marks every item as cancelled at the upload stage.
func (s *Session) cancelAll(plan *Plan, res *Result, items []RenamedAsset) {
	var issues []Issue
	for i, r := range items {
		o := UploadOutcome{
			Index:             i,
			SKU:               r.SKU,
			ProductRowIndex:   r.ProductRowIndex,
			AssetOriginalName: r.AssetOriginalName,
			TargetFilename:    r.TargetFilename,
			UploadName:        r.UploadName,
			Status:            StatusPermanentFailed,
			Kind:              KindCancelled,
			Error:             "cancelled before upload",
		}
		res.Outcomes = append(res.Outcomes, o)
		res.Aggregate.add(o.Status)
		is := Issue{
			Stage:             StageUpload,
			Severity:          SeverityError,
			Kind:              KindCancelled,
			Message:           fmt.Sprintf("%s was not uploaded: ingestion cancelled", r.UploadName),
			ProductRowIndex:   rowRef(r.ProductRowIndex),
			AssetOriginalName: r.AssetOriginalName,
		}
		issues = append(issues, is)
		s.emitIssue(is)
		s.emit(func(ob Observer) { ob.OnItemOutcome(o) })
	}
	plan.AddIssues(StageUpload, uploadMetadata(res.Aggregate, s.cfg), issues...)
}
