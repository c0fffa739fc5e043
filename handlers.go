package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediaingest/pkg/ingest"
	"mediaingest/pkg/ledger"
	"mediaingest/pkg/logger"
	"mediaingest/pkg/metrics"
)

// finished runs kept in memory for GET /ingestions/:id
const keepFinished = 100

type serverDeps struct {
	log      *logger.Logger
	cfg      ingest.Config
	sink     ingest.UploadSink
	ledger   *ledger.Store
	registry *prometheus.Registry
	metrics  metrics.Recorder
	maxFiles int
}

type server struct {
	serverDeps

	mu   sync.Mutex
	runs map[string]*ingestionRun
}

// ingestionRun tracks one session started through the API.
type ingestionRun struct {
	id        string
	owner     string
	createdAt time.Time
	session   *ingest.Session
	cancel    context.CancelFunc
	hub       *eventHub
	done      chan struct{}
	result    *ingest.Result
}

func (r *ingestionRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func newServer(deps serverDeps) *server {
	if deps.log == nil {
		deps.log = logger.NewNop()
	}
	if deps.metrics == nil {
		deps.metrics = metrics.Nop{}
	}
	if deps.maxFiles <= 0 {
		deps.maxFiles = 500
	}
	return &server{serverDeps: deps, runs: make(map[string]*ingestionRun)}
}

func (s *server) setupRoutes(r *gin.Engine) {
	r.GET("/healthz", s.healthHandler)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	authGroup := r.Group("")
	authGroup.Use(jwtAuthMiddleware())
	authGroup.POST("/ingestions/preview", s.previewHandler)
	authGroup.POST("/ingestions", s.createIngestionHandler)
	authGroup.GET("/ingestions", s.listIngestionsHandler)
	authGroup.GET("/ingestions/:id", s.getIngestionHandler)
	authGroup.POST("/ingestions/:id/cancel", s.cancelIngestionHandler)
	authGroup.GET("/ingestions/:id/events", s.eventsHandler)
}

func (s *server) healthHandler(c *gin.Context) {
	sinkName := ""
	if n, ok := s.sink.(interface{ Name() string }); ok {
		sinkName = n.Name()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sink": sinkName, "ledger": s.ledger != nil})
}

// ingestionForm is the decoded multipart request shared by preview and create.
type ingestionForm struct {
	cfg      ingest.Config
	manifest []byte
	assets   []ingest.AssetInput
	wait     bool
}

func (s *server) parseForm(c *gin.Context) (*ingestionForm, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("multipart form required: %w", err)
	}
	manifests := form.File["manifest"]
	if len(manifests) != 1 {
		return nil, errors.New("exactly one manifest file is required")
	}
	files := form.File["assets"]
	if len(files) > s.maxFiles {
		return nil, fmt.Errorf("too many assets: %d > %d", len(files), s.maxFiles)
	}
	cfg, err := s.configFromForm(c)
	if err != nil {
		return nil, err
	}
	manifest, err := readFormFile(manifests[0])
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	assets := make([]ingest.AssetInput, 0, len(files))
	for _, fh := range files {
		in, err := assetFromForm(fh, cfg.SizeLimitBytes)
		if err != nil {
			return nil, fmt.Errorf("read asset %s: %w", fh.Filename, err)
		}
		assets = append(assets, in)
	}
	wait, _ := strconv.ParseBool(c.PostForm("wait"))
	return &ingestionForm{cfg: cfg, manifest: manifest, assets: assets, wait: wait}, nil
}

// configFromForm applies optional form overrides to the server defaults.
func (s *server) configFromForm(c *gin.Context) (ingest.Config, error) {
	cfg := s.cfg
	ints := []struct {
		field string
		dst   *int
	}{
		{"canvas", &cfg.CanvasSize},
		{"quality", &cfg.Quality},
		{"concurrency", &cfg.MaxConcurrency},
		{"retries", &cfg.MaxRetries},
	}
	for _, f := range ints {
		v := strings.TrimSpace(c.PostForm(f.field))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %q is not a number", f.field, v)
		}
		*f.dst = n
	}
	if v := strings.TrimSpace(c.PostForm("format")); v != "" {
		cfg.OutputFormat = strings.ToLower(v)
	}
	if v := strings.TrimSpace(c.PostForm("dry_run")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("dry_run: %q is not a boolean", v)
		}
		cfg.DryRun = b
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// assetFromForm buffers one uploaded asset. Multipart temp files do not
// outlive the request, so the bytes are kept in memory; oversize parts are not
// read at all and are rejected by the inventory from their declared size.
func assetFromForm(fh *multipart.FileHeader, sizeLimit int64) (ingest.AssetInput, error) {
	declared := fh.Header.Get("Content-Type")
	if fh.Size > sizeLimit {
		return ingest.AssetInput{
			Name:      fh.Filename,
			MediaType: declared,
			Size:      fh.Size,
			Open: func() (io.ReadCloser, error) {
				return nil, errors.New("asset exceeds size limit")
			},
		}, nil
	}
	data, err := readFormFile(fh)
	if err != nil {
		return ingest.AssetInput{}, err
	}
	if declared == "" || declared == "application/octet-stream" {
		declared = mimetype.Detect(data).String()
	}
	return ingest.BytesAsset(fh.Filename, declared, data), nil
}

func (s *server) previewHandler(c *gin.Context) {
	form, err := s.parseForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	plan, err := ingest.Preview(bytes.NewReader(form.manifest), form.assets, form.cfg)
	if err != nil && plan == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"blocked":          plan.Blocked(),
		"professionalMode": plan.Manifest != nil && plan.Manifest.ProfessionalMode,
		"renamed":          plan.Renamed,
		"report":           plan.Report,
	})
}

func (s *server) createIngestionHandler(c *gin.Context) {
	form, err := s.parseForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	hub := newEventHub()
	opts := []ingest.Option{
		ingest.WithID(id),
		ingest.WithObserver(ingest.EventObserver(id, hub.publish)),
		ingest.WithLogger(s.log),
		ingest.WithMetrics(s.metrics),
	}
	if s.sink != nil {
		opts = append(opts, ingest.WithSink(s.sink))
	}
	sess, err := ingest.NewSession(form.cfg, opts...)
	if errors.Is(err, ingest.ErrNoSink) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no upload sink configured; submit with dry_run=true"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	parent := context.Background()
	if form.wait {
		parent = c.Request.Context()
	}
	ctx, cancel := context.WithCancel(parent)
	run := &ingestionRun{
		id:        id,
		owner:     callerName(c),
		createdAt: time.Now(),
		session:   sess,
		cancel:    cancel,
		hub:       hub,
		done:      make(chan struct{}),
	}
	s.track(run)

	go func() {
		res, err := sess.Run(ctx, bytes.NewReader(form.manifest), form.assets)
		s.complete(run, res, err)
	}()

	if form.wait {
		<-run.done
		c.JSON(http.StatusOK, run.result)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":     id,
		"state":  sess.State(),
		"status": "/ingestions/" + id,
		"events": "/ingestions/" + id + "/events",
	})
}

func (s *server) track(run *ingestionRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.id] = run

	var finished []*ingestionRun
	for _, r := range s.runs {
		if r.finished() {
			finished = append(finished, r)
		}
	}
	if len(finished) <= keepFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].createdAt.Before(finished[j].createdAt) })
	for _, r := range finished[:len(finished)-keepFinished] {
		delete(s.runs, r.id)
	}
}

func (s *server) complete(run *ingestionRun, res *ingest.Result, err error) {
	defer run.cancel()
	if err != nil {
		s.log.Error("session did not run", "session_id", run.id, "error", err)
	}
	if s.ledger != nil && res != nil {
		sinkName := ""
		if n, ok := s.sink.(interface{ Name() string }); ok && !res.Config.DryRun {
			sinkName = n.Name()
		}
		if err := s.ledger.Record(context.Background(), res, sinkName); err != nil {
			s.log.Error("ledger record failed", "session_id", run.id, "error", err)
		}
	}

	s.mu.Lock()
	run.result = res
	s.mu.Unlock()
	run.hub.close()
	close(run.done)
}

func (s *server) lookup(id string) (*ingestionRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

type runView struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner,omitempty"`
	State     ingest.State   `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
	Result    *ingest.Result `json:"result,omitempty"`
}

func (s *server) view(r *ingestionRun, withResult bool) runView {
	v := runView{ID: r.id, Owner: r.owner, State: r.session.State(), CreatedAt: r.createdAt}
	if withResult {
		s.mu.Lock()
		v.Result = r.result
		s.mu.Unlock()
	}
	return v
}

func (s *server) getIngestionHandler(c *gin.Context) {
	id := c.Param("id")
	if r, ok := s.lookup(id); ok {
		c.JSON(http.StatusOK, s.view(r, true))
		return
	}
	if s.ledger != nil {
		run, err := s.ledger.Get(c.Request.Context(), id)
		if err == nil {
			c.JSON(http.StatusOK, run)
			return
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "ingestion not found"})
}

func (s *server) listIngestionsHandler(c *gin.Context) {
	s.mu.Lock()
	runs := make([]*ingestionRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].createdAt.After(runs[j].createdAt) })
	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, s.view(r, false))
	}
	out := gin.H{"sessions": views}

	if s.ledger != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		recorded, err := s.ledger.List(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		out["ledger"] = recorded
	}
	c.JSON(http.StatusOK, out)
}

func (s *server) cancelIngestionHandler(c *gin.Context) {
	r, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "ingestion not found"})
		return
	}
	if r.finished() {
		c.JSON(http.StatusConflict, gin.H{"error": "ingestion already finished", "state": r.session.State()})
		return
	}
	r.cancel()
	s.log.Info("cancel requested", "session_id", r.id, "by", callerName(c))
	c.JSON(http.StatusAccepted, gin.H{"id": r.id, "state": r.session.State(), "cancelRequested": true})
}

func (s *server) eventsHandler(c *gin.Context) {
	r, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "ingestion not found"})
		return
	}
	if !strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		// plain GET returns the history recorded so far
		c.JSON(http.StatusOK, r.hub.snapshot())
		return
	}
	serveEvents(s.log, r.hub, c.Writer, c.Request)
}
