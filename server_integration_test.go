package main

import (
	"bytes"
	"encoding/json"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaingest/pkg/ingest"
	"mediaingest/pkg/ledger"
	"mediaingest/pkg/metrics"
	"mediaingest/pkg/sink"
)

const testManifest = "sku,image name,ref\nA1,Alpha Box,1001\nA2,beta-box,1002\n"

// helper to perform requests with auth token
func performRequest(r http.Handler, method, path string, body io.Reader, token string, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func testToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "catalog-bot",
		"role":     "editor",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString(jwtSecret)
	require.NoError(t, err)
	return s
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{R: 200, A: 255}), imaging.JPEG))
	return buf.Bytes()
}

type part struct {
	field, name, contentType string
	data                     []byte
}

func multipartBody(t *testing.T, fields map[string]string, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.name+`"`)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func ingestionParts(t *testing.T) []part {
	return []part{
		{field: "manifest", name: "products.csv", contentType: "text/csv", data: []byte(testManifest)},
		{field: "assets", name: "1001.jpg", contentType: "image/jpeg", data: jpegBytes(t, 40, 20)},
		// no declared type: sniffed from the bytes
		{field: "assets", name: "1002_side.jpg", data: jpegBytes(t, 20, 40)},
	}
}

type testEnv struct {
	router  *gin.Engine
	srv     *server
	sinkDir string
	token   string
}

func setupTestServer(t *testing.T, withLedger bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwtSecret = []byte("test-secret")

	dir := t.TempDir()
	fileSink, err := sink.NewFileSink(dir)
	require.NoError(t, err)

	cfg := ingest.DefaultConfig()
	cfg.CanvasSize = 64
	cfg.RetryBaseDelay = time.Millisecond

	reg := prometheus.NewRegistry()
	deps := serverDeps{
		cfg:      cfg,
		sink:     fileSink,
		registry: reg,
		metrics:  metrics.NewPrometheusRecorder(reg),
	}
	if withLedger {
		name := strings.NewReplacer("/", "_").Replace(t.Name())
		gdb, err := ledger.Open("sqlite:file:" + name + "?mode=memory&cache=shared")
		require.NoError(t, err)
		sqlDB, err := gdb.DB()
		require.NoError(t, err)
		t.Cleanup(func() { _ = sqlDB.Close() })
		deps.ledger = ledger.NewStore(gdb, nil)
		require.NoError(t, deps.ledger.Migrate())
	}
	srv := newServer(deps)
	r := gin.New()
	srv.setupRoutes(r)
	return &testEnv{router: r, srv: srv, sinkDir: dir, token: testToken(t)}
}

func waitForState(t *testing.T, env *testEnv, id string) runView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := performRequest(env.router, http.MethodGet, "/ingestions/"+id, nil, env.token, "")
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		var v runView
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &v))
		if v.State.Terminal() && v.Result != nil {
			return v
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("ingestion %s did not finish", id)
	return runView{}
}

func TestUnauthorizedRequestsAreRejected(t *testing.T) {
	env := setupTestServer(t, false)
	resp := performRequest(env.router, http.MethodGet, "/ingestions", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = performRequest(env.router, http.MethodGet, "/ingestions", nil, "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = performRequest(env.router, http.MethodGet, "/healthz", nil, "", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"sink":"file"`)
}

func TestIngestionWaitUploadsToSink(t *testing.T) {
	env := setupTestServer(t, false)
	body, ct := multipartBody(t, map[string]string{"wait": "true"}, ingestionParts(t)...)
	resp := performRequest(env.router, http.MethodPost, "/ingestions", body, env.token, ct)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var res ingest.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, ingest.StateDone, res.State)
	assert.Equal(t, ingest.Aggregate{OK: 2}, res.Aggregate)
	for _, name := range []string{"alpha-box.jpg", "beta-box.jpg"} {
		_, err := os.Stat(filepath.Join(env.sinkDir, name))
		assert.NoError(t, err, name)
	}

	metricsResp := performRequest(env.router, http.MethodGet, "/metrics", nil, "", "")
	require.Equal(t, http.StatusOK, metricsResp.Code)
	assert.Contains(t, metricsResp.Body.String(), "mediaingest_session_total")
}

func TestIngestionAsyncDryRun(t *testing.T) {
	env := setupTestServer(t, false)
	body, ct := multipartBody(t, map[string]string{"dry_run": "true", "canvas": "32"}, ingestionParts(t)...)
	resp := performRequest(env.router, http.MethodPost, "/ingestions", body, env.token, ct)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var accepted map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))
	id, _ := accepted["id"].(string)
	require.NotEmpty(t, id)

	v := waitForState(t, env, id)
	assert.Equal(t, ingest.StateDone, v.State)
	assert.Equal(t, "catalog-bot", v.Owner)
	assert.Equal(t, 32, v.Result.Config.CanvasSize)
	assert.Empty(t, v.Result.Outcomes)
	entries, err := os.ReadDir(env.sinkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// the finished run cannot be cancelled
	resp = performRequest(env.router, http.MethodPost, "/ingestions/"+id+"/cancel", nil, env.token, "")
	assert.Equal(t, http.StatusConflict, resp.Code)

	// plain GET on the events route returns the recorded history
	resp = performRequest(env.router, http.MethodGet, "/ingestions/"+id+"/events", nil, env.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var events []ingest.Event
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, ingest.StateParsing, events[0].State)
	assert.Equal(t, ingest.StateDone, events[len(events)-1].State)

	resp = performRequest(env.router, http.MethodGet, "/ingestions", nil, env.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), id)
}

func TestIngestionEventsWebsocket(t *testing.T) {
	env := setupTestServer(t, false)
	body, ct := multipartBody(t, map[string]string{"wait": "true", "dry_run": "true"}, ingestionParts(t)...)
	resp := performRequest(env.router, http.MethodPost, "/ingestions", body, env.token, ct)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var res ingest.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &res))

	ts := httptest.NewServer(env.router)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ingestions/" + res.SessionID + "/events?access_token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []ingest.Event
	for {
		var e ingest.Event
		if err := conn.ReadJSON(&e); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, e)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, res.SessionID, got[0].SessionID)
	assert.Equal(t, ingest.StateDone, got[len(got)-1].State)
}

func TestPreviewReportsValidationErrors(t *testing.T) {
	env := setupTestServer(t, false)
	body, ct := multipartBody(t, nil,
		part{field: "manifest", name: "m.csv", data: []byte("sku,image name,ref\nS,nine,999\n")},
		part{field: "assets", name: "888_abc.jpg", contentType: "image/jpeg", data: jpegBytes(t, 8, 8)},
	)
	resp := performRequest(env.router, http.MethodPost, "/ingestions/preview", body, env.token, ct)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var out struct {
		Blocked bool           `json:"blocked"`
		Report  *ingest.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.True(t, out.Blocked)
	assert.True(t, out.Report.HasKind(ingest.KindNoMatch))
	assert.True(t, out.Report.HasKind(ingest.KindOrphanAsset))
}

func TestIngestionRejectsBadInput(t *testing.T) {
	env := setupTestServer(t, false)

	body, ct := multipartBody(t, map[string]string{"quality": "0"}, ingestionParts(t)...)
	resp := performRequest(env.router, http.MethodPost, "/ingestions", body, env.token, ct)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	body, ct = multipartBody(t, nil, part{field: "assets", name: "a.jpg", data: []byte("x")})
	resp = performRequest(env.router, http.MethodPost, "/ingestions", body, env.token, ct)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "manifest")

	resp = performRequest(env.router, http.MethodPost, "/ingestions/nope/cancel", nil, env.token, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	resp = performRequest(env.router, http.MethodGet, "/ingestions/nope", nil, env.token, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestDryRunRequiredWithoutSink(t *testing.T) {
	env := setupTestServer(t, false)
	env.srv.sink = nil
	body, ct := multipartBody(t, nil, ingestionParts(t)...)
	resp := performRequest(env.router, http.MethodPost, "/ingestions", body, env.token, ct)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "dry_run")
}

func TestFinishedRunsAreRecordedInLedger(t *testing.T) {
	env := setupTestServer(t, true)
	body, ct := multipartBody(t, map[string]string{"wait": "true"}, ingestionParts(t)...)
	resp := performRequest(env.router, http.MethodPost, "/ingestions", body, env.token, ct)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var res ingest.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &res))

	run, err := env.srv.ledger.Get(t.Context(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "done", run.State)
	assert.Equal(t, "file", run.Sink)
	assert.Len(t, run.Items, 2)

	resp = performRequest(env.router, http.MethodGet, "/ingestions", nil, env.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Contains(t, string(list["ledger"]), res.SessionID)
}
