package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"mediaingest/pkg/ingest"
)

const bodySummaryLimit = 256

// HTTPSink posts each file as multipart/form-data to a media endpoint.
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSink builds a sink for endpoint. token, when set, is sent as a bearer token.
func NewHTTPSink(endpoint, token string, timeout time.Duration) (*HTTPSink, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("sink: http endpoint is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) body(f ingest.File) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"sku", f.SKU},
		{"target_filename", f.TargetFilename},
		{"ordinal", strconv.Itoa(f.Ordinal)},
		{"source_name", f.AssetOriginalName},
		{"digest", f.Digest},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	h.Set("Content-Type", f.MediaType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f.Reader()); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// Send returns an error only when no HTTP response was received.
func (s *HTTPSink) Send(ctx context.Context, f ingest.File) (ingest.Response, error) {
	body, contentType, err := s.body(f)
	if err != nil {
		return ingest.Response{}, fmt.Errorf("sink: build multipart body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return ingest.Response{Status: http.StatusBadRequest, BodySummary: err.Error()}, nil
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Idempotency-Key", f.Digest)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return ingest.Response{}, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, bodySummaryLimit))
	_, _ = io.Copy(io.Discard, resp.Body)
	return ingest.Response{Status: resp.StatusCode, BodySummary: ingest.TruncateUTF8(strings.TrimSpace(string(snippet)), bodySummaryLimit)}, nil
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
