package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mediaingest/pkg/ingest"
)

// GCSSink stores images as objects in a Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a storage client; opts are passed through (credentials,
// emulator endpoint).
func NewGCSSink(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSSink, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("sink: gcs bucket is required")
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: create storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: strings.Trim(strings.TrimSpace(prefix), "/")}, nil
}

func (s *GCSSink) Name() string { return "gcs" }

// ObjectKey is the object name used for an upload name.
func (s *GCSSink) ObjectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Send uploads f. API errors carry their HTTP code so 4xx responses fail the
// item permanently; anything else is treated as transport trouble.
func (s *GCSSink) Send(ctx context.Context, f ingest.File) (ingest.Response, error) {
	key, err := sanitizeKey(f.Name)
	if err != nil {
		return ingest.Response{Status: http.StatusBadRequest, BodySummary: err.Error()}, nil
	}
	key = s.ObjectKey(key)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = f.MediaType
	w.Metadata = map[string]string{
		"sku":             f.SKU,
		"target_filename": f.TargetFilename,
		"ordinal":         strconv.Itoa(f.Ordinal),
		"digest":          f.Digest,
	}
	if _, err := w.Write(f.Data); err != nil {
		_ = w.Close()
		return classifyGCS(err)
	}
	if err := w.Close(); err != nil {
		return classifyGCS(err)
	}
	return ingest.Response{Status: http.StatusOK, BodySummary: "gs://" + s.bucket + "/" + key}, nil
}

func classifyGCS(err error) (ingest.Response, error) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code > 0 {
		return ingest.Response{Status: gerr.Code, BodySummary: gerr.Message}, nil
	}
	return ingest.Response{}, err
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}
