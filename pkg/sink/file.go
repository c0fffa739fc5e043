package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"mediaingest/pkg/ingest"
)

// FileSink writes processed images into a local directory. It is intended
// for dry runs against a staging folder and for tests.
type FileSink struct {
	basePath string
}

// NewFileSink initializes a FileSink rooted at basePath.
func NewFileSink(basePath string) (*FileSink, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("sink: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("sink: ensure base path: %w", err)
	}
	return &FileSink{basePath: basePath}, nil
}

func (s *FileSink) Name() string { return "file" }

// Send writes f under its upload name. An unusable name is answered with a
// 400 so the item fails permanently; disk errors are retryable.
func (s *FileSink) Send(ctx context.Context, f ingest.File) (ingest.Response, error) {
	if err := ctx.Err(); err != nil {
		return ingest.Response{}, err
	}
	key, err := sanitizeKey(f.Name)
	if err != nil {
		return ingest.Response{Status: http.StatusBadRequest, BodySummary: err.Error()}, nil
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return ingest.Response{}, fmt.Errorf("sink: ensure directory: %w", err)
	}
	// write then rename so a crash never leaves a truncated image behind
	tmp := fullPath + ".part"
	if err := os.WriteFile(tmp, f.Data, 0o644); err != nil {
		return ingest.Response{}, fmt.Errorf("sink: write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return ingest.Response{}, fmt.Errorf("sink: rename file: %w", err)
	}
	return ingest.Response{Status: http.StatusCreated, BodySummary: key}, nil
}

func (s *FileSink) Close() error { return nil }

// sanitizeKey normalizes a key and prevents escaping the sink root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("sink: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("sink: invalid key")
	}
	return cleaned, nil
}
