package ingest

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

var red = color.NRGBA{R: 220, G: 20, B: 20, A: 255}

func encodeTestImage(t *testing.T, w, h int, c color.NRGBA, format imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, c), format))
	return buf.Bytes()
}

func jpegAsset(t *testing.T, name string, w, h int) AssetInput {
	t.Helper()
	return BytesAsset(name, "image/jpeg", encodeTestImage(t, w, h, red, imaging.JPEG))
}

func pngAsset(t *testing.T, name string, w, h int) AssetInput {
	t.Helper()
	return BytesAsset(name, "image/png", encodeTestImage(t, w, h, red, imaging.PNG))
}

// placeholder blobs for tests that never decode
func blob(name, mediaType string, size int) AssetInput {
	return BytesAsset(name, mediaType, bytes.Repeat([]byte{0xAB}, size))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CanvasSize = 64
	cfg.RetryBaseDelay = time.Millisecond
	return cfg
}

func preview(t *testing.T, manifest string, assets []AssetInput) *Plan {
	t.Helper()
	p, err := Preview(strings.NewReader(manifest), assets, testConfig())
	require.NoError(t, err)
	return p
}

func kinds(issues []Issue) []Kind {
	out := make([]Kind, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Kind)
	}
	return out
}

func issuesOf(issues []Issue, k Kind) []Issue {
	var out []Issue
	for _, is := range issues {
		if is.Kind == k {
			out = append(out, is)
		}
	}
	return out
}

// scriptedSink answers each upload name with the scripted statuses in turn,
// then 200. A scripted status of -1 is a transport error.
type scriptedSink struct {
	mu     sync.Mutex
	script map[string][]int
	calls  []string
	sent   map[string][]byte
	closed bool
}

func newScriptedSink(script map[string][]int) *scriptedSink {
	if script == nil {
		script = map[string][]int{}
	}
	return &scriptedSink{script: script, sent: map[string][]byte{}}
}

func (s *scriptedSink) Name() string { return "scripted" }

func (s *scriptedSink) Send(ctx context.Context, f File) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == f.Name {
			n++
		}
	}
	s.calls = append(s.calls, f.Name)
	status := 200
	if steps := s.script[f.Name]; n < len(steps) {
		status = steps[n]
	}
	if status < 0 {
		return Response{}, errors.New("connection reset")
	}
	if status < 300 {
		s.sent[f.Name] = append([]byte(nil), f.Data...)
	}
	return Response{Status: status, BodySummary: "scripted"}, nil
}

func (s *scriptedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
