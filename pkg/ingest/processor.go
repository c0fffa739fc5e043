package ingest

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"mediaingest/pkg/logger"
	"mediaingest/pkg/metrics"
)

// Placement is where a scaled image sits on the square canvas.
type Placement struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Left   int `json:"left"`
	Top    int `json:"top"`
}

// Fit scales srcW x srcH to fit inside a canvas x canvas square and centers it.
func Fit(srcW, srcH, canvas int) Placement {
	if srcW <= 0 || srcH <= 0 || canvas <= 0 {
		return Placement{}
	}
	scale := math.Min(float64(canvas)/float64(srcW), float64(canvas)/float64(srcH))
	w := int(math.Round(float64(srcW) * scale))
	h := int(math.Round(float64(srcH) * scale))
	// rounding of extreme ratios must never leave a zero-width strip
	w = min(max(w, 1), canvas)
	h = min(max(h, 1), canvas)
	return Placement{
		Width:  w,
		Height: h,
		Left:   int(math.Round(float64(canvas-w) / 2)),
		Top:    int(math.Round(float64(canvas-h) / 2)),
	}
}

// ProcessedAsset is the encoded canvas image for one renamed asset.
type ProcessedAsset struct {
	RenamedAsset
	MediaType    string    `json:"mediaType"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SourceWidth  int       `json:"sourceWidth"`
	SourceHeight int       `json:"sourceHeight"`
	Placement    Placement `json:"placement"`
	Digest       string    `json:"digest"`
	Bytes        int       `json:"bytes"`

	Data []byte `json:"-"`
}

// Processor turns source images into uniform canvas images.
type Processor struct {
	cfg     Config
	log     *logger.Logger
	metrics metrics.Recorder
}

// NewProcessor builds a processor. log and rec may be nil.
func NewProcessor(cfg Config, log *logger.Logger, rec metrics.Recorder) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Processor{cfg: cfg, log: log, metrics: rec}
}

// Render composites img onto the configured canvas.
func (p *Processor) Render(img image.Image) (*image.NRGBA, Placement) {
	b := img.Bounds()
	pl := Fit(b.Dx(), b.Dy(), p.cfg.CanvasSize)
	scaled := imaging.Resize(img, pl.Width, pl.Height, imaging.Lanczos)
	bg := imaging.New(p.cfg.CanvasSize, p.cfg.CanvasSize, color.NRGBA{R: p.cfg.Background.R, G: p.cfg.Background.G, B: p.cfg.Background.B, A: 255})
	return imaging.Overlay(bg, scaled, image.Pt(pl.Left, pl.Top), 1.0), pl
}

func (p *Processor) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch p.cfg.OutputFormat {
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case FormatWEBP:
		// lossless; quality does not apply
		err = nativewebp.Encode(&buf, img, nil)
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.cfg.Quality))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkDimensions reads only the image header and rejects sources whose pixel
// count exceeds the configured cap.
func (p *Processor) checkDimensions(a *ImageAsset) error {
	rc, err := a.Open()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer rc.Close()
	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("decode: empty image %dx%d", cfg.Width, cfg.Height)
	}
	if limit := p.cfg.PixelLimit(); int64(cfg.Width)*int64(cfg.Height) > limit {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, limit)
	}
	return nil
}

// Process decodes, fits, composites and encodes one asset.
func (p *Processor) Process(a *ImageAsset, r RenamedAsset) (*ProcessedAsset, error) {
	if err := p.checkDimensions(a); err != nil {
		return nil, err
	}
	rc, err := a.Open()
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	// transparent pixels become the background colour during Overlay
	src, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("decode: empty image %dx%d", b.Dx(), b.Dy())
	}
	out, pl := p.Render(src)
	data, err := p.encode(out)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	sum := blake2b.Sum256(data)
	return &ProcessedAsset{
		RenamedAsset: r,
		MediaType:    p.cfg.OutputMediaType(),
		Width:        p.cfg.CanvasSize,
		Height:       p.cfg.CanvasSize,
		SourceWidth:  b.Dx(),
		SourceHeight: b.Dy(),
		Placement:    pl,
		Digest:       hex.EncodeToString(sum[:]),
		Bytes:        len(data),
		Data:         data,
	}, nil
}

// ProcessResult is the per-item outcome of ProcessAll, in input order.
type ProcessResult struct {
	Asset *ProcessedAsset
	Err   error
}

// ProcessAll processes every renamed asset with at most MaxConcurrency
// decodes in flight. Results keep input order; items not started before ctx
// is cancelled are left with a nil Asset and the context error.
func (p *Processor) ProcessAll(ctx context.Context, plan *Plan, progress func(done, total int)) ([]ProcessResult, []Issue) {
	items := plan.Renamed
	results := make([]ProcessResult, len(items))
	doneCh := make(chan struct{}, len(items))

	g := new(errgroup.Group)
	g.SetLimit(max(p.cfg.MaxConcurrency, 1))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		n := 0
		for range doneCh {
			n++
			if progress != nil {
				progress(n, len(items))
			}
		}
	}()

	for i, r := range items {
		if ctx.Err() != nil {
			results[i] = ProcessResult{Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			defer func() { doneCh <- struct{}{} }()
			if err := ctx.Err(); err != nil {
				results[i] = ProcessResult{Err: err}
				return nil
			}
			a, ok := plan.Asset(r)
			if !ok {
				results[i] = ProcessResult{Err: fmt.Errorf("asset %s not in inventory", r.AssetOriginalName)}
				return nil
			}
			start := time.Now()
			pa, err := p.Process(a, r)
			p.metrics.RecordProcessing(err == nil, time.Since(start))
			results[i] = ProcessResult{Asset: pa, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(doneCh)
	<-finished

	var issues []Issue
	for i, res := range results {
		if res.Err == nil || isContextErr(res.Err) {
			continue
		}
		r := items[i]
		p.log.Warn("processing failed", "asset", r.AssetOriginalName, "target", r.TargetFilename, "error", res.Err)
		issues = append(issues, Issue{
			Stage:             StageProcessing,
			Severity:          SeverityError,
			Kind:              KindProcessingFailed,
			Message:           fmt.Sprintf("%s could not be processed: %v", r.AssetOriginalName, res.Err),
			Suggestion:        "re-export the image in a standard format",
			Details:           map[string]any{"targetFilename": r.TargetFilename},
			ProductRowIndex:   rowRef(r.ProductRowIndex),
			AssetOriginalName: r.AssetOriginalName,
		})
	}
	return results, issues
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
