package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitScenario(t *testing.T) {
	assert.Equal(t, Placement{Width: 1200, Height: 600, Left: 0, Top: 300}, Fit(800, 400, 1200))
	assert.Equal(t, Placement{Width: 600, Height: 1200, Left: 300, Top: 0}, Fit(400, 800, 1200))
	assert.Equal(t, Placement{Width: 1200, Height: 1200}, Fit(50, 50, 1200))
	assert.Equal(t, Placement{Width: 1200, Height: 1, Left: 0, Top: 600}, Fit(100000, 1, 1200))
	assert.Equal(t, Placement{}, Fit(0, 10, 1200))
}

func TestFitProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		w, h := 1+rng.Intn(5000), 1+rng.Intn(5000)
		canvas := 1 + rng.Intn(2000)
		pl := Fit(w, h, canvas)

		scale := math.Min(float64(canvas)/float64(w), float64(canvas)/float64(h))
		require.InDelta(t, float64(w)*scale, float64(pl.Width), 1, "%dx%d@%d", w, h, canvas)
		require.InDelta(t, float64(h)*scale, float64(pl.Height), 1, "%dx%d@%d", w, h, canvas)
		require.True(t, pl.Width == canvas || pl.Height == canvas, "one side fills the canvas")
		require.LessOrEqual(t, pl.Left+pl.Width, canvas)
		require.LessOrEqual(t, pl.Top+pl.Height, canvas)

		right := canvas - pl.Width - pl.Left
		bottom := canvas - pl.Height - pl.Top
		require.LessOrEqual(t, abs(pl.Left-right), 1)
		require.LessOrEqual(t, abs(pl.Top-bottom), 1)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func nearly(t *testing.T, want, got uint8) {
	t.Helper()
	assert.InDelta(t, float64(want), float64(got), 12)
}

func TestScenarioResizeCorrectness(t *testing.T) {
	cfg := DefaultConfig()
	proc := NewProcessor(cfg, nil, nil)
	in := BytesAsset("wide.png", "image/png", encodeTestImage(t, 800, 400, red, imaging.PNG))
	inv, issues := BuildInventory([]AssetInput{in}, cfg.SizeLimitBytes)
	require.Empty(t, issues)
	a, _ := inv.Lookup("wide.png")

	pa, err := proc.Process(a, RenamedAsset{TargetFilename: "wide.png", UploadName: "wide.jpg"})
	require.NoError(t, err)
	assert.Equal(t, Placement{Width: 1200, Height: 600, Left: 0, Top: 300}, pa.Placement)
	assert.Equal(t, 800, pa.SourceWidth)
	assert.Equal(t, 400, pa.SourceHeight)
	assert.Equal(t, "image/jpeg", pa.MediaType)
	assert.Len(t, pa.Digest, 64)

	out, format, err := image.Decode(bytes.NewReader(pa.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Rect(0, 0, 1200, 1200), out.Bounds())

	nrgba := imaging.Clone(out)
	for _, pt := range []image.Point{{600, 100}, {600, 1100}, {10, 10}} {
		c := nrgba.NRGBAAt(pt.X, pt.Y)
		nearly(t, 255, c.R)
		nearly(t, 255, c.G)
		nearly(t, 255, c.B)
	}
	for _, pt := range []image.Point{{600, 600}, {5, 320}, {1195, 880}} {
		c := nrgba.NRGBAAt(pt.X, pt.Y)
		nearly(t, red.R, c.R)
		nearly(t, red.G, c.G)
		nearly(t, red.B, c.B)
	}
}

func TestProcessPNGOutputAndBackground(t *testing.T) {
	cfg := testConfig()
	cfg.OutputFormat = FormatPNG
	cfg.Background = RGB{R: 0, G: 0, B: 255}
	proc := NewProcessor(cfg, nil, nil)
	inv, _ := BuildInventory([]AssetInput{jpegAsset(t, "tall.jpg", 10, 40)}, cfg.SizeLimitBytes)
	a, _ := inv.Lookup("tall.jpg")

	pa, err := proc.Process(a, RenamedAsset{})
	require.NoError(t, err)
	assert.Equal(t, "image/png", pa.MediaType)
	out, format, err := image.Decode(bytes.NewReader(pa.Data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	c := imaging.Clone(out).NRGBAAt(0, 32)
	assert.Equal(t, uint8(255), c.B)
	assert.Equal(t, uint8(0), c.R)
	assert.Equal(t, uint8(255), c.A)
}

func TestProcessWebPOutput(t *testing.T) {
	cfg := testConfig()
	cfg.OutputFormat = FormatWEBP
	require.NoError(t, cfg.Validate())
	proc := NewProcessor(cfg, nil, nil)
	inv, _ := BuildInventory([]AssetInput{jpegAsset(t, "tall.jpg", 10, 40)}, cfg.SizeLimitBytes)
	a, _ := inv.Lookup("tall.jpg")

	pa, err := proc.Process(a, RenamedAsset{})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", pa.MediaType)
	out, format, err := image.Decode(bytes.NewReader(pa.Data))
	require.NoError(t, err)
	assert.Equal(t, "webp", format)
	assert.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())
	// lossless, so the background is exact
	c := imaging.Clone(out).NRGBAAt(0, 32)
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, c)
}

// pngHeader is a PNG that stops after IHDR; enough for image.DecodeConfig.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 17)
	copy(ihdr, "IHDR")
	binary.BigEndian.PutUint32(ihdr[4:], w)
	binary.BigEndian.PutUint32(ihdr[8:], h)
	ihdr[12] = 8 // bit depth
	ihdr[13] = 6 // RGBA
	_ = binary.Write(&buf, binary.BigEndian, uint32(13))
	buf.Write(ihdr)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(ihdr))
	return buf.Bytes()
}

func TestProcessRejectsOversizedDimensions(t *testing.T) {
	cfg := testConfig()
	proc := NewProcessor(cfg, nil, nil)
	inv, _ := BuildInventory([]AssetInput{BytesAsset("huge.png", "image/png", pngHeader(60000, 60000))}, cfg.SizeLimitBytes)
	a, _ := inv.Lookup("huge.png")
	_, err := proc.Process(a, RenamedAsset{})
	assert.ErrorIs(t, err, ErrImageTooLarge)

	cfg.MaxSourcePixels = 100
	inv, _ = BuildInventory([]AssetInput{pngAsset(t, "small.png", 20, 20)}, cfg.SizeLimitBytes)
	a, _ = inv.Lookup("small.png")
	_, err = NewProcessor(cfg, nil, nil).Process(a, RenamedAsset{})
	assert.ErrorIs(t, err, ErrImageTooLarge)

	cfg.MaxSourcePixels = 400
	_, err = NewProcessor(cfg, nil, nil).Process(a, RenamedAsset{})
	assert.NoError(t, err)
}

func TestProcessAllReportsOversizedImage(t *testing.T) {
	p := preview(t, "sku,image name,ref\nA,alpha,1\n", []AssetInput{
		BytesAsset("1.png", "image/png", pngHeader(40000, 30000)),
	})
	require.False(t, p.Blocked())
	results, issues := NewProcessor(testConfig(), nil, nil).ProcessAll(context.Background(), p, nil)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrImageTooLarge)
	require.Len(t, issues, 1)
	assert.Equal(t, KindProcessingFailed, issues[0].Kind)
	assert.Equal(t, "1.png", issues[0].AssetOriginalName)
}

func TestProcessIsDeterministic(t *testing.T) {
	cfg := testConfig()
	proc := NewProcessor(cfg, nil, nil)
	inv, _ := BuildInventory([]AssetInput{pngAsset(t, "a.png", 30, 17)}, cfg.SizeLimitBytes)
	a, _ := inv.Lookup("a.png")

	first, err := proc.Process(a, RenamedAsset{})
	require.NoError(t, err)
	second, err := proc.Process(a, RenamedAsset{})
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.Digest, second.Digest)
}

func TestProcessAllIsolatesFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 3
	p := preview(t, "sku,image name,ref\nA,alpha,1\nB,beta,2\nC,gamma,3\n", []AssetInput{
		jpegAsset(t, "1.jpg", 20, 10),
		blob("2.jpg", "image/jpeg", 64),
		pngAsset(t, "3.png", 10, 20),
	})
	require.False(t, p.Blocked())

	var seen []int
	results, issues := NewProcessor(cfg, nil, nil).ProcessAll(context.Background(), p, func(done, total int) {
		assert.Equal(t, 3, total)
		seen = append(seen, done)
	})

	require.Len(t, results, 3)
	assert.NotNil(t, results[0].Asset)
	assert.Nil(t, results[1].Asset)
	assert.Error(t, results[1].Err)
	assert.NotNil(t, results[2].Asset)
	assert.Equal(t, "gamma.jpg", results[2].Asset.UploadName)
	assert.Equal(t, []int{1, 2, 3}, seen)

	require.Len(t, issues, 1)
	assert.Equal(t, KindProcessingFailed, issues[0].Kind)
	assert.Equal(t, "2.jpg", issues[0].AssetOriginalName)
	assert.Equal(t, 1, *issues[0].ProductRowIndex)
}

func TestProcessAllCancelledBeforeStart(t *testing.T) {
	p := preview(t, "sku,image name,ref\nA,alpha,1\n", []AssetInput{jpegAsset(t, "1.jpg", 20, 10)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, issues := NewProcessor(testConfig(), nil, nil).ProcessAll(ctx, p, nil)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Asset)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Empty(t, issues)
}
