package ingest

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInventoryAccepts(t *testing.T) {
	inv, issues := BuildInventory([]AssetInput{
		blob("b.PNG", "image/png", 10),
		blob("A.jpg", "image/jpeg; charset=binary", 10),
		blob("c.webp", "", 10),
		blob("d.gif", "application/octet-stream", 10),
	}, 1024)

	assert.Empty(t, issues)
	require.Equal(t, 4, inv.Len())

	names := []string{}
	for _, a := range inv.Assets() {
		names = append(names, a.OriginalName)
	}
	assert.Equal(t, []string{"A.jpg", "b.PNG", "c.webp", "d.gif"}, names)

	a, ok := inv.Lookup("b.PNG")
	require.True(t, ok)
	assert.Equal(t, MediaPNG, a.MediaType)
	assert.Equal(t, "b", a.Stem)
	assert.Equal(t, ".png", a.Extension)

	assert.Len(t, inv.ByStem("B"), 1)
	assert.Empty(t, inv.ByStem("zzz"))
}

func TestBuildInventoryRejections(t *testing.T) {
	inv, issues := BuildInventory([]AssetInput{
		blob("doc.pdf", "application/pdf", 10),
		blob("huge.jpg", "image/jpeg", 2048),
		blob("dup.jpg", "image/jpeg", 10),
		blob("dup.jpg", "image/jpeg", 20),
		blob("empty.png", "image/png", 0),
		blob("mislabelled.png", "image/jpeg", 10),
		blob("noext", "image/jpeg", 10),
	}, 1024)

	byKind := map[Kind][]string{}
	for _, is := range issues {
		byKind[is.Kind] = append(byKind[is.Kind], is.AssetOriginalName)
	}
	assert.Equal(t, []string{"doc.pdf"}, byKind[KindUnsupportedType])
	assert.Equal(t, []string{"huge.jpg"}, byKind[KindSizeExceeded])
	assert.Equal(t, []string{"dup.jpg"}, byKind[KindDuplicateAssetName])
	assert.Equal(t, []string{"empty.png"}, byKind[KindZeroByte])
	assert.ElementsMatch(t, []string{"mislabelled.png", "noext"}, byKind[KindTypeExtensionMismatch])

	// warnings keep the asset, errors drop it
	_, ok := inv.Lookup("empty.png")
	assert.True(t, ok)
	_, ok = inv.Lookup("mislabelled.png")
	assert.True(t, ok)
	_, ok = inv.Lookup("dup.jpg")
	assert.False(t, ok)
	assert.Equal(t, 3, inv.Len())

	for _, is := range issues {
		switch is.Kind {
		case KindZeroByte, KindTypeExtensionMismatch:
			assert.Equal(t, SeverityWarning, is.Severity)
		default:
			assert.Equal(t, SeverityError, is.Severity)
		}
	}
}

func TestFileAsset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "111211_alt.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o644))

	in, err := FileAsset(path, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "111211_alt.jpg", in.Name)
	assert.Equal(t, int64(10), in.Size)

	rc, err := in.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	_, err = FileAsset(dir, "image/jpeg")
	assert.Error(t, err)
	_, err = FileAsset(filepath.Join(dir, "missing.jpg"), "")
	assert.Error(t, err)
}

func TestParseMediaType(t *testing.T) {
	mt, ok := ParseMediaType(" IMAGE/JPG ")
	assert.True(t, ok)
	assert.Equal(t, MediaJPEG, mt)
	_, ok = ParseMediaType("image/tiff")
	assert.False(t, ok)
	mt, ok = ExtensionMediaType(".JPEG")
	assert.True(t, ok)
	assert.Equal(t, MediaJPEG, mt)
}
