package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MediaType is the canonical short name of an accepted image format.
type MediaType string

const (
	MediaJPEG MediaType = "jpeg"
	MediaPNG  MediaType = "png"
	MediaWEBP MediaType = "webp"
	MediaGIF  MediaType = "gif"
	MediaBMP  MediaType = "bmp"
)

var mimeTypes = map[string]MediaType{
	"image/jpeg":     MediaJPEG,
	"image/jpg":      MediaJPEG,
	"image/pjpeg":    MediaJPEG,
	"image/png":      MediaPNG,
	"image/x-png":    MediaPNG,
	"image/webp":     MediaWEBP,
	"image/gif":      MediaGIF,
	"image/bmp":      MediaBMP,
	"image/x-bmp":    MediaBMP,
	"image/x-ms-bmp": MediaBMP,
}

var extTypes = map[string]MediaType{
	".jpg":  MediaJPEG,
	".jpeg": MediaJPEG,
	".jpe":  MediaJPEG,
	".png":  MediaPNG,
	".webp": MediaWEBP,
	".gif":  MediaGIF,
	".bmp":  MediaBMP,
}

// ParseMediaType maps a MIME type (parameters ignored) to an accepted format.
func ParseMediaType(s string) (MediaType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	mt, ok := mimeTypes[s]
	return mt, ok
}

// ExtensionMediaType maps a file extension (with dot, any case) to a format.
func ExtensionMediaType(ext string) (MediaType, bool) {
	mt, ok := extTypes[strings.ToLower(ext)]
	return mt, ok
}

// AssetInput is one uploaded blob as handed to the pipeline.
type AssetInput struct {
	Name      string
	MediaType string
	Size      int64
	Open      func() (io.ReadCloser, error)
}

// BytesAsset wraps an in-memory blob.
func BytesAsset(name, mediaType string, data []byte) AssetInput {
	return AssetInput{
		Name:      name,
		MediaType: mediaType,
		Size:      int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileAsset describes a file on disk; it is opened lazily during processing.
func FileAsset(path, mediaType string) (AssetInput, error) {
	st, err := os.Stat(path)
	if err != nil {
		return AssetInput{}, err
	}
	if st.IsDir() {
		return AssetInput{}, fmt.Errorf("%s is a directory", path)
	}
	return AssetInput{
		Name:      filepath.Base(path),
		MediaType: mediaType,
		Size:      st.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// ImageAsset is an accepted asset.
type ImageAsset struct {
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	MediaType    MediaType `json:"mediaType"`
	Stem         string    `json:"stem"`
	Extension    string    `json:"extension"`

	open func() (io.ReadCloser, error)
}

// Open returns the asset bytes.
func (a *ImageAsset) Open() (io.ReadCloser, error) {
	if a.open == nil {
		return nil, fmt.Errorf("asset %s has no content", a.OriginalName)
	}
	return a.open()
}

// Inventory indexes accepted assets by name and by lowercased stem.
type Inventory struct {
	byName  map[string]*ImageAsset
	byStem  map[string][]*ImageAsset
	ordered []*ImageAsset
}

func splitName(name string) (stem, ext string) {
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// nameLess is the case-insensitive lexicographic order used everywhere assets are listed.
func nameLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

// BuildInventory checks every input and indexes the accepted ones. The
// result and its issues do not depend on input order.
func BuildInventory(inputs []AssetInput, sizeLimit int64) (*Inventory, []Issue) {
	sorted := append([]AssetInput(nil), inputs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return nameLess(sorted[i].Name, sorted[j].Name)
		}
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size < sorted[j].Size
		}
		return sorted[i].MediaType < sorted[j].MediaType
	})

	counts := map[string]int{}
	for _, in := range sorted {
		counts[in.Name]++
	}

	inv := &Inventory{byName: map[string]*ImageAsset{}, byStem: map[string][]*ImageAsset{}}
	var issues []Issue
	reported := map[string]bool{}

	for _, in := range sorted {
		name := in.Name
		if n := counts[name]; n > 1 {
			// every copy is rejected so the outcome cannot depend on which one came first
			if !reported[name] {
				reported[name] = true
				issues = append(issues, Issue{
					Stage:             StageAssets,
					Severity:          SeverityError,
					Kind:              KindDuplicateAssetName,
					Message:           fmt.Sprintf("%d assets are named %q", n, name),
					Suggestion:        "rename or remove the duplicates",
					Details:           map[string]any{"count": n},
					AssetOriginalName: name,
				})
			}
			continue
		}

		stem, ext := splitName(name)
		extType, extKnown := ExtensionMediaType(ext)
		declared := strings.TrimSpace(in.MediaType)
		var mt MediaType
		var ok bool
		if declared == "" || strings.EqualFold(declared, "application/octet-stream") {
			mt, ok = extType, extKnown
		} else {
			mt, ok = ParseMediaType(declared)
		}
		if !ok {
			issues = append(issues, Issue{
				Stage:             StageAssets,
				Severity:          SeverityError,
				Kind:              KindUnsupportedType,
				Message:           fmt.Sprintf("%s has unsupported media type %q", name, declared),
				Suggestion:        "convert to JPEG, PNG, WebP, GIF or BMP",
				Details:           map[string]any{"mediaType": declared, "extension": strings.ToLower(ext)},
				AssetOriginalName: name,
			})
			continue
		}
		if in.Size > sizeLimit {
			issues = append(issues, Issue{
				Stage:             StageAssets,
				Severity:          SeverityError,
				Kind:              KindSizeExceeded,
				Message:           fmt.Sprintf("%s is %d bytes, limit is %d", name, in.Size, sizeLimit),
				Suggestion:        "compress or downscale the file before upload",
				Details:           map[string]any{"size": in.Size, "limit": sizeLimit},
				AssetOriginalName: name,
			})
			continue
		}
		if in.Size == 0 {
			issues = append(issues, Issue{
				Stage:             StageAssets,
				Severity:          SeverityWarning,
				Kind:              KindZeroByte,
				Message:           fmt.Sprintf("%s is empty", name),
				Suggestion:        "re-export the image",
				AssetOriginalName: name,
			})
		}
		if !extKnown || extType != mt {
			issues = append(issues, Issue{
				Stage:             StageAssets,
				Severity:          SeverityWarning,
				Kind:              KindTypeExtensionMismatch,
				Message:           fmt.Sprintf("%s is declared %s but has extension %q", name, mt, ext),
				Suggestion:        "fix the file extension",
				Details:           map[string]any{"mediaType": string(mt), "extension": strings.ToLower(ext)},
				AssetOriginalName: name,
			})
		}

		a := &ImageAsset{
			OriginalName: name,
			Size:         in.Size,
			MediaType:    mt,
			Stem:         stem,
			Extension:    strings.ToLower(ext),
			open:         in.Open,
		}
		inv.byName[name] = a
		key := strings.ToLower(stem)
		inv.byStem[key] = append(inv.byStem[key], a)
		inv.ordered = append(inv.ordered, a)
	}
	return inv, issues
}

// Assets lists accepted assets in case-insensitive name order.
func (inv *Inventory) Assets() []*ImageAsset {
	if inv == nil {
		return nil
	}
	return inv.ordered
}

// Lookup finds an asset by its original name.
func (inv *Inventory) Lookup(name string) (*ImageAsset, bool) {
	if inv == nil {
		return nil, false
	}
	a, ok := inv.byName[name]
	return a, ok
}

// ByStem returns the assets whose lowercased stem equals stem.
func (inv *Inventory) ByStem(stem string) []*ImageAsset {
	if inv == nil {
		return nil
	}
	return inv.byStem[strings.ToLower(stem)]
}

// Len is the number of accepted assets.
func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}
	return len(inv.ordered)
}

func (inv *Inventory) metadata(submitted int) map[string]any {
	var total int64
	for _, a := range inv.Assets() {
		total += a.Size
	}
	return map[string]any{
		"submitted":  submitted,
		"accepted":   inv.Len(),
		"rejected":   submitted - inv.Len(),
		"totalBytes": total,
	}
}
