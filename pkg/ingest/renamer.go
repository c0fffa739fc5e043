package ingest

import (
	"fmt"
	"strconv"
	"strings"
)

// RenamedAsset is a match edge with its final file names.
type RenamedAsset struct {
	MatchEdge
	SKU            string `json:"sku"`
	TargetFilename string `json:"targetFilename"`
	// UploadName is TargetFilename with the output format extension.
	UploadName string `json:"uploadName"`
}

// Slug lowercases s and collapses every run of characters outside [a-z0-9]
// into a single hyphen, trimming hyphens at both ends.
func Slug(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// TargetFilename builds the renamed file name for one edge.
func TargetFilename(targetImageName string, ordinal int, ext string) string {
	name := Slug(targetImageName)
	if ordinal > 0 {
		name += "_" + strconv.Itoa(ordinal)
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// Rename assigns target and upload names to every edge and reports
// collisions across the whole ingestion.
func Rename(edges []MatchEdge, m *Manifest, inv *Inventory, outputExt string) ([]RenamedAsset, []Issue) {
	var (
		out    []RenamedAsset
		issues []Issue
	)
	byTarget := map[string]RenamedAsset{}
	byUpload := map[string]RenamedAsset{}
	for _, e := range edges {
		rec, ok := m.Record(e.ProductRowIndex)
		if !ok {
			continue
		}
		a, ok := inv.Lookup(e.AssetOriginalName)
		if !ok {
			continue
		}
		target := TargetFilename(rec.TargetImageName, e.Ordinal, a.Extension)
		if Slug(rec.TargetImageName) == "" {
			issues = append(issues, Issue{
				Stage:             StageMatching,
				Severity:          SeverityError,
				Kind:              KindBlankTargetName,
				Message:           fmt.Sprintf("target name %q of sku %s yields an empty file name", rec.TargetImageName, rec.SKU),
				Suggestion:        "use letters or digits in targetImageName",
				ProductRowIndex:   rowRef(rec.RowIndex),
				AssetOriginalName: a.OriginalName,
			})
			continue
		}
		stem, _ := splitName(target)
		ra := RenamedAsset{
			MatchEdge:      e,
			SKU:            rec.SKU,
			TargetFilename: target,
			UploadName:     stem + outputExt,
		}

		if prev, dup := byTarget[target]; dup {
			issues = append(issues, collision(ra, prev, map[string]any{"targetFilename": target}))
		} else if prev, dup := byUpload[ra.UploadName]; dup {
			issues = append(issues, collision(ra, prev, map[string]any{"uploadName": ra.UploadName}))
		} else {
			byTarget[target] = ra
			byUpload[ra.UploadName] = ra
		}
		out = append(out, ra)
	}
	return out, issues
}

func collision(ra, prev RenamedAsset, details map[string]any) Issue {
	details["conflictsWithRow"] = prev.ProductRowIndex
	details["conflictsWithAsset"] = prev.AssetOriginalName
	return Issue{
		Stage:             StageMatching,
		Severity:          SeverityError,
		Kind:              KindRenameCollision,
		Message:           fmt.Sprintf("%s would be renamed to the same file as %s", ra.AssetOriginalName, prev.AssetOriginalName),
		Suggestion:        "give each product a distinct targetImageName",
		Details:           details,
		ProductRowIndex:   rowRef(ra.ProductRowIndex),
		AssetOriginalName: ra.AssetOriginalName,
	}
}
