package ingest

import (
	"io"
)

// Plan is the validated view of one ingestion: what will be processed and
// uploaded, and the report explaining it.
type Plan struct {
	Manifest  *Manifest
	Inventory *Inventory
	Edges     []MatchEdge
	Renamed   []RenamedAsset
	Issues    []Issue
	Metadata  map[Stage]map[string]any
	Report    *Report
}

// Blocked reports whether validation errors gate the pipeline.
func (p *Plan) Blocked() bool {
	return p.Report == nil || p.Report.ValidationErrorCount() > 0
}

// Asset returns the inventory entry behind a renamed asset.
func (p *Plan) Asset(r RenamedAsset) (*ImageAsset, bool) {
	return p.Inventory.Lookup(r.AssetOriginalName)
}

// ParseInputs runs the manifest and asset passes. A non-nil error means the
// manifest stream could not be read; the plan still carries the issue.
func ParseInputs(manifest io.Reader, assets []AssetInput, cfg Config) (*Plan, error) {
	p := &Plan{Metadata: map[Stage]map[string]any{}}

	m, mIssues, err := ParseManifest(manifest)
	p.Issues = append(p.Issues, mIssues...)
	p.Manifest = m
	p.Metadata[StageManifest] = m.metadata()

	inv, aIssues := BuildInventory(assets, cfg.SizeLimitBytes)
	p.Inventory = inv
	p.Issues = append(p.Issues, aIssues...)
	p.Metadata[StageAssets] = inv.metadata(len(assets))

	p.Report = NewReport(p.Issues, p.Metadata)
	return p, err
}

// Match runs the matching pass (matcher and renamer) and rebuilds the
// report. It is skipped when the manifest pass could not produce records.
func (p *Plan) Match(cfg Config) {
	md := map[string]any{}
	p.Metadata[StageMatching] = md
	if p.Manifest == nil || manifestStructurallyBroken(p.Issues) {
		md["skipped"] = true
		p.Report = NewReport(p.Issues, p.Metadata)
		return
	}

	edges, mIssues := Match(p.Manifest, p.Inventory)
	p.Edges = edges
	p.Issues = append(p.Issues, mIssues...)

	renamed, rIssues := Rename(edges, p.Manifest, p.Inventory, cfg.OutputExtension())
	p.Renamed = renamed
	p.Issues = append(p.Issues, rIssues...)

	matched := map[int]bool{}
	for _, e := range edges {
		matched[e.ProductRowIndex] = true
	}
	md["professionalMode"] = p.Manifest.ProfessionalMode
	md["edges"] = len(edges)
	md["matchedProducts"] = len(matched)
	md["renamed"] = len(renamed)
	p.Report = NewReport(p.Issues, p.Metadata)
}

func manifestStructurallyBroken(issues []Issue) bool {
	for _, is := range issues {
		switch is.Kind {
		case KindMissingHeader, KindEmptyManifest, KindManifestUnreadable:
			return true
		}
	}
	return false
}

// Preview runs all three validation passes without touching any image bytes.
func Preview(manifest io.Reader, assets []AssetInput, cfg Config) (*Plan, error) {
	p, err := ParseInputs(manifest, assets, cfg)
	if err != nil {
		return p, err
	}
	p.Match(cfg)
	return p, nil
}

// AddIssues appends later-stage issues and rebuilds the report.
func (p *Plan) AddIssues(stage Stage, metadata map[string]any, issues ...Issue) {
	p.Issues = append(p.Issues, issues...)
	if metadata != nil {
		p.Metadata[stage] = metadata
	}
	p.Report = NewReport(p.Issues, p.Metadata)
}
