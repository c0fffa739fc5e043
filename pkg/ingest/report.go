package ingest

import (
	"fmt"
	"sort"
)

// Stage identifies the pipeline pass that produced an issue.
type Stage string

const (
	StageManifest   Stage = "manifest"
	StageAssets     Stage = "assets"
	StageMatching   Stage = "matching"
	StageProcessing Stage = "processing"
	StageUpload     Stage = "upload"
)

var stageOrder = map[Stage]int{
	StageManifest:   0,
	StageAssets:     1,
	StageMatching:   2,
	StageProcessing: 3,
	StageUpload:     4,
}

// Severity of an issue. Only errors gate the pipeline.
type Severity string

const (
	SeverityError      Severity = "error"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// Kind enumerates every issue the pipeline can report.
type Kind string

const (
	KindMissingHeader           Kind = "MISSING_HEADER"
	KindDuplicateSKU            Kind = "DUPLICATE_SKU"
	KindBlankSKU                Kind = "BLANK_SKU"
	KindBlankTargetName         Kind = "BLANK_TARGET_NAME"
	KindKeyNormalizationApplied Kind = "KEY_NORMALIZATION_APPLIED"
	KindBlankMatchKey           Kind = "BLANK_MATCH_KEY"
	KindManifestUnreadable      Kind = "MANIFEST_UNREADABLE"
	KindEmptyManifest           Kind = "EMPTY_MANIFEST"

	KindUnsupportedType       Kind = "UNSUPPORTED_TYPE"
	KindSizeExceeded          Kind = "SIZE_EXCEEDED"
	KindDuplicateAssetName    Kind = "DUPLICATE_ASSET_NAME"
	KindZeroByte              Kind = "ZERO_BYTE"
	KindTypeExtensionMismatch Kind = "TYPE_EXTENSION_MISMATCH"

	KindNoMatch             Kind = "NO_MATCH"
	KindOrphanAsset         Kind = "ORPHAN_ASSET"
	KindAmbiguousAsset      Kind = "AMBIGUOUS_ASSET"
	KindRenameCollision     Kind = "RENAME_COLLISION"
	KindNonProfessionalMode Kind = "NON_PROFESSIONAL_MODE"

	KindProcessingFailed Kind = "PROCESSING_FAILED"

	KindTransportRetryable Kind = "TRANSPORT_RETRYABLE"
	KindTransportPermanent Kind = "TRANSPORT_PERMANENT"
	KindCancelled          Kind = "CANCELLED"
)

// Issue is one entry of the validation report.
type Issue struct {
	Stage             Stage          `json:"stage"`
	Severity          Severity       `json:"severity"`
	Kind              Kind           `json:"kind"`
	Message           string         `json:"message"`
	Suggestion        string         `json:"suggestion,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	ProductRowIndex   *int           `json:"productRowIndex,omitempty"`
	AssetOriginalName string         `json:"assetOriginalName,omitempty"`
}

func (i Issue) String() string {
	s := fmt.Sprintf("[%s/%s] %s: %s", i.Stage, i.Severity, i.Kind, i.Message)
	if i.Suggestion != "" {
		s += " (" + i.Suggestion + ")"
	}
	return s
}

func rowRef(row int) *int { return &row }

func (i Issue) rowKey() int {
	if i.ProductRowIndex == nil {
		return -1
	}
	return *i.ProductRowIndex
}

// issueLess orders by (stage, kind, productRowIndex, assetOriginalName) and
// falls back to the message so equal keys still sort deterministically.
func issueLess(a, b Issue) bool {
	if a.Stage != b.Stage {
		return stageOrder[a.Stage] < stageOrder[b.Stage]
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.rowKey() != b.rowKey() {
		return a.rowKey() < b.rowKey()
	}
	if a.AssetOriginalName != b.AssetOriginalName {
		return a.AssetOriginalName < b.AssetOriginalName
	}
	return a.Message < b.Message
}

// SortIssues sorts issues in report order.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool { return issueLess(issues[i], issues[j]) })
}

// StageReport holds the issues of one pass split by severity.
type StageReport struct {
	Errors      []Issue        `json:"errors"`
	Warnings    []Issue        `json:"warnings"`
	Suggestions []Issue        `json:"suggestions"`
	Metadata    map[string]any `json:"metadata"`
}

func newStageReport() StageReport {
	return StageReport{
		Errors:      []Issue{},
		Warnings:    []Issue{},
		Suggestions: []Issue{},
		Metadata:    map[string]any{},
	}
}

// Report is the structured outcome of validation, processing and upload.
type Report struct {
	Manifest   StageReport `json:"manifest"`
	Assets     StageReport `json:"assets"`
	Matching   StageReport `json:"matching"`
	Processing StageReport `json:"processing"`
	Upload     StageReport `json:"upload"`
}

// NewReport sorts issues and files them under their stage and severity.
func NewReport(issues []Issue, metadata map[Stage]map[string]any) *Report {
	r := &Report{
		Manifest:   newStageReport(),
		Assets:     newStageReport(),
		Matching:   newStageReport(),
		Processing: newStageReport(),
		Upload:     newStageReport(),
	}
	sorted := append([]Issue(nil), issues...)
	SortIssues(sorted)
	for _, is := range sorted {
		sr := r.Stage(is.Stage)
		if sr == nil {
			continue
		}
		switch is.Severity {
		case SeverityError:
			sr.Errors = append(sr.Errors, is)
		case SeverityWarning:
			sr.Warnings = append(sr.Warnings, is)
		default:
			sr.Suggestions = append(sr.Suggestions, is)
		}
	}
	for st, md := range metadata {
		if sr := r.Stage(st); sr != nil {
			for k, v := range md {
				sr.Metadata[k] = v
			}
		}
	}
	return r
}

// Stage returns the section for st, or nil for an unknown stage.
func (r *Report) Stage(st Stage) *StageReport {
	switch st {
	case StageManifest:
		return &r.Manifest
	case StageAssets:
		return &r.Assets
	case StageMatching:
		return &r.Matching
	case StageProcessing:
		return &r.Processing
	case StageUpload:
		return &r.Upload
	}
	return nil
}

func (r *Report) stages() []*StageReport {
	return []*StageReport{&r.Manifest, &r.Assets, &r.Matching, &r.Processing, &r.Upload}
}

// ErrorCount is the number of error-severity issues across every stage.
func (r *Report) ErrorCount() int {
	n := 0
	for _, sr := range r.stages() {
		n += len(sr.Errors)
	}
	return n
}

// ValidationErrorCount counts errors of the three gating passes only.
func (r *Report) ValidationErrorCount() int {
	return len(r.Manifest.Errors) + len(r.Assets.Errors) + len(r.Matching.Errors)
}

// WarningCount is the number of warnings across every stage.
func (r *Report) WarningCount() int {
	n := 0
	for _, sr := range r.stages() {
		n += len(sr.Warnings)
	}
	return n
}

// Issues flattens the report back into its sorted issue list.
func (r *Report) Issues() []Issue {
	var out []Issue
	for _, sr := range r.stages() {
		out = append(out, sr.Errors...)
		out = append(out, sr.Warnings...)
		out = append(out, sr.Suggestions...)
	}
	SortIssues(out)
	return out
}

// HasKind reports whether any issue of kind k is present.
func (r *Report) HasKind(k Kind) bool {
	for _, is := range r.Issues() {
		if is.Kind == k {
			return true
		}
	}
	return false
}
