package ingest

import (
	"fmt"
	"sort"
	"strings"
)

// MatchReason records why an asset was paired with a product.
type MatchReason string

const (
	ReasonKeyEqual           MatchReason = "keyEqual"
	ReasonKeyPrefix          MatchReason = "keyPrefix"
	ReasonKeyContainedInName MatchReason = "keyContainedInName"
)

func (r MatchReason) tier() int {
	switch r {
	case ReasonKeyEqual:
		return 0
	case ReasonKeyPrefix:
		return 1
	default:
		return 2
	}
}

// MatchEdge pairs one product with one asset.
type MatchEdge struct {
	ProductRowIndex   int         `json:"productRowIndex"`
	AssetOriginalName string      `json:"assetOriginalName"`
	Ordinal           int         `json:"ordinal"`
	Reason            MatchReason `json:"reason"`
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// containsBounded reports whether key occurs in s with a non-alphanumeric
// byte (or the string edge) on both sides. Both must already be lowercased.
func containsBounded(s, key string) bool {
	if key == "" {
		return false
	}
	for from := 0; from+len(key) <= len(s); {
		i := strings.Index(s[from:], key)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(key)
		if (start == 0 || !isAlnum(s[start-1])) && (end == len(s) || !isAlnum(s[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

// MatchAsset classifies how asset relates to a normalized match key.
func MatchAsset(a *ImageAsset, key string) (MatchReason, bool) {
	k := strings.ToLower(key)
	stem := strings.ToLower(a.Stem)
	if !containsBounded(stem, k) {
		return "", false
	}
	if stem == k {
		return ReasonKeyEqual, true
	}
	name := strings.ToLower(a.OriginalName)
	if strings.HasPrefix(name, k) && len(name) > len(k) && !isAlnum(name[len(k)]) {
		return ReasonKeyPrefix, true
	}
	return ReasonKeyContainedInName, true
}

type candidate struct {
	row    int
	asset  *ImageAsset
	reason MatchReason
}

// Match pairs products with assets. It runs only in professional mode; each
// asset goes to the lowest-row product that matches it.
func Match(m *Manifest, inv *Inventory) ([]MatchEdge, []Issue) {
	if m == nil || !m.ProfessionalMode {
		return nil, []Issue{{
			Stage:      StageMatching,
			Severity:   SeveritySuggestion,
			Kind:       KindNonProfessionalMode,
			Message:    "manifest has no match key column values, automatic matching skipped",
			Suggestion: "add a ref or matchKey column to pair images with products",
		}}
	}

	var issues []Issue
	byAsset := map[string][]candidate{}
	byRow := map[int][]candidate{}
	for _, rec := range m.Records {
		if rec.MatchKey == "" {
			continue
		}
		for _, a := range inv.Assets() {
			if reason, ok := MatchAsset(a, rec.MatchKey); ok {
				c := candidate{row: rec.RowIndex, asset: a, reason: reason}
				byAsset[a.OriginalName] = append(byAsset[a.OriginalName], c)
				byRow[rec.RowIndex] = append(byRow[rec.RowIndex], c)
			}
		}
	}

	awarded := map[int][]candidate{}
	for _, a := range inv.Assets() {
		cands := byAsset[a.OriginalName]
		if len(cands) == 0 {
			issues = append(issues, Issue{
				Stage:             StageMatching,
				Severity:          SeverityWarning,
				Kind:              KindOrphanAsset,
				Message:           fmt.Sprintf("%s matches no product", a.OriginalName),
				Suggestion:        "check the file name contains a product reference",
				AssetOriginalName: a.OriginalName,
			})
			continue
		}
		// records are iterated in row order, so the first candidate is the lowest row
		win := cands[0]
		awarded[win.row] = append(awarded[win.row], win)
		if len(cands) > 1 {
			rows := make([]int, 0, len(cands)-1)
			for _, c := range cands[1:] {
				rows = append(rows, c.row)
			}
			issues = append(issues, Issue{
				Stage:             StageMatching,
				Severity:          SeverityWarning,
				Kind:              KindAmbiguousAsset,
				Message:           fmt.Sprintf("%s matches %d products, awarded to row %d", a.OriginalName, len(cands), win.row),
				Suggestion:        "make the match keys more specific",
				Details:           map[string]any{"awardedTo": win.row, "conflictingRows": rows},
				ProductRowIndex:   rowRef(win.row),
				AssetOriginalName: a.OriginalName,
			})
		}
	}

	var edges []MatchEdge
	for _, rec := range m.Records {
		if rec.MatchKey == "" {
			continue
		}
		won := awarded[rec.RowIndex]
		if len(won) == 0 {
			details := map[string]any{"sku": rec.SKU, "matchKey": rec.MatchKey}
			if lost := byRow[rec.RowIndex]; len(lost) > 0 {
				var winners []int
				seen := map[int]bool{}
				for _, c := range lost {
					w := byAsset[c.asset.OriginalName][0].row
					if !seen[w] {
						seen[w] = true
						winners = append(winners, w)
					}
				}
				sort.Ints(winners)
				details["contestedBy"] = winners
			}
			issues = append(issues, Issue{
				Stage:           StageMatching,
				Severity:        SeverityError,
				Kind:            KindNoMatch,
				Message:         fmt.Sprintf("sku %s (key %q) matched no asset", rec.SKU, rec.MatchKey),
				Suggestion:      "upload an image whose name contains the key, or fix the key",
				Details:         details,
				ProductRowIndex: rowRef(rec.RowIndex),
			})
			continue
		}
		sort.SliceStable(won, func(i, j int) bool {
			if ti, tj := won[i].reason.tier(), won[j].reason.tier(); ti != tj {
				return ti < tj
			}
			return nameLess(won[i].asset.OriginalName, won[j].asset.OriginalName)
		})
		for ord, c := range won {
			edges = append(edges, MatchEdge{
				ProductRowIndex:   rec.RowIndex,
				AssetOriginalName: c.asset.OriginalName,
				Ordinal:           ord,
				Reason:            c.reason,
			})
		}
	}
	return edges, issues
}
