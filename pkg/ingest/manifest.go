package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// ProductRecord is one accepted manifest row.
type ProductRecord struct {
	RowIndex        int               `json:"rowIndex"`
	Line            int               `json:"line"`
	SKU             string            `json:"sku"`
	TargetImageName string            `json:"targetImageName"`
	MatchKey        string            `json:"matchKey,omitempty"`
	DisplayName     string            `json:"displayName,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Manifest is the parsed product table.
type Manifest struct {
	Records          []ProductRecord `json:"records"`
	ProfessionalMode bool            `json:"professionalMode"`
	Delimiter        string          `json:"delimiter"`
	Columns          []string        `json:"columns"`
	UnknownColumns   []string        `json:"unknownColumns,omitempty"`
	DataRows         int             `json:"dataRows"`
}

// Record returns the accepted record with the given row index.
func (m *Manifest) Record(rowIndex int) (ProductRecord, bool) {
	if m == nil {
		return ProductRecord{}, false
	}
	i := sort.Search(len(m.Records), func(i int) bool { return m.Records[i].RowIndex >= rowIndex })
	if i < len(m.Records) && m.Records[i].RowIndex == rowIndex {
		return m.Records[i], true
	}
	return ProductRecord{}, false
}

const (
	fieldSKU         = "sku"
	fieldTarget      = "targetImageName"
	fieldMatchKey    = "matchKey"
	fieldDisplayName = "displayName"
)

// header aliases, compared after trimming and lowercasing
var headerAliases = map[string]string{
	"sku":             fieldSKU,
	"targetimagename": fieldTarget,
	"image name":      fieldTarget,
	"image_name":      fieldTarget,
	"matchkey":        fieldMatchKey,
	"ref":             fieldMatchKey,
	"displayname":     fieldDisplayName,
	"name":            fieldDisplayName,
	"product_name":    fieldDisplayName,
}

var (
	utf8BOM        = []byte{0xEF, 0xBB, 0xBF}
	floatKeyRegexp = regexp.MustCompile(`^\d+\.0+$`)
	delimiters     = []rune{',', ';', '\t', '|'}
)

// NormalizeMatchKey trims the key and strips a spreadsheet float suffix
// ("111211.0" becomes "111211"). changed is true when the suffix was removed.
func NormalizeMatchKey(raw string) (key string, changed bool) {
	key = strings.TrimSpace(raw)
	if floatKeyRegexp.MatchString(key) {
		return key[:strings.IndexByte(key, '.')], true
	}
	return key, false
}

func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, bestN := ',', bytes.Count(line, []byte{','})
	for _, d := range delimiters[1:] {
		if n := bytes.Count(line, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

type rawRow struct {
	rowIndex int
	line     int
	fields   []string
}

func unreadable(err error) (*Manifest, []Issue, error) {
	issue := Issue{
		Stage:      StageManifest,
		Severity:   SeverityError,
		Kind:       KindManifestUnreadable,
		Message:    fmt.Sprintf("manifest could not be read: %v", err),
		Suggestion: "export the sheet as UTF-8 CSV and retry",
	}
	return nil, []Issue{issue}, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
}

// ParseManifest reads a delimited product table. The returned error is
// non-nil only when the stream itself is unusable; every row-level defect is
// reported as an issue instead.
func ParseManifest(r io.Reader) (*Manifest, []Issue, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return unreadable(err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return unreadable(errors.New("content is not valid UTF-8"))
	}
	// leading blank lines would hide the header from the sniffer
	data = bytes.TrimLeft(data, "\r\n")

	delim := sniffDelimiter(data)
	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Manifest{Delimiter: string(delim)}, []Issue{{
			Stage:      StageManifest,
			Severity:   SeverityError,
			Kind:       KindEmptyManifest,
			Message:    "manifest has no header row",
			Suggestion: "provide a header with at least sku and targetImageName columns",
		}}, nil
	}
	if err != nil {
		return unreadable(err)
	}

	m := &Manifest{Delimiter: string(delim)}
	var issues []Issue

	idx := map[string]int{fieldSKU: -1, fieldTarget: -1, fieldMatchKey: -1, fieldDisplayName: -1}
	extraCols := map[int]string{}
	for i, h := range header {
		name := strings.TrimSpace(h)
		m.Columns = append(m.Columns, name)
		field, known := headerAliases[strings.ToLower(name)]
		switch {
		case known && idx[field] < 0:
			idx[field] = i
		case name != "":
			extraCols[i] = name
			if !known {
				m.UnknownColumns = append(m.UnknownColumns, name)
			}
		}
	}
	for _, req := range []string{fieldSKU, fieldTarget} {
		if idx[req] < 0 {
			issues = append(issues, Issue{
				Stage:      StageManifest,
				Severity:   SeverityError,
				Kind:       KindMissingHeader,
				Message:    fmt.Sprintf("required column %q not found in header", req),
				Suggestion: fmt.Sprintf("add a %q column", req),
				Details:    map[string]any{"column": req, "header": append([]string(nil), m.Columns...)},
			})
		}
	}

	var rows []rawRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return unreadable(err)
		}
		if blankRow(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, rawRow{rowIndex: len(rows), line: line, fields: rec})
	}
	m.DataRows = len(rows)

	if len(issues) > 0 {
		return m, issues, nil
	}
	if len(rows) == 0 {
		issues = append(issues, Issue{
			Stage:      StageManifest,
			Severity:   SeverityError,
			Kind:       KindEmptyManifest,
			Message:    "manifest has a header but no data rows",
			Suggestion: "add at least one product row",
		})
		return m, issues, nil
	}

	// professional mode is decided over the whole table before rows are judged
	if idx[fieldMatchKey] >= 0 {
		for _, row := range rows {
			if cell(row.fields, idx[fieldMatchKey]) != "" {
				m.ProfessionalMode = true
				break
			}
		}
	}

	seen := map[string]int{}
	for _, row := range rows {
		rowIdx := row.rowIndex
		sku := cell(row.fields, idx[fieldSKU])
		target := cell(row.fields, idx[fieldTarget])
		rawKey := cell(row.fields, idx[fieldMatchKey])
		details := func(kv ...any) map[string]any {
			d := map[string]any{"line": row.line}
			for i := 0; i+1 < len(kv); i += 2 {
				d[kv[i].(string)] = kv[i+1]
			}
			return d
		}

		if sku == "" {
			issues = append(issues, Issue{
				Stage:           StageManifest,
				Severity:        SeverityError,
				Kind:            KindBlankSKU,
				Message:         fmt.Sprintf("row on line %d has no sku", row.line),
				Suggestion:      "fill in the sku or delete the row",
				Details:         details(),
				ProductRowIndex: rowRef(rowIdx),
			})
			continue
		}
		if first, dup := seen[sku]; dup {
			issues = append(issues, Issue{
				Stage:           StageManifest,
				Severity:        SeverityError,
				Kind:            KindDuplicateSKU,
				Message:         fmt.Sprintf("sku %q repeats row %d", sku, first),
				Suggestion:      "merge the duplicate rows",
				Details:         details("sku", sku, "firstRowIndex", first),
				ProductRowIndex: rowRef(rowIdx),
			})
			continue
		}
		seen[sku] = rowIdx

		if target == "" && m.ProfessionalMode {
			issues = append(issues, Issue{
				Stage:           StageManifest,
				Severity:        SeverityError,
				Kind:            KindBlankTargetName,
				Message:         fmt.Sprintf("sku %q has no target image name", sku),
				Suggestion:      "fill in targetImageName",
				Details:         details("sku", sku),
				ProductRowIndex: rowRef(rowIdx),
			})
		}

		key, changed := NormalizeMatchKey(rawKey)
		if changed {
			issues = append(issues, Issue{
				Stage:           StageManifest,
				Severity:        SeveritySuggestion,
				Kind:            KindKeyNormalizationApplied,
				Message:         fmt.Sprintf("match key %q normalized to %q", rawKey, key),
				Suggestion:      "format the key column as text in the spreadsheet",
				Details:         details("original", rawKey, "normalized", key),
				ProductRowIndex: rowRef(rowIdx),
			})
		}
		if key == "" && m.ProfessionalMode {
			issues = append(issues, Issue{
				Stage:           StageManifest,
				Severity:        SeverityWarning,
				Kind:            KindBlankMatchKey,
				Message:         fmt.Sprintf("sku %q has no match key and will not receive images", sku),
				Suggestion:      "fill in the match key",
				Details:         details("sku", sku),
				ProductRowIndex: rowRef(rowIdx),
			})
		}

		rec := ProductRecord{
			RowIndex:        rowIdx,
			Line:            row.line,
			SKU:             sku,
			TargetImageName: target,
			MatchKey:        key,
			DisplayName:     cell(row.fields, idx[fieldDisplayName]),
		}
		for col, name := range extraCols {
			if v := cell(row.fields, col); v != "" {
				if rec.Extra == nil {
					rec.Extra = map[string]string{}
				}
				rec.Extra[name] = v
			}
		}
		m.Records = append(m.Records, rec)
	}
	return m, issues, nil
}

func (m *Manifest) metadata() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	unknown := m.UnknownColumns
	if unknown == nil {
		unknown = []string{}
	}
	return map[string]any{
		"delimiter":        m.Delimiter,
		"dataRows":         m.DataRows,
		"records":          len(m.Records),
		"professionalMode": m.ProfessionalMode,
		"unknownColumns":   unknown,
	}
}
