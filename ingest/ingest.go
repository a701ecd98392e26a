// Package ingest imports drug-registry exports (the MFDS 의약품 허가정보
// tables, as CSV or XLSX) into DrugRecords for the Record Store.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/brunobiangulo/ddi/record"
)

// Importer reads one file format.
type Importer interface {
	Import(ctx context.Context, path string) ([]record.DrugRecord, error)
	SupportedFormats() []string
}

// Registry maps file extensions to importers.
type Registry struct {
	importers map[string]Importer
}

// NewRegistry returns a registry with the CSV and XLSX importers.
func NewRegistry() *Registry {
	r := &Registry{importers: make(map[string]Importer)}
	for _, imp := range []Importer{&CSVImporter{}, &XLSXImporter{}} {
		for _, f := range imp.SupportedFormats() {
			r.importers[f] = imp
		}
	}
	return r
}

// Get returns the importer for format (an extension without the dot).
func (r *Registry) Get(format string) (Importer, error) {
	imp, ok := r.importers[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("no importer for format: %s", format)
	}
	return imp, nil
}

// Register adds or replaces the importer for format.
func (r *Registry) Register(format string, imp Importer) {
	r.importers[strings.ToLower(format)] = imp
}

// ImportFile picks an importer by the file extension.
func (r *Registry) ImportFile(ctx context.Context, path string) ([]record.DrugRecord, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	imp, err := r.Get(ext)
	if err != nil {
		return nil, err
	}
	return imp.Import(ctx, path)
}

type column int

const (
	colName column = iota
	colEnglishName
	colIngredients
	colClassification
	colCategory
	colIndications
)

// headerNames lists accepted header spellings per column, MFDS open-API
// names first, then the Korean labels of the portal download.
var headerNames = map[column][]string{
	colName:           {"ITEM_NAME", "품목명", "제품명", "약품명"},
	colEnglishName:    {"ITEM_ENG_NAME", "영문제품명", "영문명"},
	colIngredients:    {"MAIN_ITEM_INGR", "MAIN_INGR_ENG", "주성분", "성분", "주성분명"},
	colClassification: {"CLASS_NO_NAME", "식약처분류", "분류명", "약효분류"},
	colCategory:       {"ETC_OTC_CODE", "ETC_OTC_NAME", "전문일반", "전문/일반"},
	colIndications:    {"EE_DOC_DATA", "EE_DOC", "효능효과", "효능/효과"},
}

var headerIndex = func() map[string]column {
	m := make(map[string]column)
	for c, names := range headerNames {
		for _, n := range names {
			m[headerKey(n)] = c
		}
	}
	return m
}()

func headerKey(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "\ufeff")
	return strings.ToLower(strings.ReplaceAll(s, " ", ""))
}

// layout maps columns to cell indexes. The leftmost matching header wins.
type layout map[column]int

func detectLayout(header []string) (layout, bool) {
	l := layout{}
	for i, h := range header {
		c, ok := headerIndex[headerKey(h)]
		if !ok {
			continue
		}
		if _, seen := l[c]; !seen {
			l[c] = i
		}
	}
	_, ok := l[colName]
	return l, ok
}

func (l layout) cell(row []string, c column) string {
	i, ok := l[c]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// codeRe matches the bracketed ingredient codes MFDS prefixes, e.g. "[M040702]".
var codeRe = regexp.MustCompile(`\[[^\]]*\]`)

func splitIngredientCell(s string) []string {
	sep := "|"
	if !strings.Contains(s, sep) {
		sep = ","
	}
	var out []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(codeRe.ReplaceAllString(p, ""))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// toRecord converts one data row. ok is false for rows without a name.
func (l layout) toRecord(row []string) (record.DrugRecord, bool) {
	name := l.cell(row, colName)
	if name == "" {
		return record.DrugRecord{}, false
	}
	d := record.DrugRecord{
		CanonicalName:  name,
		Ingredients:    splitIngredientCell(l.cell(row, colIngredients)),
		Classification: codeRe.ReplaceAllString(l.cell(row, colClassification), ""),
		Indications:    l.cell(row, colIndications),
		Source:         record.SourceLocalDB,
	}
	d.Classification = strings.TrimSpace(d.Classification)
	if d.Classification == "" {
		d.Classification = l.cell(row, colCategory)
	}
	if eng := l.cell(row, colEnglishName); eng != "" && !record.SameDrug(eng, name) {
		d.Aliases = []string{eng}
	}
	return d, true
}

// collector folds records with the same name into one.
type collector struct {
	byKey map[string]int
	out   []record.DrugRecord
}

func newCollector() *collector { return &collector{byKey: make(map[string]int)} }

func (c *collector) add(d record.DrugRecord) {
	if j, dup := c.byKey[d.Key()]; dup {
		c.out[j] = record.MergeDrug(c.out[j], d)
		return
	}
	c.byKey[d.Key()] = len(c.out)
	c.out = append(c.out, d)
}

// collect converts data rows under layout l into c.
func (c *collector) collect(ctx context.Context, l layout, rows [][]string) error {
	for i, row := range rows {
		if i%1000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		if d, ok := l.toRecord(row); ok {
			c.add(d)
		}
	}
	return nil
}
