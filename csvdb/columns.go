package csvdb

import (
	"fmt"
	"strings"
)

// field is a logical column of the interaction table.
type field int

const (
	fieldDrug field = iota
	fieldPartner
	fieldAliases
	fieldIngredients
	fieldClassification
	fieldIndications
	fieldSeverity
	fieldInteraction
	fieldSource
	fieldConfidence
	fieldEvidence
	fieldUpdatedAt
	numFields
)

// header is the column order the store writes.
var header = [numFields]string{
	"drug", "partner", "aliases", "ingredients", "classification", "indications",
	"severity", "interaction", "source", "confidence", "evidence", "updated_at",
}

// multiValued fields concatenate every matching column; the rest take the
// first non-empty one.
var multiValued = map[field]bool{
	fieldAliases:     true,
	fieldIngredients: true,
	fieldIndications: true,
	fieldEvidence:    true,
}

// columnAliases lists accepted header names per field, including the Korean
// and MFDS names found in legacy tables.
var columnAliases = map[field][]string{
	fieldDrug:           {"drug", "drug_name", "name", "제품명", "제품명1", "약품명", "item_name"},
	fieldPartner:        {"partner", "상대약물", "상호작용상대", "제품명2", "상대"},
	fieldAliases:        {"aliases", "alias", "별칭", "동의어"},
	fieldIngredients:    {"ingredients", "component", "components", "성분", "성분1", "성분2", "성분3", "성분_리스트", "main_item_ingr"},
	fieldClassification: {"classification", "식약처분류", "분류", "class"},
	fieldIndications:    {"indications", "효능", "효능/효과", "효능/효과1", "효능/효과2", "ee_doc"},
	fieldSeverity:       {"severity", "등급", "결과"},
	fieldInteraction:    {"interaction", "description", "상호작용", "설명", "사유"},
	fieldSource:         {"source", "출처"},
	fieldConfidence:     {"confidence", "신뢰도"},
	fieldEvidence:       {"evidence", "근거"},
	fieldUpdatedAt:      {"updated_at", "업데이트", "수정일"},
}

// aliasIndex maps a normalised header name to its field. Built and checked
// once at package load.
var aliasIndex = mustBuildAliasIndex()

func mustBuildAliasIndex() map[string]field {
	idx, err := buildAliasIndex(columnAliases)
	if err != nil {
		panic(err)
	}
	return idx
}

func buildAliasIndex(aliases map[field][]string) (map[string]field, error) {
	idx := make(map[string]field)
	for f := field(0); f < numFields; f++ {
		names := aliases[f]
		if len(names) == 0 {
			return nil, fmt.Errorf("csvdb: no column aliases for field %q", header[f])
		}
		for _, n := range names {
			k := normalizeHeader(n)
			if prev, ok := idx[k]; ok && prev != f {
				return nil, fmt.Errorf("csvdb: column alias %q maps to both %q and %q", n, header[prev], header[f])
			}
			idx[k] = f
		}
	}
	return idx, nil
}

func normalizeHeader(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ToLower(strings.TrimSpace(s))
}

// ownHeader reports whether row is exactly the header this store writes.
func ownHeader(row []string) bool {
	if len(row) != len(header) {
		return false
	}
	for i, name := range row {
		if normalizeHeader(name) != header[i] {
			return false
		}
	}
	return true
}

// layout maps each field to the column indexes that feed it.
type layout [numFields][]int

// resolveLayout maps a header row to fields. Unknown columns are ignored.
// A table with no drug column cannot be keyed and is rejected.
func resolveLayout(row []string) (layout, error) {
	var l layout
	for i, name := range row {
		f, ok := aliasIndex[normalizeHeader(name)]
		if !ok {
			continue
		}
		l[f] = append(l[f], i)
	}
	if len(l[fieldDrug]) == 0 {
		return l, fmt.Errorf("csvdb: header has no drug column: %v", row)
	}
	return l, nil
}

// get returns the value of f in row. Multi-valued fields return every
// non-empty matching cell.
func (l layout) get(row []string, f field) []string {
	var out []string
	for _, i := range l[f] {
		if i >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[i])
		if v == "" {
			continue
		}
		out = append(out, v)
		if !multiValued[f] {
			break
		}
	}
	return out
}

func (l layout) first(row []string, f field) string {
	if v := l.get(row, f); len(v) > 0 {
		return v[0]
	}
	return ""
}
