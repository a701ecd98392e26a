package ddi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brunobiangulo/ddi/record"
)

func TestFormatAnswerSingleDrug(t *testing.T) {
	d := &record.DrugRecord{
		CanonicalName: "아스피린",
		Aliases:       []string{"Aspirin"},
		Ingredients:   []string{"아세틸살리실산"},
		Source:        record.SourceLocalDB,
		Confidence:    0.9,
	}
	out := FormatAnswer("아스피린", d, "", nil, nil)

	assert.Contains(t, out, "### 약물 1: 아스피린")
	assert.Contains(t, out, "**구성 성분:** 아세틸살리실산")
	assert.Contains(t, out, "**분류:** 정보 없음")
	assert.Contains(t, out, "**다른 이름:** Aspirin")
	assert.Contains(t, out, "로컬 DB")
	assert.Contains(t, out, "0.90")
	assert.NotContains(t, out, "상호작용")
}

func TestFormatAnswerPair(t *testing.T) {
	a := &record.DrugRecord{CanonicalName: "와파린"}
	r := &record.InteractionRecord{
		DrugA: "아스피린", DrugB: "와파린",
		Severity:    record.SeverityContraindicated,
		Description: "출혈 위험 증가",
		Source:      record.SourceCuratedWeb,
		Confidence:  0.8,
		Evidence:    []string{"https://www.health.kr/x", "PMID 123"},
	}
	out := FormatAnswer("와파린", a, "아스피린", nil, r)

	assert.Contains(t, out, "### 약물 2: 아스피린")
	assert.Contains(t, out, "- 정보 없음", "missing partner record gets a placeholder")
	assert.Contains(t, out, "병용금기")
	assert.Contains(t, out, "출혈 위험 증가")
	assert.Contains(t, out, "공인 웹 자료")
	assert.Contains(t, out, "  - PMID 123")
	assert.Less(t, strings.Index(out, "약물 1"), strings.Index(out, "두 약물의 상호작용"))
}

func TestFormatAnswerPairWithoutInteraction(t *testing.T) {
	a := &record.DrugRecord{CanonicalName: "와파린", Ingredients: []string{"와파린나트륨"}}
	out := FormatAnswer("와파린", a, "아스피린", nil, nil)
	assert.Contains(t, out, "명확한 상호작용 정보를 찾지 못했습니다")
}

func TestFormatAnswerNothingFound(t *testing.T) {
	out := FormatAnswer("타이레놀", nil, "", nil, nil)
	assert.Contains(t, out, "### 타이레놀")
	assert.Contains(t, out, insufficientText)

	out = FormatAnswer("와파린", nil, "아스피린", nil, nil)
	assert.Contains(t, out, "와파린 + 아스피린")
}

func TestFormatAnswerUnknownSeverityAndConfidence(t *testing.T) {
	r := &record.InteractionRecord{DrugA: "a", DrugB: "b", Severity: "weird"}
	out := FormatAnswer("a", &record.DrugRecord{CanonicalName: "a"}, "b", nil, r)
	assert.Contains(t, out, "**위험도:** 미상")
	assert.Contains(t, out, "**요약:** 정보 없음")
	assert.Contains(t, out, "N/A")
}

func TestFormatAmbiguous(t *testing.T) {
	out := formatAmbiguous([]Ambiguity{{
		Query:      "타이레놀",
		Candidates: []string{"타이레놀정500밀리그램", "타이레놀콜드에스정"},
		Scores:     []int{100, 100},
	}})
	assert.Contains(t, out, "'타이레놀'에 해당하는 약물이 여러 개입니다")
	assert.Contains(t, out, "- 타이레놀콜드에스정 (유사도 100)")
}
