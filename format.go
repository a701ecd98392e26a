package ddi

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/ddi/record"
)

// Placeholder shown for fields no source supplied.
const notAvailable = "정보 없음"

const insufficientText = "DB와 외부 자료에서 충분한 정보를 찾지 못했습니다. 약사 또는 의사와 상담하거나 최신 자료로 추가 확인이 필요합니다."

var severityLabels = map[record.Severity]string{
	record.SeverityNone:            "상호작용 없음",
	record.SeverityMinor:           "경미 (minor)",
	record.SeverityModerate:        "주의 (moderate)",
	record.SeverityMajor:           "중대 (major)",
	record.SeverityContraindicated: "병용금기 (contraindicated)",
	record.SeverityUnknown:         "미상",
}

var sourceLabels = map[record.Source]string{
	record.SourceLocalDB:    "로컬 DB",
	record.SourceCuratedWeb: "공인 웹 자료",
	record.SourceGenericWeb: "웹 검색",
	record.SourceLLM:        "LLM 추정",
	record.SourceNone:       "없음",
}

// FormatAnswer renders the resolved records as Korean markdown. a is
// required; b and interaction may be nil. For a pair query (b != nil or
// partner != "") the interaction section is always present.
func FormatAnswer(query string, a *record.DrugRecord, partner string, b *record.DrugRecord, interaction *record.InteractionRecord) string {
	if a == nil && b == nil && interaction == nil {
		return insufficient(query, partner)
	}

	var sb strings.Builder
	writeDrug(&sb, 1, query, a)
	if partner != "" {
		sb.WriteString("\n")
		writeDrug(&sb, 2, partner, b)
		sb.WriteString("\n")
		writeInteraction(&sb, interaction)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func insufficient(query, partner string) string {
	name := query
	if partner != "" {
		name = query + " + " + partner
	}
	return fmt.Sprintf("### %s\n\n%s", name, insufficientText)
}

func writeDrug(sb *strings.Builder, n int, query string, d *record.DrugRecord) {
	name := query
	if d != nil && d.CanonicalName != "" {
		name = d.CanonicalName
	}
	fmt.Fprintf(sb, "### 약물 %d: %s\n\n", n, name)
	if d == nil {
		fmt.Fprintf(sb, "- %s\n", notAvailable)
		return
	}
	if len(d.Aliases) > 0 {
		fmt.Fprintf(sb, "- **다른 이름:** %s\n", strings.Join(d.Aliases, ", "))
	}
	fmt.Fprintf(sb, "- **구성 성분:** %s\n", orNA(strings.Join(d.Ingredients, ", ")))
	fmt.Fprintf(sb, "- **분류:** %s\n", orNA(d.Classification))
	fmt.Fprintf(sb, "- **효능/효과:** %s\n", orNA(d.Indications))
	fmt.Fprintf(sb, "- **출처:** %s | **신뢰도:** %s\n", sourceLabel(d.Source), confidence(d.Confidence))
}

func writeInteraction(sb *strings.Builder, r *record.InteractionRecord) {
	sb.WriteString("### 두 약물의 상호작용\n\n")
	if r == nil {
		sb.WriteString("- DB와 외부 자료에서 명확한 상호작용 정보를 찾지 못했습니다. 최신 자료를 기반으로 추가 확인이 필요합니다.\n")
		return
	}
	fmt.Fprintf(sb, "- **위험도:** %s\n", severityLabel(r.Severity))
	fmt.Fprintf(sb, "- **요약:** %s\n", orNA(r.Description))
	fmt.Fprintf(sb, "- **출처:** %s | **신뢰도:** %s\n", sourceLabel(r.Source), confidence(r.Confidence))
	if len(r.Evidence) > 0 {
		sb.WriteString("- **근거:**\n")
		for _, ev := range r.Evidence {
			fmt.Fprintf(sb, "  - %s\n", ev)
		}
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return notAvailable
	}
	return s
}

func severityLabel(s record.Severity) string {
	if l, ok := severityLabels[s]; ok {
		return l
	}
	return severityLabels[record.SeverityUnknown]
}

func sourceLabel(s record.Source) string {
	if l, ok := sourceLabels[s]; ok {
		return l
	}
	return notAvailable
}

func confidence(c float64) string {
	if c <= 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", c)
}

func formatAmbiguous(amb []Ambiguity) string {
	var sb strings.Builder
	sb.WriteString("### 약물 이름 확인 필요\n")
	for _, a := range amb {
		fmt.Fprintf(&sb, "\n'%s'에 해당하는 약물이 여러 개입니다. 정확한 제품명을 선택해 주세요.\n\n", a.Query)
		for i, c := range a.Candidates {
			fmt.Fprintf(&sb, "- %s", c)
			if i < len(a.Scores) {
				fmt.Fprintf(&sb, " (유사도 %d)", a.Scores[i])
			}
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
