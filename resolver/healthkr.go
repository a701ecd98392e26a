package resolver

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/brunobiangulo/ddi/record"
)

// DefaultHealthKRBase is the drug search root of the Korean pharmaceutical
// information service.
const DefaultHealthKRBase = "https://www.health.kr/searchDrug"

var (
	drugCodeRe = regexp.MustCompile(`drug_cd=(\d+)`)

	productLabel        = regexp.MustCompile(`^제품명$`)
	ingredientLabel     = regexp.MustCompile(`^(성분\s*/\s*함량|주성분|성분명|원료약품)`)
	classificationLabel = regexp.MustCompile(`^(식약처\s*분류|분류)$`)
	indicationLabel     = regexp.MustCompile(`^효능\s*/?\s*효과`)
)

// HealthKR resolves drug monographs and interaction tables from health.kr.
type HealthKR struct {
	Fetcher Fetcher
	BaseURL string
}

// NewHealthKR returns a HealthKR resolver using f.
func NewHealthKR(f Fetcher) *HealthKR {
	return &HealthKR{Fetcher: f, BaseURL: DefaultHealthKRBase}
}

func (h *HealthKR) Name() string          { return "health.kr" }
func (h *HealthKR) Source() record.Source { return record.SourceCuratedWeb }

func (h *HealthKR) base() string {
	if h.BaseURL == "" {
		return DefaultHealthKRBase
	}
	return strings.TrimRight(h.BaseURL, "/")
}

// Resolve searches for drug, reads its detail page and, when partner is
// set, scans the drug's interaction table for the partner.
func (h *HealthKR) Resolve(ctx context.Context, drug, partner string) (*record.Extraction, error) {
	code, err := h.search(ctx, drug)
	if err != nil || code == "" {
		return nil, err
	}

	detailURL := h.base() + "/result_drug.asp?drug_cd=" + code
	doc, err := fetchDoc(ctx, h.Fetcher, detailURL)
	if err != nil {
		return nil, fmt.Errorf("health.kr detail: %w", err)
	}
	ext := parseHealthKRDetail(doc)
	ext.Drug = drug
	if ext.product != "" && !record.SameDrug(ext.product, drug) {
		ext.Aliases = []string{ext.product}
	}
	ext.Source = record.SourceCuratedWeb
	ext.SourceName = h.Name()
	ext.Evidence = []string{detailURL}
	ext.FetchedAt = time.Now().UTC()

	if partner != "" {
		interURL := h.base() + "/result_interaction.asp?drug_cd=" + code
		idoc, err := fetchDoc(ctx, h.Fetcher, interURL)
		switch {
		case err != nil && !IsNotFound(err):
			return nil, fmt.Errorf("health.kr interactions: %w", err)
		case err == nil:
			if sev, desc, ok := findHealthKRInteraction(idoc, partner); ok {
				ext.Partner = partner
				ext.Severity = sev
				ext.Description = desc
				ext.Evidence = append(ext.Evidence, interURL)
			}
		}
	}

	if !ext.HasDrugFields() && !ext.HasInteraction() {
		return nil, nil
	}
	return &ext.Extraction, nil
}

func (h *HealthKR) search(ctx context.Context, drug string) (string, error) {
	searchURL := h.base() + "/result_drug.asp?keyword=" + url.QueryEscape(drug)
	body, err := h.Fetcher.Fetch(ctx, searchURL)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("health.kr search: %w", err)
	}
	if m := drugCodeRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}
	return "", nil
}

type healthKRDetail struct {
	record.Extraction
	product string
}

func parseHealthKRDetail(doc *goquery.Document) healthKRDetail {
	var d healthKRDetail
	d.product = labelValue(doc, productLabel)
	if v := labelValue(doc, ingredientLabel); v != "" {
		d.Ingredients = splitIngredients(v)
	}
	d.Classification = labelValue(doc, classificationLabel)
	d.Indications = labelValue(doc, indicationLabel)
	return d
}

// findHealthKRInteraction scans the interaction table (ingredient 1,
// ingredient 2, content) for a row naming partner.
func findHealthKRInteraction(doc *goquery.Document, partner string) (record.Severity, string, bool) {
	var (
		sev   record.Severity
		desc  string
		found bool
	)
	doc.Find("table.result_table3 tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.Find("td")
		if cells.Length() < 3 {
			return true
		}
		a := cleanText(cells.Eq(0).Text())
		b := cleanText(cells.Eq(1).Text())
		content := cleanText(cells.Eq(cells.Length() - 1).Text())
		if !mentions(a, partner) && !mentions(b, partner) {
			return true
		}
		found = true
		desc = content
		sev = record.ParseSeverity(content)
		if sev == "" {
			sev = record.SeverityUnknown
		}
		return false
	})
	return sev, desc, found
}
