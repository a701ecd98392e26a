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

// DefaultDDInterBase is the DDInter site root.
const DefaultDDInterBase = "https://ddinter.scbdd.com"

var (
	ddinterLevelRe       = regexp.MustCompile(`(?i)\b(major|moderate|minor|unknown)\b`)
	ddinterInteractionRe = regexp.MustCompile(`(?s)\bInteraction\s+(.*?)(?:\s+(?:Management|References|Alternative for)\b|$)`)
	ddinterManagementRe  = regexp.MustCompile(`(?s)\bManagement\s+(.*?)(?:\s+(?:References|Alternative for)\b|$)`)
)

// DDInter resolves drug pairs from the DDInter interaction database.
// It answers pair queries only.
type DDInter struct {
	Fetcher Fetcher
	BaseURL string
}

// NewDDInter returns a DDInter resolver using f.
func NewDDInter(f Fetcher) *DDInter {
	return &DDInter{Fetcher: f, BaseURL: DefaultDDInterBase}
}

func (d *DDInter) Name() string          { return "ddinter" }
func (d *DDInter) Source() record.Source { return record.SourceCuratedWeb }

func (d *DDInter) base() string {
	if d.BaseURL == "" {
		return DefaultDDInterBase
	}
	return strings.TrimRight(d.BaseURL, "/")
}

// Resolve finds drug's DDInter entry, follows the interaction link naming
// partner and parses the pair page.
func (d *DDInter) Resolve(ctx context.Context, drug, partner string) (*record.Extraction, error) {
	if partner == "" {
		return nil, nil
	}

	searchURL := d.base() + "/ddinter/search/?keyword=" + url.QueryEscape(drug)
	doc, err := fetchDoc(ctx, d.Fetcher, searchURL)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ddinter search: %w", err)
	}
	detail := d.firstLink(doc, `a[href*="/drug-detail/"]`, drug)
	if detail == "" {
		return nil, nil
	}

	doc, err = fetchDoc(ctx, d.Fetcher, detail)
	if err != nil {
		return nil, fmt.Errorf("ddinter drug page: %w", err)
	}
	pair := d.firstLink(doc, `a[href*="/interact/"]`, partner)
	if pair == "" {
		return nil, nil
	}

	doc, err = fetchDoc(ctx, d.Fetcher, pair)
	if err != nil {
		return nil, fmt.Errorf("ddinter pair page: %w", err)
	}
	sev, desc, refs := parseDDInterPair(doc)
	if desc == "" && sev == record.SeverityUnknown {
		return nil, nil
	}
	return &record.Extraction{
		Drug:        drug,
		Partner:     partner,
		Severity:    sev,
		Description: desc,
		Source:      record.SourceCuratedWeb,
		SourceName:  d.Name(),
		Evidence:    append([]string{pair}, refs...),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// firstLink returns the absolute href of the first anchor matching sel
// whose text (or enclosing row) names name.
func (d *DDInter) firstLink(doc *goquery.Document, sel, name string) string {
	var href string
	doc.Find(sel).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := a.Text()
		if row := a.Closest("tr"); row.Length() > 0 {
			text = row.Text()
		}
		if !mentions(text, name) {
			return true
		}
		h, _ := a.Attr("href")
		href = d.absolute(h)
		return false
	})
	return href
}

func (d *DDInter) absolute(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	base, err := url.Parse(d.base() + "/")
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

// parseDDInterPair reads severity, description (interaction plus
// management text) and reference links from a pair page.
func parseDDInterPair(doc *goquery.Document) (record.Severity, string, []string) {
	sev := record.SeverityUnknown
	level := cleanText(doc.Find(".level, .severity, [class*='level']").First().Text())
	if level == "" {
		level = cleanText(doc.Find("body").Text())
	}
	if m := ddinterLevelRe.FindStringSubmatch(level); m != nil {
		sev = record.ParseSeverity(m[1])
	}

	text := cleanText(doc.Find("body").Text())
	var parts []string
	if m := ddinterInteractionRe.FindStringSubmatch(text); m != nil {
		parts = append(parts, strings.TrimSpace(m[1]))
	}
	if m := ddinterManagementRe.FindStringSubmatch(text); m != nil {
		parts = append(parts, "Management: "+strings.TrimSpace(m[1]))
	}

	var refs []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		h, _ := a.Attr("href")
		if strings.Contains(h, "pubmed") || strings.Contains(h, "doi.org") || strings.Contains(h, "ncbi.nlm.nih.gov") {
			refs = append(refs, h)
		}
	})
	return sev, strings.Join(parts, " "), refs
}
