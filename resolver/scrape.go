package resolver

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/brunobiangulo/ddi/match"
)

var spaceRe = regexp.MustCompile(`\s+`)

// cleanText collapses whitespace and drops the "복사" copy-button label
// registry pages put next to values.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "복사", " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func fetchDoc(ctx context.Context, f Fetcher, rawURL string) (*goquery.Document, error) {
	body, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// labelValue finds the first th/td whose text matches label and returns
// the text of the next td in the same row.
func labelValue(doc *goquery.Document, label *regexp.Regexp) string {
	var out string
	doc.Find("th, td").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		if !label.MatchString(cleanText(cell.Text())) {
			return true
		}
		next := cell.NextAllFiltered("td").First()
		if next.Length() == 0 {
			return true
		}
		out = cleanText(next.Text())
		return out == ""
	})
	return out
}

// mentions reports whether text names drug, ignoring spacing and case.
func mentions(text, drug string) bool {
	d := match.Normalize(drug)
	return d != "" && strings.Contains(match.Normalize(text), d)
}

var listSepRe = regexp.MustCompile(`\s*(?:[;,/•·\n]|\s-\s)\s*`)

// strengthRe matches dosage strengths such as "500mg" or "(10 밀리그램)".
var strengthRe = regexp.MustCompile(`\(?\s*\d[\d.,]*\s*(?:mg|mcg|µg|㎍|g|ml|mL|%|IU|밀리그램|마이크로그램|그램|밀리리터)\s*\)?`)

// splitIngredients splits an ingredient cell into names without strengths.
func splitIngredients(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range listSepRe.Split(s, -1) {
		p = cleanText(strengthRe.ReplaceAllString(p, ""))
		p = strings.Trim(p, "-:() ")
		if p == "" || seen[strings.ToLower(p)] {
			continue
		}
		seen[strings.ToLower(p)] = true
		out = append(out, p)
	}
	return out
}
