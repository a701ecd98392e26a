package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/brunobiangulo/ddi/record"
)

const defaultSearchResults = 5

// WebSearch queries a SearXNG-compatible JSON search endpoint and builds a
// low-confidence extraction from result snippets.
type WebSearch struct {
	Fetcher  Fetcher
	Endpoint string // e.g. http://localhost:8888
	// MaxResults bounds the snippets considered. Zero uses 5.
	MaxResults int
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (w *WebSearch) Name() string          { return "websearch" }
func (w *WebSearch) Source() record.Source { return record.SourceGenericWeb }

// Resolve searches the web. For a pair, snippets naming both drugs supply
// the description, a severity keyword and evidence URLs. For a single
// drug, the first snippet naming it supplies indications.
func (w *WebSearch) Resolve(ctx context.Context, drug, partner string) (*record.Extraction, error) {
	if w.Endpoint == "" {
		return nil, fmt.Errorf("websearch: no endpoint configured")
	}
	q := drug + " 성분 효능"
	if partner != "" {
		q = drug + " " + partner + " 상호작용"
	}
	results, err := w.search(ctx, q)
	if err != nil {
		return nil, err
	}

	limit := w.MaxResults
	if limit <= 0 {
		limit = defaultSearchResults
	}
	ext := record.Extraction{
		Drug:       drug,
		Source:     record.SourceGenericWeb,
		SourceName: w.Name(),
		FetchedAt:  time.Now().UTC(),
	}

	var snippets []string
	for _, r := range results {
		if len(ext.Evidence) >= limit {
			break
		}
		text := r.Title + " " + r.Content
		if !mentions(text, drug) || (partner != "" && !mentions(text, partner)) {
			continue
		}
		snippets = append(snippets, cleanText(r.Content))
		if r.URL != "" {
			ext.Evidence = append(ext.Evidence, r.URL)
		}
	}
	if len(snippets) == 0 {
		return nil, nil
	}

	if partner == "" {
		ext.Indications = snippets[0]
		for _, s := range snippets {
			if strings.Contains(s, "효능") || strings.Contains(s, "효과") {
				ext.Indications = s
				break
			}
		}
		return &ext, nil
	}

	ext.Partner = partner
	ext.Description = snippets[0]
	ext.Severity = record.SeverityUnknown
	for _, s := range snippets {
		if sev := record.ParseSeverity(s); sev != "" && sev != record.SeverityUnknown {
			ext.Severity = sev
			ext.Description = s
			break
		}
	}
	return &ext, nil
}

func (w *WebSearch) search(ctx context.Context, q string) ([]searchResult, error) {
	v := url.Values{}
	v.Set("q", q)
	v.Set("format", "json")
	v.Set("language", "ko")
	body, err := w.Fetcher.Fetch(ctx, strings.TrimRight(w.Endpoint, "/")+"/search?"+v.Encode())
	if err != nil {
		return nil, fmt.Errorf("websearch: %w", err)
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("websearch: decoding results: %w", err)
	}
	return resp.Results, nil
}
