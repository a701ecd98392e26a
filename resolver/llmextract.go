package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brunobiangulo/ddi/llm"
	"github.com/brunobiangulo/ddi/record"
)

// ErrMalformed is returned when the model reply holds no usable JSON.
var ErrMalformed = errors.New("llm reply is not valid extraction JSON")

const extractSystemPrompt = `You are a clinical pharmacology assistant for Korean drug products.
Answer only with JSON. Use this shape:
{"items":[{"drug":"","ingredients":[],"classification":"","indications":"","partner":"","severity":"","description":"","confidence":0.0,"evidence":[]}]}

Rules:
- "drug" repeats the product name you were asked about.
- "ingredients" lists active ingredient names without strengths.
- "classification" is the Korean MFDS classification if known.
- "indications" is a short Korean summary of 효능/효과.
- When a partner drug is given, fill "partner", "severity" (one of: none, minor, moderate, major, contraindicated, unknown) and a short Korean "description" of the interaction.
- "confidence" is your own 0-1 estimate. Leave fields empty rather than guessing.
- "evidence" lists URLs or reference titles you rely on, if any.`

// LLMExtractor asks a chat model for drug and interaction facts. It is
// the lowest-priority source.
type LLMExtractor struct {
	Provider    llm.Provider
	Model       string
	Temperature float64
	MaxTokens   int
}

type llmItem struct {
	Drug           string   `json:"drug"`
	Ingredients    []string `json:"ingredients"`
	Classification string   `json:"classification"`
	Indications    string   `json:"indications"`
	Partner        string   `json:"partner"`
	Severity       string   `json:"severity"`
	Description    string   `json:"description"`
	Confidence     float64  `json:"confidence"`
	Evidence       []string `json:"evidence"`
}

func (l *LLMExtractor) Name() string          { return "llm" }
func (l *LLMExtractor) Source() record.Source { return record.SourceLLM }

// Resolve prompts the model in JSON mode and parses the reply. A reply
// with no JSON, or JSON of the wrong shape, is an error; a well-formed
// reply with no content for drug is a miss.
func (l *LLMExtractor) Resolve(ctx context.Context, drug, partner string) (*record.Extraction, error) {
	if l.Provider == nil {
		return nil, fmt.Errorf("llm extractor: no provider configured")
	}
	user := "약품: " + drug
	if partner != "" {
		user += "\n상대 약물: " + partner
	}
	resp, err := l.Provider.Chat(ctx, llm.ChatRequest{
		Model: l.Model,
		Messages: []llm.Message{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    l.Temperature,
		MaxTokens:      l.MaxTokens,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("llm extractor: %w", err)
	}

	items, err := parseLLMItems(resp.Content)
	if err != nil {
		return nil, err
	}
	it, ok := pickItem(items, drug, partner)
	if !ok {
		return nil, nil
	}

	ext := record.Extraction{
		Drug:           drug,
		Ingredients:    it.Ingredients,
		Classification: strings.TrimSpace(it.Classification),
		Indications:    strings.TrimSpace(it.Indications),
		Source:         record.SourceLLM,
		SourceName:     l.Name(),
		Confidence:     it.Confidence,
		Evidence:       it.Evidence,
		FetchedAt:      time.Now().UTC(),
	}
	if partner != "" {
		ext.Partner = partner
		ext.Severity = record.ParseSeverity(it.Severity)
		if ext.Severity == "" {
			ext.Severity = record.SeverityUnknown
		}
		ext.Description = strings.TrimSpace(it.Description)
	}
	if !ext.HasDrugFields() && !ext.HasInteraction() {
		return nil, nil
	}
	return &ext, nil
}

// parseLLMItems accepts {"items":[...]}, a bare array, or a single item.
func parseLLMItems(raw string) ([]llmItem, error) {
	js := llm.ExtractJSON(raw)
	if js == "" {
		return nil, ErrMalformed
	}
	if strings.HasPrefix(js, "[") {
		var items []llmItem
		if err := json.Unmarshal([]byte(js), &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return items, nil
	}

	var wrapped struct {
		Items *[]llmItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(js), &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wrapped.Items != nil {
		return *wrapped.Items, nil
	}
	var one llmItem
	if err := json.Unmarshal([]byte(js), &one); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []llmItem{one}, nil
}

// pickItem prefers the item naming drug (and partner when set), falling
// back to the first item.
func pickItem(items []llmItem, drug, partner string) (llmItem, bool) {
	if len(items) == 0 {
		return llmItem{}, false
	}
	for _, it := range items {
		if !mentions(it.Drug, drug) && !mentions(drug, it.Drug) {
			continue
		}
		if partner == "" || it.Partner == "" || mentions(it.Partner, partner) || mentions(partner, it.Partner) {
			return it, true
		}
	}
	return items[0], true
}
