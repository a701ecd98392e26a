package llm

import (
	"regexp"
	"strings"
)

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ExtractJSON pulls a JSON object or array out of a model reply that may
// wrap it in markdown fences or surrounding prose. It returns "" when no
// JSON-looking span is present.
func ExtractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = strings.TrimSpace(m[1])
	}

	obj := span(raw, '{', '}')
	arr := span(raw, '[', ']')
	switch {
	case obj == "":
		return arr
	case arr == "":
		return obj
	case strings.Index(raw, arr) < strings.Index(raw, obj):
		return arr
	default:
		return obj
	}
}

func span(s string, lo, hi byte) string {
	start := strings.IndexByte(s, lo)
	end := strings.LastIndexByte(s, hi)
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
