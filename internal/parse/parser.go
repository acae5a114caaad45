// Package parse turns raw provider responses into typed field sets.
//
// Responses arrive in wildly different shapes: clean JSON, JSON wrapped in
// markdown fences, JSON buried mid-prose, paired delimited blocks, or pure
// narrative. Parse runs an ordered cascade of extraction strategies and
// falls back to per-role regex tables, so it never fails outright.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/parcelscope/property-research/internal/model"
)

var (
	fencedJSONPattern    = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	fencedGenericPattern = regexp.MustCompile("(?s)```\\s*(.*?)```")

	// Tolerates one level of object nesting; deeper structures are picked
	// up by the earlier stages when the JSON is well formed.
	embeddedJSONPattern = regexp.MustCompile(`(?s)\{(?:[^{}]|\{[^{}]*\})*\}`)

	structuredBlockPattern = regexp.MustCompile(`(?s)---STRUCTURED_DATA---\s*(.*?)\s*---END_STRUCTURED_DATA---`)
	analysisBlockPattern   = regexp.MustCompile(`(?s)---DETAILED_ANALYSIS---\s*(.*?)\s*---END_DETAILED_ANALYSIS---`)
)

// Parse extracts structured fields from a raw response for the given role.
// Strategies are attempted in a fixed order and the first success wins;
// the terminal regex-fallback stage cannot fail, so the returned result
// always has Status == RoleStatusSuccess.
func Parse(raw model.RawResponse, role model.QueryRole) *model.ParsedResult {
	result := &model.ParsedResult{
		Status:        model.RoleStatusSuccess,
		CitationCount: len(raw.Citations),
		Citations:     raw.Citations,
	}

	text := strings.TrimSpace(raw.Text)

	if data, ok := tryDirectJSON(text); ok {
		result.ParseMethod = model.ParseDirectJSON
		result.StructuredData = data
		return result
	}

	if data, ok := tryFencedJSON(text); ok {
		result.ParseMethod = model.ParseFencedJSON
		result.StructuredData = data
		return result
	}

	if data, ok := tryEmbeddedJSON(text); ok {
		result.ParseMethod = model.ParseEmbeddedJSON
		result.StructuredData = data
		return result
	}

	if data, detailed, ok := tryDualBlock(text); ok {
		result.ParseMethod = model.ParseDualBlock
		result.StructuredData = data
		result.DetailedText = detailed
		return result
	}

	// Terminal stage: whatever the role's pattern table recovers, possibly
	// nothing. The narrative is kept so callers can still show prose.
	result.ParseMethod = model.ParseRegexFallback
	result.StructuredData = ExtractFields(text, role.ID)
	result.DetailedText = text
	return result
}

// tryDirectJSON parses the entire trimmed text as one JSON value. Success
// only when it decodes to an object.
func tryDirectJSON(text string) (map[string]any, bool) {
	return decodeObject(text)
}

// tryFencedJSON looks for a ```json fence first, then a generic fence.
func tryFencedJSON(text string) (map[string]any, bool) {
	for _, pat := range []*regexp.Regexp{fencedJSONPattern, fencedGenericPattern} {
		m := pat.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if data, ok := decodeObject(m[1]); ok {
			return data, true
		}
	}
	return nil, false
}

// tryEmbeddedJSON scans for {...} spans anywhere in the text and attempts
// to decode each; the first span that decodes to an object wins.
func tryEmbeddedJSON(text string) (map[string]any, bool) {
	for _, span := range embeddedJSONPattern.FindAllString(text, -1) {
		if data, ok := decodeObject(span); ok {
			return data, true
		}
	}
	return nil, false
}

// tryDualBlock extracts the paired STRUCTURED_DATA / DETAILED_ANALYSIS
// delimiters. Either block alone counts as success; a structured block
// that is not valid JSON contributes no fields but does not fail the
// stage when an analysis block is present.
func tryDualBlock(text string) (map[string]any, string, bool) {
	var data map[string]any
	structuredOK := false
	if m := structuredBlockPattern.FindStringSubmatch(text); m != nil {
		data, structuredOK = decodeObject(m[1])
	}

	detailed := ""
	analysisOK := false
	if m := analysisBlockPattern.FindStringSubmatch(text); m != nil {
		detailed = strings.TrimSpace(m[1])
		analysisOK = true
	}

	if !structuredOK && !analysisOK {
		return nil, "", false
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, detailed, true
}

func decodeObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, false
	}
	return data, true
}
