package parse

import (
	"strings"

	"go.uber.org/zap"

	"github.com/parcelscope/property-research/internal/model"
)

// Citation-count thresholds for derived confidence.
const (
	highConfidenceCitations = 5
	lowConfidenceCitations  = 1
)

// Annotate fills in the role's declared-but-absent fields with explicit
// nulls and assigns the confidence label. A model-asserted confidence in
// structured_data takes precedence over the citation-count heuristic.
// Annotate never fails: a role with zero extracted fields is still a
// successful role at this layer.
func Annotate(result *model.ParsedResult, role model.QueryRole) *model.ParsedResult {
	if result.StructuredData == nil {
		result.StructuredData = make(map[string]any, len(role.ExpectedFields))
	}

	missing := 0
	for _, field := range role.ExpectedFields {
		if _, ok := result.StructuredData[field]; !ok {
			// Explicit null marks "looked for, not found" — distinct from
			// a genuinely extracted zero or empty string.
			result.StructuredData[field] = nil
			missing++
		}
	}
	result.MissingFields = missing

	result.Confidence = confidenceFor(result)

	if missing > 0 {
		zap.L().Debug("validate: fields missing after extraction",
			zap.String("role", role.ID),
			zap.Int("missing", missing),
			zap.Int("expected", len(role.ExpectedFields)),
		)
	}

	return result
}

// confidenceFor prefers a confidence label asserted inside the model's own
// structured output; otherwise it derives one from citation count. The
// derivation is monotonic in citation count: LOW ≤ MEDIUM ≤ HIGH.
func confidenceFor(result *model.ParsedResult) model.Confidence {
	if asserted, ok := assertedConfidence(result.StructuredData); ok {
		return asserted
	}

	switch {
	case result.CitationCount >= highConfidenceCitations:
		return model.ConfidenceHigh
	case result.CitationCount <= lowConfidenceCitations:
		return model.ConfidenceLow
	default:
		return model.ConfidenceMedium
	}
}

func assertedConfidence(data map[string]any) (model.Confidence, bool) {
	raw, ok := data["confidence"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return model.ConfidenceHigh, true
	case "MEDIUM":
		return model.ConfidenceMedium, true
	case "LOW":
		return model.ConfidenceLow, true
	}
	return "", false
}
