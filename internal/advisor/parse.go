package advisor

import (
	"encoding/json"
	"fmt"
	"strings"

	"cross_arb/internal/core"
	apperrors "cross_arb/pkg/errors"
)

var validRegimes = map[string]bool{
	"trend":       true,
	"mean_revert": true,
	"chop":        true,
}

// wireVerdict uses pointers so absent fields can be told apart from zero
// values.
type wireVerdict struct {
	Execute       *bool    `json:"execute"`
	Confidence    *float64 `json:"confidence"`
	Regime        string   `json:"regime"`
	SignalQuality *float64 `json:"signal_quality"`
	RiskFlags     []string `json:"risk_flags"`
	Reason        string   `json:"reason"`
}

// parseVerdict extracts and validates a verdict from an advisor reply. The
// reply may be raw JSON, a ```json fenced block, or prose with an embedded
// JSON object; LLM endpoints produce all three.
func parseVerdict(raw string) (core.AdvisorVerdict, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return core.AdvisorVerdict{}, err
	}

	var w wireVerdict
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return core.AdvisorVerdict{}, fmt.Errorf("%w: malformed verdict: %v", apperrors.ErrValidation, err)
	}

	switch {
	case w.Execute == nil:
		return core.AdvisorVerdict{}, fmt.Errorf("%w: verdict missing execute", apperrors.ErrValidation)
	case w.Confidence == nil || *w.Confidence < 0 || *w.Confidence > 1:
		return core.AdvisorVerdict{}, fmt.Errorf("%w: confidence outside [0,1]", apperrors.ErrValidation)
	case !validRegimes[w.Regime]:
		return core.AdvisorVerdict{}, fmt.Errorf("%w: unknown regime %q", apperrors.ErrValidation, w.Regime)
	case w.SignalQuality == nil || *w.SignalQuality < 0 || *w.SignalQuality > 1:
		return core.AdvisorVerdict{}, fmt.Errorf("%w: signal_quality outside [0,1]", apperrors.ErrValidation)
	}

	return core.AdvisorVerdict{
		Execute:       *w.Execute,
		Confidence:    *w.Confidence,
		Regime:        w.Regime,
		SignalQuality: *w.SignalQuality,
		RiskFlags:     w.RiskFlags,
		Reason:        w.Reason,
	}, nil
}

// extractJSON returns the JSON object carried by s: the whole string when
// it already is one, the contents of a ```json fence, or the first
// balanced brace block that parses.
func extractJSON(s string) (string, error) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "{") && json.Valid([]byte(t)) {
		return t, nil
	}

	if i := strings.Index(t, "```json"); i >= 0 {
		rest := t[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			fenced := strings.TrimSpace(rest[:j])
			if json.Valid([]byte(fenced)) {
				return fenced, nil
			}
		}
	}

	// Scan for a balanced object, ignoring braces inside JSON strings.
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(t); i++ {
		ch := t[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					if candidate := t[start : i+1]; json.Valid([]byte(candidate)) {
						return candidate, nil
					}
					start = -1
				}
			}
		}
	}
	return "", fmt.Errorf("%w: no json object in advisor reply", apperrors.ErrValidation)
}
