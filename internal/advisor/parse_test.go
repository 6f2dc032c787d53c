package advisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "cross_arb/pkg/errors"
)

const goodVerdict = `{"execute":true,"confidence":0.82,"regime":"trend","signal_quality":0.7,"risk_flags":["thin_book"],"reason":"clean breakout"}`

func TestParseVerdictFormats(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"raw json", goodVerdict},
		{"fenced", "Here is my assessment:\n```json\n" + goodVerdict + "\n```\nGood luck."},
		{"embedded in prose", "I would take this trade. " + goodVerdict + " That is my call."},
		{"braces inside strings", `Verdict follows: {"execute":true,"confidence":0.82,"regime":"trend","signal_quality":0.7,"reason":"watch {resistance} at 46k"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := parseVerdict(tc.raw)
			require.NoError(t, err)
			assert.True(t, v.Execute)
			assert.InDelta(t, 0.82, v.Confidence, 1e-9)
			assert.Equal(t, "trend", v.Regime)
			assert.InDelta(t, 0.7, v.SignalQuality, 1e-9)
		})
	}
}

func TestParseVerdictOptionalFields(t *testing.T) {
	v, err := parseVerdict(`{"execute":false,"confidence":0.3,"regime":"chop","signal_quality":0.2}`)
	require.NoError(t, err)
	assert.False(t, v.Execute)
	assert.Empty(t, v.RiskFlags)
	assert.Empty(t, v.Reason)
}

func TestParseVerdictRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no json at all", "cannot help with that"},
		{"unclosed brace", `{"execute":true,"confidence":0.8`},
		{"missing execute", `{"confidence":0.8,"regime":"trend","signal_quality":0.5}`},
		{"missing confidence", `{"execute":true,"regime":"trend","signal_quality":0.5}`},
		{"confidence above one", `{"execute":true,"confidence":1.5,"regime":"trend","signal_quality":0.5}`},
		{"negative quality", `{"execute":true,"confidence":0.8,"regime":"trend","signal_quality":-0.1}`},
		{"unknown regime", `{"execute":true,"confidence":0.8,"regime":"sideways","signal_quality":0.5}`},
		{"wrong type", `{"execute":"yes","confidence":0.8,"regime":"trend","signal_quality":0.5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseVerdict(tc.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestExtractJSONPicksFirstValidObject(t *testing.T) {
	raw := `thinking {broken ... } more thoughts {"execute":true,"confidence":0.9,"regime":"chop","signal_quality":0.4}`
	body, err := extractJSON(raw)
	require.NoError(t, err)
	assert.Contains(t, body, `"confidence":0.9`)
}
