package outcome

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T) *SignalClassifier {
	t.Helper()
	c, err := NewSignalClassifier(DefaultIndicators())
	require.NoError(t, err)
	return c
}

func TestSignalClassifier_Classify(t *testing.T) {
	classifier := newTestClassifier(t)

	tests := []struct {
		name         string
		response     string
		records      []ToolExecutionRecord
		wantCategory SignalCategory
		wantRefusal  bool
		wantMinConf  float64
	}{
		{
			name:         "direct refusal",
			response:     "I was unable to find the quarterly figures you asked about, so I cannot answer this.",
			wantCategory: SignalRefusal,
			wantRefusal:  true,
			wantMinConf:  0.6,
		},
		{
			name:         "hedged give-up without refusal keywords",
			response:     "I'm afraid those records are elusive at the moment.",
			wantCategory: SignalRefusal,
			wantRefusal:  true,
			wantMinConf:  0.5,
		},
		{
			name:         "completed action with quantities",
			response:     "I found 42 records matching your filter. Here is the breakdown by region.",
			wantCategory: SignalCompliance,
			wantRefusal:  false,
			wantMinConf:  0.6,
		},
		{
			name:         "neutral prose with no indicators",
			response:     "The weather report covers the northern coastal region through Friday.",
			wantCategory: SignalUnclear,
			wantRefusal:  false,
			wantMinConf:  0.5,
		},
		{
			name:         "empty response",
			response:     "   ",
			wantCategory: SignalError,
			wantRefusal:  false,
			wantMinConf:  0.5,
		},
		{
			name:         "redirect to another source",
			response:     "You may want to check the county archive directly, unfortunately I could not find anything in our systems.",
			wantCategory: SignalRefusal,
			wantRefusal:  true,
			wantMinConf:  0.6,
		},
	}

	correlator := NewCorrelator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifier.Classify(tt.response, correlator.Correlate(tt.records))
			assert.Equal(t, tt.wantCategory, got.Category)
			assert.Equal(t, tt.wantRefusal, got.IsRefusal)
			assert.GreaterOrEqual(t, got.Confidence, tt.wantMinConf)
			assert.LessOrEqual(t, got.Confidence, 1.0)
			assert.NotEmpty(t, got.Rationale)
		})
	}
}

func TestSignalClassifier_ElusiveScenario(t *testing.T) {
	// Hedged phrasing with no literal refusal keyword must still score
	// as a refusal with confidence above 0.5.
	classifier := newTestClassifier(t)

	got := classifier.Classify(
		"I'm afraid those records are elusive at the moment.",
		NewCorrelator().Correlate(nil))

	assert.Equal(t, SignalRefusal, got.Category)
	assert.True(t, got.IsRefusal)
	assert.Greater(t, got.Confidence, 0.5)
}

func TestSignalClassifier_ShortResponseDamping(t *testing.T) {
	classifier := newTestClassifier(t)
	toolCtx := NewCorrelator().Correlate(nil)

	short := classifier.Classify("I cannot do it.", toolCtx)
	long := classifier.Classify("I cannot do it because every avenue I considered was closed off.", toolCtx)

	assert.True(t, short.IsRefusal)
	assert.True(t, long.IsRefusal)
	assert.Less(t, short.Confidence, long.Confidence)
}

func TestSignalClassifier_NeverPanicsOnHugeInput(t *testing.T) {
	classifier := newTestClassifier(t)

	huge := strings.Repeat("no records found ", 50000)
	got := classifier.Classify(huge, NewCorrelator().Correlate(nil))
	assert.NotEmpty(t, got.Category)
}

func TestSignalClassifier_InvalidPattern(t *testing.T) {
	cfg := DefaultIndicators()
	cfg.DirectRefusal = append(cfg.DirectRefusal, Indicator{Pattern: "([", Weight: 0.5})

	_, err := NewSignalClassifier(cfg)
	require.Error(t, err)
}

func TestSignalClassifier_IsPolicyRefusal(t *testing.T) {
	classifier := newTestClassifier(t)

	assert.True(t, classifier.IsPolicyRefusal("I can't help with that request."))
	assert.False(t, classifier.IsPolicyRefusal("I could not find any matching rows."))
}
