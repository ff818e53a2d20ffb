package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecayClassifier_Classify(t *testing.T) {
	c, err := NewDecayClassifier()
	require.NoError(t, err)

	tests := []struct {
		name         string
		text         string
		hint         FailureCategory
		wantCategory FailureCategory
		wantDecay    DecayType
	}{
		{
			name:         "renamed table is a schema defect",
			text:         "The customers table was renamed to clients in Q3; query clients instead.",
			wantCategory: CategorySchemaMismatch,
			wantDecay:    DecayTypeA,
		},
		{
			name:         "tool selection guidance",
			text:         "Always use the search_db tool before falling back to web search for account lookups.",
			wantCategory: CategoryToolMisuse,
			wantDecay:    DecayTypeA,
		},
		{
			name:         "output formatting defect",
			text:         "Escape commas inside fields when producing CSV output.",
			wantCategory: CategoryFormatError,
			wantDecay:    DecayTypeA,
		},
		{
			name:         "shallow retrieval guidance",
			text:         "Broaden the search to adjacent quarters before concluding no data exists.",
			wantCategory: CategoryCapabilityGap,
			wantDecay:    DecayTypeA,
		},
		{
			name:         "business policy survives upgrades",
			text:         "Refund requests over $500 require manager approval.",
			wantCategory: CategoryBusinessRule,
			wantDecay:    DecayTypeB,
		},
		{
			name:         "environment fact survives upgrades",
			text:         "Customer PII is stored in the secure_vault bucket, not the analytics warehouse.",
			wantCategory: CategoryDomainFact,
			wantDecay:    DecayTypeB,
		},
		{
			name:         "ambiguous text defaults to durable",
			text:         "Be more thorough.",
			wantCategory: CategoryUnknown,
			wantDecay:    DecayTypeB,
		},
		{
			name:         "empty text defaults to durable",
			text:         "   ",
			wantCategory: CategoryUnknown,
			wantDecay:    DecayTypeB,
		},
		{
			name:         "oracle hint overrides text rules",
			text:         "The customers table was renamed to clients in Q3.",
			hint:         CategoryBusinessRule,
			wantCategory: CategoryBusinessRule,
			wantDecay:    DecayTypeB,
		},
		{
			name:         "unknown hint falls through to text rules",
			text:         "Escape commas inside fields when producing CSV output.",
			hint:         CategoryUnknown,
			wantCategory: CategoryFormatError,
			wantDecay:    DecayTypeA,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, decay := c.Classify(tt.text, tt.hint)
			assert.Equal(t, tt.wantCategory, cat)
			assert.Equal(t, tt.wantDecay, decay)
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("valid patch", func(t *testing.T) {
		p, err := New("Query the clients table, not customers.", DecayTypeA, "outcome-1")
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, DecayTypeA, p.DecayType)
		assert.Zero(t, p.UsageCount)
		assert.False(t, p.Verified)
	})

	t.Run("rejects empty text", func(t *testing.T) {
		_, err := New("", DecayTypeB, "outcome-1")
		assert.ErrorIs(t, err, ErrEmptyText)
	})

	t.Run("rejects missing source", func(t *testing.T) {
		_, err := New("text", DecayTypeB, "")
		assert.ErrorIs(t, err, ErrEmptyOutcomeID)
	})

	t.Run("rejects bad decay type", func(t *testing.T) {
		_, err := New("text", DecayType("type_c"), "outcome-1")
		assert.ErrorIs(t, err, ErrInvalidDecay)
	})
}

func TestPatch_Validate(t *testing.T) {
	p, err := New("Escape commas in CSV output.", DecayTypeA, "outcome-2")
	require.NoError(t, err)

	// No tier assigned yet.
	assert.ErrorIs(t, p.Validate(), ErrInvalidTier)

	p.Tier = TierCache
	assert.NoError(t, p.Validate())

	p.UsageCount = -1
	assert.Error(t, p.Validate())
}

func TestPatch_TokenWeight(t *testing.T) {
	p := &Patch{Text: "12345678"}
	assert.Equal(t, 2, p.TokenWeight())

	p.Text = "123456789"
	assert.Equal(t, 3, p.TokenWeight())

	p.Text = ""
	assert.Zero(t, p.TokenWeight())
}
