package patch

import (
	"fmt"
	"regexp"
	"strings"
)

// FailureCategory describes the kind of defect a patch corrects. The
// category drives decay classification: capability and format defects
// are expected to be fixed by model upgrades, while business knowledge
// is not.
type FailureCategory string

const (
	// CategorySchemaMismatch covers wrong table, column, field, or
	// endpoint names.
	CategorySchemaMismatch FailureCategory = "schema_mismatch"

	// CategoryToolMisuse covers wrong tool selection or malformed tool
	// arguments.
	CategoryToolMisuse FailureCategory = "tool_misuse"

	// CategoryFormatError covers output formatting and serialization
	// defects.
	CategoryFormatError FailureCategory = "format_error"

	// CategoryCapabilityGap covers reasoning shortfalls such as giving
	// up on multi-step retrieval.
	CategoryCapabilityGap FailureCategory = "capability_gap"

	// CategoryBusinessRule covers organization-specific policies and
	// procedures.
	CategoryBusinessRule FailureCategory = "business_rule"

	// CategoryDomainFact covers environment facts such as naming
	// conventions or data locations.
	CategoryDomainFact FailureCategory = "domain_fact"

	// CategoryUnknown is used when no category can be determined.
	CategoryUnknown FailureCategory = "unknown"
)

// decayForCategory maps failure categories to decay types. Unknown and
// unmapped categories fall back to TypeB so a purge never destroys
// knowledge that might be durable.
var decayForCategory = map[FailureCategory]DecayType{
	CategorySchemaMismatch: DecayTypeA,
	CategoryToolMisuse:     DecayTypeA,
	CategoryFormatError:    DecayTypeA,
	CategoryCapabilityGap:  DecayTypeA,
	CategoryBusinessRule:   DecayTypeB,
	CategoryDomainFact:     DecayTypeB,
}

type decayRule struct {
	name     string
	category FailureCategory
	pattern  *regexp.Regexp
}

// DecayClassifier assigns a failure category and decay type to patch
// text using ordered regex rules. Rules are evaluated first-match-wins;
// anything unmatched is conservatively classified TypeB.
type DecayClassifier struct {
	rules []decayRule
}

type decayRuleSpec struct {
	name     string
	category FailureCategory
	pattern  string
}

func defaultDecayRules() []decayRuleSpec {
	return []decayRuleSpec{
		{
			name:     "schema-reference",
			category: CategorySchemaMismatch,
			pattern:  `(?i)\b(?:table|column|field|schema|endpoint|index)\s+(?:name[sd]?|is|was|should)\b|\b(?:renamed|misspelled|does\s+not\s+exist\s+in\s+the\s+schema)\b`,
		},
		{
			name:     "tool-usage",
			category: CategoryToolMisuse,
			pattern:  `(?i)\buse\s+the\s+\w+\s+tool\b|\btool\s+(?:arguments?|parameters?|call)\b|\bwrong\s+tool\b`,
		},
		{
			name:     "output-format",
			category: CategoryFormatError,
			pattern:  `(?i)\b(?:format|serialize|escape|encode)\b.*\b(?:json|csv|yaml|xml|output)\b|\b(?:json|csv|yaml|xml)\b.*\b(?:format|malformed|invalid)\b`,
		},
		{
			name:     "retry-depth",
			category: CategoryCapabilityGap,
			pattern:  `(?i)\b(?:retry|broaden|widen|decompose|break\s+down)\b.*\b(?:search|quer(?:y|ies)|lookup|request)\b|\bbefore\s+(?:concluding|reporting)\s+(?:no|nothing|empty)\b`,
		},
		{
			name:     "policy-procedure",
			category: CategoryBusinessRule,
			pattern:  `(?i)\b(?:policy|procedure|approval|compliance|must\s+always|must\s+never|required\s+by)\b`,
		},
		{
			name:     "environment-fact",
			category: CategoryDomainFact,
			pattern:  `(?i)\b(?:is\s+(?:stored|located|kept)\s+in|lives\s+in|convention\s+is|refers\s+to)\b`,
		},
	}
}

// NewDecayClassifier compiles the default rule set.
func NewDecayClassifier() (*DecayClassifier, error) {
	return newDecayClassifier(defaultDecayRules())
}

func newDecayClassifier(specs []decayRuleSpec) (*DecayClassifier, error) {
	rules := make([]decayRule, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s.pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling rule %q: %w", s.name, err)
		}
		rules = append(rules, decayRule{name: s.name, category: s.category, pattern: re})
	}
	return &DecayClassifier{rules: rules}, nil
}

// Classify returns the failure category and decay type for patch text.
// If a category hint is provided (for example from the oracle), it wins
// over the text rules. Misclassifying durable knowledge as TypeA loses
// it at the next purge, so every ambiguous case resolves to TypeB.
func (c *DecayClassifier) Classify(text string, hint FailureCategory) (FailureCategory, DecayType) {
	if hint != "" && hint != CategoryUnknown {
		if decay, ok := decayForCategory[hint]; ok {
			return hint, decay
		}
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return CategoryUnknown, DecayTypeB
	}

	for _, r := range c.rules {
		if r.pattern.MatchString(trimmed) {
			return r.category, decayForCategory[r.category]
		}
	}
	return CategoryUnknown, DecayTypeB
}
