package outcome

import (
	"fmt"
	"regexp"
	"strings"
)

// maxResponseLength caps classifier input to prevent ReDoS on extremely
// long responses. This follows the input-length guard in the indicator
// rule evaluation.
const maxResponseLength = 100000

// SignalCategory labels the lexical verdict on a response text.
type SignalCategory string

const (
	// SignalCompliance indicates the text reads as a completed task.
	SignalCompliance SignalCategory = "compliance"

	// SignalRefusal indicates the text reads as a refusal or give-up.
	SignalRefusal SignalCategory = "refusal"

	// SignalUnclear indicates neither side dominates past the margin.
	SignalUnclear SignalCategory = "unclear"

	// SignalError indicates the text could not be scored (e.g. empty).
	SignalError SignalCategory = "error"
)

// SignalResult is the outcome of lexical refusal detection.
type SignalResult struct {
	IsRefusal  bool
	Confidence float64
	Category   SignalCategory
	Rationale  string
}

// Indicator is a single weighted lexical marker. Patterns are regular
// expressions compiled at classifier construction.
type Indicator struct {
	Pattern string  `koanf:"pattern" json:"pattern"`
	Weight  float64 `koanf:"weight" json:"weight"`
}

// IndicatorConfig holds the immutable marker sets the classifier scores
// against. Deployments and tests inject their own sets; DefaultIndicators
// provides the built-in ones.
type IndicatorConfig struct {
	// DirectRefusal markers are explicit "I can't / I won't" phrasings.
	DirectRefusal []Indicator `koanf:"direct_refusal"`

	// EvasiveHedge markers are softened give-ups ("elusive", "hard to
	// track down") that literal keyword lists miss.
	EvasiveHedge []Indicator `koanf:"evasive_hedge"`

	// EmptyResult markers claim nothing was found.
	EmptyResult []Indicator `koanf:"empty_result"`

	// ActionCompleted markers indicate work was actually done.
	ActionCompleted []Indicator `koanf:"action_completed"`

	// QuantityBearing markers carry concrete counts or figures.
	QuantityBearing []Indicator `koanf:"quantity_bearing"`

	// PolicyRefusal markers indicate an explicit policy decline; they
	// feed the Blocked classification, not the refusal score.
	PolicyRefusal []Indicator `koanf:"policy_refusal"`

	// MinResponseLength is the threshold below which confidence is
	// damped by the short-response factor.
	MinResponseLength int `koanf:"min_response_length"`

	// Margin is how far one score must lead the other before the
	// category is decided rather than Unclear.
	Margin float64 `koanf:"margin"`
}

// DefaultIndicators returns the built-in marker sets.
func DefaultIndicators() IndicatorConfig {
	return IndicatorConfig{
		DirectRefusal: []Indicator{
			{Pattern: `(?i)\bI\s+(?:can(?:'|no)t|cannot|am\s+unable\s+to|was\s+unable\s+to|won'?t\s+be\s+able\s+to)\b`, Weight: 0.5},
			{Pattern: `(?i)\b(?:unable|not\s+able)\s+to\s+(?:find|locate|retrieve|access|determine|answer)\b`, Weight: 0.5},
			{Pattern: `(?i)\bthere(?:'s| is| are)\s+no\s+way\s+to\b`, Weight: 0.4},
			{Pattern: `(?i)\bbeyond\s+(?:my|the)\s+(?:capabilit|scope)`, Weight: 0.4},
		},
		EvasiveHedge: []Indicator{
			{Pattern: `(?i)\b(?:elusive|proving\s+difficult|hard\s+to\s+(?:track|pin)\s+down|remains?\s+unclear)\b`, Weight: 0.35},
			{Pattern: `(?i)\b(?:unfortunately|I'?m\s+afraid)\b`, Weight: 0.2},
			{Pattern: `(?i)\b(?:at\s+the\s+moment|at\s+this\s+time|currently)\s+(?:un)?available\b`, Weight: 0.25},
			{Pattern: `(?i)\byou\s+(?:may|might|could)\s+(?:want\s+to\s+)?(?:try|check|consult)\b`, Weight: 0.3},
			{Pattern: `(?i)\b(?:doesn'?t|does\s+not)\s+(?:seem|appear)\s+to\s+(?:exist|be\s+available)\b`, Weight: 0.3},
		},
		EmptyResult: []Indicator{
			{Pattern: `(?i)\bno\s+(?:records?|results?|data|matches|entries|information)\s+(?:were\s+|was\s+)?(?:found|available|returned)\b`, Weight: 0.3},
			{Pattern: `(?i)\b(?:couldn'?t|could\s+not)\s+find\s+any(?:thing)?\b`, Weight: 0.35},
			{Pattern: `(?i)\bnothing\s+(?:came\s+up|turned\s+up|matched)\b`, Weight: 0.3},
		},
		ActionCompleted: []Indicator{
			{Pattern: `(?i)\bI\s+(?:found|retrieved|located|identified|created|updated|completed|fetched)\b`, Weight: 0.4},
			{Pattern: `(?i)\bhere\s+(?:is|are)\s+(?:the|your|a)\b`, Weight: 0.35},
			{Pattern: `(?i)\b(?:successfully|as\s+requested)\b`, Weight: 0.3},
			{Pattern: `(?i)\b(?:the\s+following|listed\s+below|summary\s+of)\b`, Weight: 0.25},
		},
		QuantityBearing: []Indicator{
			{Pattern: `\b\d+\s+(?:records?|results?|rows?|items?|matches|entries|files?)\b`, Weight: 0.4},
			{Pattern: `(?i)\btotal\s+of\s+\d+\b`, Weight: 0.35},
			{Pattern: `\b\d+(?:\.\d+)?%`, Weight: 0.2},
		},
		PolicyRefusal: []Indicator{
			{Pattern: `(?i)\bI\s+(?:can'?t|cannot|won'?t)\s+(?:help|assist)\s+with\s+(?:that|this)\b`, Weight: 0.5},
			{Pattern: `(?i)\b(?:against|violates?)\s+(?:my\s+guidelines|policy|our\s+terms)\b`, Weight: 0.5},
			{Pattern: `(?i)\bnot\s+(?:permitted|allowed|authorized)\s+to\b`, Weight: 0.4},
		},
		MinResponseLength: 20,
		Margin:            0.15,
	}
}

// compiledIndicator pairs a compiled regex with its weight.
type compiledIndicator struct {
	regex  *regexp.Regexp
	weight float64
}

// SignalClassifier scores response text for refusal vs. compliance
// signals using additive weighted marker matching. Margin-based additive
// scoring is used instead of single-pattern matching so hedged phrasings
// still accumulate a refusal score.
//
// Thread-safe: all patterns are compiled at construction and immutable.
type SignalClassifier struct {
	directRefusal   []compiledIndicator
	evasiveHedge    []compiledIndicator
	emptyResult     []compiledIndicator
	actionCompleted []compiledIndicator
	quantityBearing []compiledIndicator
	policyRefusal   []compiledIndicator

	minResponseLength int
	margin            float64
}

// NewSignalClassifier compiles the given indicator sets. Invalid patterns
// cause an error so misconfiguration is caught at startup, not per turn.
func NewSignalClassifier(cfg IndicatorConfig) (*SignalClassifier, error) {
	c := &SignalClassifier{
		minResponseLength: cfg.MinResponseLength,
		margin:            cfg.Margin,
	}
	if c.minResponseLength <= 0 {
		c.minResponseLength = 20
	}
	if c.margin <= 0 {
		c.margin = 0.15
	}

	var err error
	if c.directRefusal, err = compileIndicators(cfg.DirectRefusal); err != nil {
		return nil, fmt.Errorf("compiling direct refusal indicators: %w", err)
	}
	if c.evasiveHedge, err = compileIndicators(cfg.EvasiveHedge); err != nil {
		return nil, fmt.Errorf("compiling evasive hedge indicators: %w", err)
	}
	if c.emptyResult, err = compileIndicators(cfg.EmptyResult); err != nil {
		return nil, fmt.Errorf("compiling empty result indicators: %w", err)
	}
	if c.actionCompleted, err = compileIndicators(cfg.ActionCompleted); err != nil {
		return nil, fmt.Errorf("compiling action completed indicators: %w", err)
	}
	if c.quantityBearing, err = compileIndicators(cfg.QuantityBearing); err != nil {
		return nil, fmt.Errorf("compiling quantity bearing indicators: %w", err)
	}
	if c.policyRefusal, err = compileIndicators(cfg.PolicyRefusal); err != nil {
		return nil, fmt.Errorf("compiling policy refusal indicators: %w", err)
	}

	return c, nil
}

func compileIndicators(indicators []Indicator) ([]compiledIndicator, error) {
	compiled := make([]compiledIndicator, 0, len(indicators))
	for _, ind := range indicators {
		re, err := regexp.Compile(ind.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", ind.Pattern, err)
		}
		compiled = append(compiled, compiledIndicator{regex: re, weight: ind.Weight})
	}
	return compiled, nil
}

// Classify scores the response and returns the lexical verdict.
//
// It never returns an error: an empty response yields SignalError, and a
// response with no matching indicators yields SignalUnclear with
// confidence 0.5.
func (c *SignalClassifier) Classify(responseText string, toolCtx ToolContext) SignalResult {
	text := strings.TrimSpace(responseText)
	if text == "" {
		return SignalResult{
			IsRefusal:  false,
			Confidence: 0.5,
			Category:   SignalError,
			Rationale:  "empty response text",
		}
	}
	if len(text) > maxResponseLength {
		text = text[:maxResponseLength]
	}

	refusalScore := sumMatches(c.directRefusal, text) +
		sumMatches(c.evasiveHedge, text) +
		sumMatches(c.emptyResult, text)
	complianceScore := sumMatches(c.actionCompleted, text) +
		sumMatches(c.quantityBearing, text)

	if refusalScore == 0 && complianceScore == 0 {
		return SignalResult{
			IsRefusal:  false,
			Confidence: 0.5,
			Category:   SignalUnclear,
			Rationale:  "no refusal or compliance indicators matched",
		}
	}

	confidence := min(abs(refusalScore-complianceScore)+0.5, 1.0)
	if toolCtx.Unambiguous() {
		confidence = min(confidence+0.1, 1.0)
	}
	if len(text) < c.minResponseLength {
		confidence *= 0.8
	}

	switch {
	case refusalScore-complianceScore > c.margin:
		return SignalResult{
			IsRefusal:  true,
			Confidence: confidence,
			Category:   SignalRefusal,
			Rationale: fmt.Sprintf("refusal score %.2f dominates compliance score %.2f",
				refusalScore, complianceScore),
		}
	case complianceScore-refusalScore > c.margin:
		return SignalResult{
			IsRefusal:  false,
			Confidence: confidence,
			Category:   SignalCompliance,
			Rationale: fmt.Sprintf("compliance score %.2f dominates refusal score %.2f",
				complianceScore, refusalScore),
		}
	default:
		return SignalResult{
			IsRefusal:  false,
			Confidence: confidence,
			Category:   SignalUnclear,
			Rationale: fmt.Sprintf("scores within margin (refusal %.2f, compliance %.2f)",
				refusalScore, complianceScore),
		}
	}
}

// IsPolicyRefusal reports whether the text matches the policy refusal
// markers. Used by the resolver to distinguish Blocked from GiveUp.
func (c *SignalClassifier) IsPolicyRefusal(responseText string) bool {
	if len(responseText) > maxResponseLength {
		responseText = responseText[:maxResponseLength]
	}
	return sumMatches(c.policyRefusal, responseText) > 0
}

func sumMatches(indicators []compiledIndicator, text string) float64 {
	var score float64
	for _, ind := range indicators {
		if ind.regex.MatchString(text) {
			score += ind.weight
		}
	}
	return score
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
