package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/outcome"
	"github.com/driftwatch/alignd/internal/patch"
)

// Oracle independently re-attempts a task the agent gave up on.
type Oracle interface {
	Verify(ctx context.Context, o *outcome.Outcome) (*Verdict, error)
}

// OracleConfig holds the LLM oracle settings.
type OracleConfig struct {
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      string  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
}

// ApplyDefaults sets default values for unset fields.
func (c *OracleConfig) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
}

// Validate validates the configuration.
func (c *OracleConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("oracle model required")
	}
	return nil
}

// LLMOracle verifies give-ups with a stronger reasoning pass. It asks
// the model to re-attempt the original task and report whether an
// answer exists, and if so, what minimal instruction would have
// prevented the give-up.
type LLMOracle struct {
	llm    llms.Model
	config OracleConfig
	logger *zap.Logger
}

// NewLLMOracle creates an oracle backed by an OpenAI-compatible
// endpoint.
func NewLLMOracle(config OracleConfig, logger *zap.Logger) (*LLMOracle, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(config.Model),
		openai.WithToken(apiKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating oracle client: %w", err)
	}

	return &LLMOracle{llm: llm, config: config, logger: logger}, nil
}

// NewLLMOracleWithModel creates an oracle around an existing model.
// Used by tests to inject a fake.
func NewLLMOracleWithModel(model llms.Model, logger *zap.Logger) *LLMOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMOracle{llm: model, logger: logger}
}

const oraclePromptTemplate = `An assistant was asked a question and answered that the information could not be found. Re-attempt the task yourself and judge the answer.

Question:
%s

Assistant's answer:
%s

Tool activity observed:
%s

Respond with exactly these lines:
FOUND: yes or no
FINDING: what you found, or "none"
PATCH: one short corrective instruction for the assistant, or "none"
CATEGORY: one of schema_mismatch, tool_misuse, format_error, capability_gap, business_rule, domain_fact, unknown`

// Verify runs one oracle pass. A response that cannot be parsed is
// treated as inconclusive, not an error.
func (o *LLMOracle) Verify(ctx context.Context, out *outcome.Outcome) (*Verdict, error) {
	if out == nil {
		return nil, ErrNilOutcome
	}

	toolCtx := outcome.NewCorrelator().Correlate(out.ToolTelemetry)
	prompt := fmt.Sprintf(oraclePromptTemplate, out.Prompt, out.Response, toolCtx.Summary())

	var callOpts []llms.CallOption
	if o.config.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(o.config.Temperature))
	}

	completion, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("oracle generation: %w", err)
	}

	verdict := parseVerdict(completion)
	o.logger.Debug("oracle verdict",
		zap.String("outcome_id", out.ID),
		zap.String("verdict", string(verdict.Kind)),
		zap.Float64("confidence", verdict.Confidence))

	return verdict, nil
}

// parseVerdict extracts the structured lines from the oracle response.
func parseVerdict(completion string) *Verdict {
	fields := make(map[string]string)
	for _, line := range strings.Split(completion, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	found, ok := fields["FOUND"]
	if !ok {
		return &Verdict{Kind: VerdictInconclusive}
	}

	v := &Verdict{Confidence: 0.9}
	switch strings.ToLower(found) {
	case "yes":
		v.Kind = VerdictConfirmedLazy
	case "no":
		v.Kind = VerdictLegitimate
	default:
		return &Verdict{Kind: VerdictInconclusive}
	}

	if finding := fields["FINDING"]; finding != "" && !strings.EqualFold(finding, "none") {
		v.Finding = finding
	}
	if patchText := fields["PATCH"]; patchText != "" && !strings.EqualFold(patchText, "none") {
		v.PatchText = patchText
	}
	if cat := fields["CATEGORY"]; cat != "" {
		v.Category = patch.FailureCategory(strings.ToLower(cat))
	}

	// A confirmed lazy verdict without a usable patch cannot drive a
	// correction; downgrade it.
	if v.Kind == VerdictConfirmedLazy && v.PatchText == "" {
		v.Kind = VerdictInconclusive
		v.Confidence = 0
	}

	return v
}
