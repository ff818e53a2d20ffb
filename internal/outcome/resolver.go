package outcome

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/driftwatch/alignd/internal/outcome"

// Recorder persists newly created outcomes. Implementations must be safe
// for concurrent use.
type Recorder interface {
	AppendOutcome(ctx context.Context, o *Outcome) error
}

// Resolver composes the signal classifier and the telemetry correlator
// into a final Outcome. Resolution is synchronous, performs no network
// I/O, and runs inside the agent's live response path.
type Resolver struct {
	classifier *SignalClassifier
	correlator *Correlator
	recorder   Recorder
	logger     *zap.Logger

	meter           metric.Meter
	resolvedCounter metric.Int64Counter
}

// NewResolver creates an outcome resolver. recorder may be nil, in which
// case outcomes are not persisted (useful for nudge re-resolution).
func NewResolver(classifier *SignalClassifier, recorder Recorder, logger *zap.Logger) (*Resolver, error) {
	if classifier == nil {
		return nil, errors.New("signal classifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Resolver{
		classifier: classifier,
		correlator: NewCorrelator(),
		recorder:   recorder,
		logger:     logger,
		meter:      otel.Meter(instrumentationName),
	}

	var err error
	r.resolvedCounter, err = r.meter.Int64Counter(
		"alignd.outcome.resolved_total",
		metric.WithDescription("Total outcomes resolved, labeled by classification"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		logger.Warn("failed to create resolved counter", zap.Error(err))
	}

	return r, nil
}

// Resolve evaluates one agent turn and persists the resulting Outcome.
//
// The decision table correlates the lexical signal with tool telemetry:
//
//	tools called, all empty, refusal wording  -> Success (valid empty set)
//	tools called, any error, refusal wording  -> GiveUp (error not surfaced)
//	no tools called, refusal wording          -> GiveUp (no attempt)
//	tools called, partial data, refusal       -> GiveUp (incomplete search)
//	no refusal wording                        -> Success
//
// A persistence failure is logged and reported to the caller but the
// resolved Outcome is still returned; the live response path must never
// be affected by a kernel storage problem.
func (r *Resolver) Resolve(ctx context.Context, agentID, prompt, response string, telemetry []ToolExecutionRecord) (*Outcome, error) {
	o, err := NewOutcome(agentID, prompt, response)
	if err != nil {
		return nil, err
	}
	o.ToolTelemetry = telemetry

	toolCtx := r.correlator.Correlate(telemetry)
	sig := r.classifier.Classify(response, toolCtx)

	o.Classification, o.Rationale = r.decide(sig, toolCtx, response)
	o.Confidence = sig.Confidence

	if r.resolvedCounter != nil {
		r.resolvedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("classification", string(o.Classification)),
			attribute.String("signal_category", string(sig.Category)),
		))
	}

	r.logger.Debug("outcome resolved",
		zap.String("id", o.ID),
		zap.String("agent_id", agentID),
		zap.String("classification", string(o.Classification)),
		zap.Float64("confidence", o.Confidence),
		zap.String("rationale", o.Rationale))

	if r.recorder != nil {
		if err := r.recorder.AppendOutcome(ctx, o); err != nil {
			r.logger.Error("failed to persist outcome",
				zap.String("id", o.ID),
				zap.Error(err))
			return o, fmt.Errorf("persisting outcome: %w", err)
		}
	}

	return o, nil
}

// decide applies the decision table. The table must be preserved exactly:
// a legitimately empty result and laziness are textually indistinguishable
// without telemetry correlation.
func (r *Resolver) decide(sig SignalResult, toolCtx ToolContext, response string) (Classification, string) {
	if sig.Category == SignalError {
		return Failure, "response could not be scored: " + sig.Rationale
	}

	if !sig.IsRefusal {
		return Success, sig.Rationale
	}

	// Refusal wording from here on.
	switch {
	case toolCtx.AllEmpty():
		return Success, "refusal wording but all tool calls returned empty results: valid empty set"
	case toolCtx.Called() && toolCtx.AnyError():
		return GiveUp, "tool call errored and the error was not surfaced"
	case !toolCtx.Called():
		if r.classifier.IsPolicyRefusal(response) {
			return Blocked, "explicit policy refusal with no tool attempt"
		}
		return GiveUp, "refusal wording with no tool attempt"
	default:
		return GiveUp, "refusal wording despite an incomplete search: " + toolCtx.Summary()
	}
}
