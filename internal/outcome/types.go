package outcome

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for outcome operations.
var (
	ErrEmptyAgentID   = errors.New("agent ID cannot be empty")
	ErrEmptyPrompt    = errors.New("prompt cannot be empty")
	ErrInvalidOutcome = errors.New("invalid outcome")
)

// Classification is the final verdict on a single agent turn.
type Classification string

const (
	// Success indicates the agent produced a legitimate result,
	// including a correctly reported empty result set.
	Success Classification = "success"

	// GiveUp indicates the agent declined to fully attempt the task
	// while presenting the refusal as an outcome.
	GiveUp Classification = "give_up"

	// Failure indicates the turn could not be evaluated (e.g. empty
	// or malformed response).
	Failure Classification = "failure"

	// Blocked indicates the agent explicitly declined for policy
	// reasons without attempting any tool call.
	Blocked Classification = "blocked"
)

// ToolStatus is the terminal state of a single tool execution.
type ToolStatus string

const (
	ToolSuccess     ToolStatus = "success"
	ToolError       ToolStatus = "error"
	ToolEmptyResult ToolStatus = "empty_result"
	ToolNotCalled   ToolStatus = "not_called"
)

// ToolExecutionRecord is a structured record of one tool invocation made
// while the agent produced its response. Records are attached at Outcome
// creation and never mutated.
type ToolExecutionRecord struct {
	// ToolName identifies the tool that was invoked.
	ToolName string `json:"tool_name"`

	// Status is the terminal state of the invocation.
	Status ToolStatus `json:"status"`

	// ResultSummary is a short description of what the tool returned.
	ResultSummary string `json:"result_summary,omitempty"`

	// Latency is how long the invocation took.
	Latency time.Duration `json:"latency,omitempty"`

	// ErrorMessage holds the error text when Status is ToolError.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Outcome is the immutable evaluation of a single agent turn.
//
// An Outcome is created exactly once per turn by the Resolver and is
// referenced by at most one Audit and at most one NudgeRecord.
type Outcome struct {
	// ID is the unique outcome identifier (UUID).
	ID string `json:"id"`

	// AgentID identifies the agent that produced the response.
	AgentID string `json:"agent_id"`

	// Prompt is the task the agent was given.
	Prompt string `json:"prompt"`

	// Response is the agent's verbatim answer text.
	Response string `json:"response"`

	// Classification is the resolved verdict.
	Classification Classification `json:"classification"`

	// Confidence is a score from 0.0 to 1.0 for the verdict.
	Confidence float64 `json:"confidence"`

	// Rationale explains how the verdict was reached.
	Rationale string `json:"rationale"`

	// ToolTelemetry holds the tool execution records for the turn.
	ToolTelemetry []ToolExecutionRecord `json:"tool_telemetry,omitempty"`

	// CreatedAt is when the outcome was resolved.
	CreatedAt time.Time `json:"created_at"`
}

// NewOutcome creates an Outcome with a generated UUID and timestamp.
func NewOutcome(agentID, prompt, response string) (*Outcome, error) {
	if agentID == "" {
		return nil, ErrEmptyAgentID
	}
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	return &Outcome{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Prompt:    prompt,
		Response:  response,
		CreatedAt: time.Now(),
	}, nil
}

// Validate checks the outcome has valid fields.
func (o *Outcome) Validate() error {
	if o.ID == "" {
		return errors.New("outcome ID cannot be empty")
	}
	if _, err := uuid.Parse(o.ID); err != nil {
		return errors.New("invalid outcome ID format")
	}
	if o.AgentID == "" {
		return ErrEmptyAgentID
	}
	switch o.Classification {
	case Success, GiveUp, Failure, Blocked:
	default:
		return ErrInvalidOutcome
	}
	if o.Confidence < 0.0 || o.Confidence > 1.0 {
		return errors.New("confidence must be between 0.0 and 1.0")
	}
	return nil
}
