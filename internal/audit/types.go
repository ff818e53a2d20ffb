// Package audit verifies suspected give-ups against an oracle with
// tool access and synthesizes behavioral patches from confirmed
// failures. Audits run asynchronously and never block the agent's
// response path.
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/driftwatch/alignd/internal/patch"
)

// Common errors for audit operations.
var (
	ErrAuditInFlight  = errors.New("audit already in flight for outcome")
	ErrBudgetExceeded = errors.New("audit budget exhausted")
	ErrNilOutcome     = errors.New("outcome cannot be nil")
	ErrNotGiveUp      = errors.New("only give-up outcomes are audited")
)

// VerdictKind is the oracle's judgment on a suspected give-up.
type VerdictKind string

const (
	// VerdictConfirmedLazy means the oracle found the answer the agent
	// claimed was unavailable. The give-up was a false negative.
	VerdictConfirmedLazy VerdictKind = "confirmed_lazy"

	// VerdictLegitimate means the oracle also found nothing. The
	// give-up was an accurate report.
	VerdictLegitimate VerdictKind = "legitimate"

	// VerdictInconclusive means the oracle failed or could not decide.
	VerdictInconclusive VerdictKind = "inconclusive"
)

// Verdict is the oracle's structured answer.
type Verdict struct {
	Kind VerdictKind

	// Confidence in the verdict, 0.0 to 1.0. Oracle failures produce
	// zero confidence.
	Confidence float64

	// Finding is what the oracle actually found, when it found anything.
	Finding string

	// PatchText is the corrective instruction proposed for a confirmed
	// lazy give-up.
	PatchText string

	// Category is the oracle's failure categorization, if given.
	Category patch.FailureCategory
}

// Audit is the durable record of one verification run.
type Audit struct {
	ID         string                `json:"id"`
	OutcomeID  string                `json:"outcome_id"`
	AgentID    string                `json:"agent_id"`
	Verdict    VerdictKind           `json:"verdict"`
	Confidence float64               `json:"confidence"`
	Finding    string                `json:"finding,omitempty"`
	PatchID    string                `json:"patch_id,omitempty"`
	Category   patch.FailureCategory `json:"category,omitempty"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

func newAudit(outcomeID, agentID string) *Audit {
	return &Audit{
		ID:        uuid.New().String(),
		OutcomeID: outcomeID,
		AgentID:   agentID,
		StartedAt: time.Now(),
	}
}
