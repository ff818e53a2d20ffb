package patch

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for patch operations.
var (
	ErrEmptyText      = errors.New("patch text cannot be empty")
	ErrEmptyOutcomeID = errors.New("source outcome ID cannot be empty")
	ErrInvalidDecay   = errors.New("decay type must be type_a or type_b")
	ErrInvalidTier    = errors.New("tier must be kernel, cache, or archive")
)

// DecayType classifies a patch's expected useful lifetime relative to
// future reasoning-engine upgrades.
type DecayType string

const (
	// DecayTypeA marks capability or format defects expected to be
	// fixed by future model upgrades. TypeA patches are deleted on the
	// next upgrade purge.
	DecayTypeA DecayType = "type_a"

	// DecayTypeB marks durable business or world knowledge. TypeB
	// patches survive every purge.
	DecayTypeB DecayType = "type_b"
)

// Tier is one of the three storage levels governing how aggressively a
// patch is surfaced.
type Tier string

const (
	// TierKernel patches are always injected.
	TierKernel Tier = "kernel"

	// TierCache patches are surfaced conditionally by context relevance.
	TierCache Tier = "cache"

	// TierArchive patches are available on demand only.
	TierArchive Tier = "archive"
)

// ValidTier reports whether s is a recognized tier name.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierKernel, TierCache, TierArchive:
		return true
	}
	return false
}

// Patch is a durable, minimal behavioral correction synthesized from a
// confirmed lazy give-up.
//
// The decay type is write-once. Text is never edited after creation;
// superseding a patch means creating a new one and demoting the old.
// Tier and usage count are mutated only by the tiered store, and a patch
// is deleted only by an upgrade purge (TypeA only).
type Patch struct {
	// ID is the unique patch identifier (UUID).
	ID string `json:"id"`

	// Text is the corrective instruction injected into future turns.
	Text string `json:"text"`

	// DecayType is the write-once lifespan classification.
	DecayType DecayType `json:"decay_type"`

	// SourceOutcomeID links back to the give-up that produced this patch.
	SourceOutcomeID string `json:"source_outcome_id"`

	// Tier is the current storage level.
	Tier Tier `json:"tier"`

	// UsageCount tracks how many times this patch was surfaced. It is
	// monotonically non-decreasing until deletion.
	UsageCount int `json:"usage_count"`

	// CreatedAt is when the patch was created.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the patch was last surfaced.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`

	// Verified indicates the patch came from an oracle-confirmed audit
	// rather than an unverified heuristic.
	Verified bool `json:"verified"`
}

// New creates a patch with a generated UUID and default values. The tier
// is assigned later by the tiered store.
func New(text string, decay DecayType, sourceOutcomeID string) (*Patch, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if sourceOutcomeID == "" {
		return nil, ErrEmptyOutcomeID
	}
	if decay != DecayTypeA && decay != DecayTypeB {
		return nil, ErrInvalidDecay
	}

	return &Patch{
		ID:              uuid.New().String(),
		Text:            text,
		DecayType:       decay,
		SourceOutcomeID: sourceOutcomeID,
		CreatedAt:       time.Now(),
	}, nil
}

// Validate checks the patch has valid fields.
func (p *Patch) Validate() error {
	if p.ID == "" {
		return errors.New("patch ID cannot be empty")
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return errors.New("invalid patch ID format")
	}
	if p.Text == "" {
		return ErrEmptyText
	}
	if p.SourceOutcomeID == "" {
		return ErrEmptyOutcomeID
	}
	if p.DecayType != DecayTypeA && p.DecayType != DecayTypeB {
		return ErrInvalidDecay
	}
	switch p.Tier {
	case TierKernel, TierCache, TierArchive:
	default:
		return ErrInvalidTier
	}
	if p.UsageCount < 0 {
		return errors.New("usage count cannot be negative")
	}
	return nil
}

// TokenWeight estimates the prompt-token cost of injecting this patch.
// Uses the common four-characters-per-token heuristic.
func (p *Patch) TokenWeight() int {
	if len(p.Text) == 0 {
		return 0
	}
	return (len(p.Text) + 3) / 4
}
