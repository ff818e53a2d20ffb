package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/outcome"
)

// JournalRecorder persists resolved outcomes to the event journal. It
// is the Recorder the resolver is wired with in production.
type JournalRecorder struct {
	journal *journal.Journal
}

// NewJournalRecorder creates a recorder.
func NewJournalRecorder(jrn *journal.Journal) (*JournalRecorder, error) {
	if jrn == nil {
		return nil, fmt.Errorf("journal is required")
	}
	return &JournalRecorder{journal: jrn}, nil
}

// AppendOutcome journals one resolved outcome.
func (r *JournalRecorder) AppendOutcome(_ context.Context, o *outcome.Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	if _, err := r.journal.Append(journal.KindOutcome, payload); err != nil {
		return fmt.Errorf("journaling outcome: %w", err)
	}
	return nil
}
