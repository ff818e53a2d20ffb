package memtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/patch"
)

// ErrEmptyModelVersion is returned for upgrade events without a version.
var ErrEmptyModelVersion = errors.New("model version cannot be empty")

// ModelUpgradeEvent announces that the underlying reasoning engine
// changed. Patches compensating for the old engine's defects are now
// suspect.
type ModelUpgradeEvent struct {
	// ModelVersion identifies the engine version being upgraded to.
	ModelVersion string `json:"model_version"`

	// PreviousVersion identifies the engine being replaced, if known.
	PreviousVersion string `json:"previous_version,omitempty"`

	// OccurredAt is when the upgrade took effect.
	OccurredAt time.Time `json:"occurred_at"`
}

// PurgeReport summarizes one purge run.
type PurgeReport struct {
	// ModelVersion is the upgrade that triggered the purge.
	ModelVersion string `json:"model_version"`

	// Deleted lists the IDs of removed TypeA patches.
	Deleted []string `json:"deleted"`

	// Retained lists the IDs of TypeB patches left untouched.
	Retained []string `json:"retained"`

	// TokensReclaimed is the estimated prompt-token weight of the
	// deleted patch text.
	TokensReclaimed int `json:"tokens_reclaimed"`

	// AlreadyApplied is true when this version was purged before and
	// nothing was done.
	AlreadyApplied bool `json:"already_applied"`

	// CompletedAt is when the purge finished.
	CompletedAt time.Time `json:"completed_at"`
}

// Purge deletes every TypeA patch in response to a model upgrade. TypeB
// patches are never touched regardless of tier or age. The operation is
// idempotent per model version: replaying the same event is a no-op.
func (s *Store) Purge(ctx context.Context, event ModelUpgradeEvent) (*PurgeReport, error) {
	if event.ModelVersion == "" {
		return nil, ErrEmptyModelVersion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.purged[event.ModelVersion] {
		s.logger.Info("purge already applied, skipping",
			zap.String("model_version", event.ModelVersion))
		return &PurgeReport{
			ModelVersion:   event.ModelVersion,
			AlreadyApplied: true,
			Retained:       s.idsLocked(),
			CompletedAt:    timeNow(),
		}, nil
	}

	if err := s.verifyLocked(); err != nil {
		return nil, err
	}

	deleted := make([]string, 0)
	tokens := 0
	for id, p := range s.arena {
		if p.DecayType == patch.DecayTypeA {
			deleted = append(deleted, id)
			tokens += p.TokenWeight()
		}
	}

	payload, _ := json.Marshal(purgeRecord{
		ModelVersion: event.ModelVersion,
		DeletedIDs:   deleted,
		At:           timeNow(),
	})
	if _, err := s.journal.Append(journal.KindPurge, payload); err != nil {
		return nil, fmt.Errorf("journaling purge: %w", err)
	}

	for _, id := range deleted {
		s.removeLocked(id)
		if s.index != nil {
			if err := s.index.Remove(ctx, id); err != nil {
				s.logger.Warn("failed to deindex purged patch",
					zap.String("patch_id", id), zap.Error(err))
			}
		}
	}
	s.purged[event.ModelVersion] = true

	report := &PurgeReport{
		ModelVersion:    event.ModelVersion,
		Deleted:         deleted,
		Retained:        s.idsLocked(),
		TokensReclaimed: tokens,
		CompletedAt:     timeNow(),
	}

	s.logger.Info("upgrade purge complete",
		zap.String("model_version", event.ModelVersion),
		zap.Int("deleted", len(deleted)),
		zap.Int("retained", len(report.Retained)),
		zap.Int("tokens_reclaimed", tokens))

	return report, nil
}

func (s *Store) idsLocked() []string {
	ids := make([]string, 0, len(s.arena))
	for id := range s.arena {
		ids = append(ids, id)
	}
	return ids
}
