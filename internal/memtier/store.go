// Package memtier implements the tiered patch store: a kernel tier that
// is always injected, a cache tier surfaced by relevance, and an archive
// tier held for on-demand retrieval. Every mutation is journaled so the
// store can be rebuilt from the event log on restart.
package memtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/patch"
)

// Common errors for store operations.
var (
	ErrPatchNotFound      = errors.New("patch not found")
	ErrDuplicatePatch     = errors.New("patch already stored")
	ErrStoreInconsistency = errors.New("tier index inconsistent with patch arena")
)

// Config holds the tier movement tunables.
type Config struct {
	// PromoteThreshold is the number of uses within PromoteWindow that
	// moves a cache patch into the kernel tier.
	PromoteThreshold int `koanf:"promote_threshold"`

	// PromoteWindow is the sliding window for counting promotions.
	PromoteWindow time.Duration `koanf:"promote_window"`

	// StaleAfter is how long a patch may go unused before maintenance
	// demotes it to the archive tier.
	StaleAfter time.Duration `koanf:"stale_after"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.PromoteThreshold == 0 {
		c.PromoteThreshold = 3
	}
	if c.PromoteWindow == 0 {
		c.PromoteWindow = 24 * time.Hour
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 14 * 24 * time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.PromoteThreshold < 1 {
		return fmt.Errorf("promote threshold must be at least 1")
	}
	if c.PromoteWindow <= 0 {
		return fmt.Errorf("promote window must be positive")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale-after must be positive")
	}
	return nil
}

// journal payload shapes. These are the wire format of the event log;
// changing a field name breaks replay of existing journals.
type tierChangeRecord struct {
	PatchID string     `json:"patch_id"`
	From    patch.Tier `json:"from"`
	To      patch.Tier `json:"to"`
	Reason  string     `json:"reason"`
}

type usageRecord struct {
	PatchID string    `json:"patch_id"`
	At      time.Time `json:"at"`
}

type purgeRecord struct {
	ModelVersion string    `json:"model_version"`
	DeletedIDs   []string  `json:"deleted_ids"`
	At           time.Time `json:"at"`
}

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// Store is the tiered patch store. All public methods are safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	arena  map[string]*patch.Patch
	tiers  map[patch.Tier]map[string]struct{}
	usage  map[string][]time.Time
	purged map[string]bool // model versions already purged

	config  Config
	journal *journal.Journal
	index   RetrievalIndex
	logger  *zap.Logger

	inconsistent bool
}

// NewStore creates a store and rebuilds state from the journal. The
// retrieval index may be nil; cache retrieval then falls back to
// recency ordering.
func NewStore(config Config, jrn *journal.Journal, index RetrievalIndex, logger *zap.Logger) (*Store, error) {
	if jrn == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	s := &Store{
		arena:   make(map[string]*patch.Patch),
		tiers:   newTierSets(),
		usage:   make(map[string][]time.Time),
		purged:  make(map[string]bool),
		config:  config,
		journal: jrn,
		index:   index,
		logger:  logger,
	}

	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("replaying journal: %w", err)
	}

	logger.Info("tiered store ready",
		zap.Int("kernel", len(s.tiers[patch.TierKernel])),
		zap.Int("cache", len(s.tiers[patch.TierCache])),
		zap.Int("archive", len(s.tiers[patch.TierArchive])))

	return s, nil
}

func newTierSets() map[patch.Tier]map[string]struct{} {
	return map[patch.Tier]map[string]struct{}{
		patch.TierKernel:  make(map[string]struct{}),
		patch.TierCache:   make(map[string]struct{}),
		patch.TierArchive: make(map[string]struct{}),
	}
}

// replay rebuilds the arena and tier sets from journaled events.
// Corrupted payloads are skipped with a warning; the journal already
// dropped entries with bad checksums.
func (s *Store) replay() error {
	for _, entry := range s.journal.Entries(journal.KindPatch, journal.KindTierChange, journal.KindUsage, journal.KindPurge) {
		switch entry.Kind {
		case journal.KindPatch:
			var p patch.Patch
			if err := json.Unmarshal(entry.Payload, &p); err != nil {
				s.logger.Warn("skipping unreadable patch event", zap.String("entry_id", entry.ID), zap.Error(err))
				continue
			}
			s.arena[p.ID] = &p
			s.tiers[p.Tier][p.ID] = struct{}{}

		case journal.KindTierChange:
			var rec tierChangeRecord
			if err := json.Unmarshal(entry.Payload, &rec); err != nil {
				s.logger.Warn("skipping unreadable tier event", zap.String("entry_id", entry.ID), zap.Error(err))
				continue
			}
			p, ok := s.arena[rec.PatchID]
			if !ok {
				continue
			}
			delete(s.tiers[p.Tier], p.ID)
			p.Tier = rec.To
			s.tiers[rec.To][p.ID] = struct{}{}

		case journal.KindUsage:
			var rec usageRecord
			if err := json.Unmarshal(entry.Payload, &rec); err != nil {
				continue
			}
			if p, ok := s.arena[rec.PatchID]; ok {
				p.UsageCount++
				p.LastUsedAt = rec.At
				s.usage[p.ID] = append(s.usage[p.ID], rec.At)
			}

		case journal.KindPurge:
			var rec purgeRecord
			if err := json.Unmarshal(entry.Payload, &rec); err != nil {
				continue
			}
			s.purged[rec.ModelVersion] = true
			for _, id := range rec.DeletedIDs {
				s.removeLocked(id)
			}
		}
	}
	return nil
}

// Add stores a new patch. A patch arriving without a tier is placed by
// decay type: a verified durable patch goes straight to kernel,
// everything else starts in cache. The event is journaled before the
// in-memory state changes.
func (s *Store) Add(ctx context.Context, p *patch.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Tier == "" {
		if p.DecayType == patch.DecayTypeB && p.Verified {
			p.Tier = patch.TierKernel
		} else {
			p.Tier = patch.TierCache
		}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if _, exists := s.arena[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePatch, p.ID)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}
	if _, err := s.journal.Append(journal.KindPatch, payload); err != nil {
		return fmt.Errorf("journaling patch: %w", err)
	}

	stored := *p
	s.arena[stored.ID] = &stored
	s.tiers[stored.Tier][stored.ID] = struct{}{}

	// Only cache patches are indexed: kernel patches are always
	// injected and archive patches are not surfaced by relevance, so
	// either would crowd real cache matches out of the query slots.
	if s.index != nil && stored.Tier == patch.TierCache {
		if err := s.index.Index(ctx, &stored); err != nil {
			s.logger.Warn("failed to index patch", zap.String("patch_id", stored.ID), zap.Error(err))
		}
	}

	s.logger.Info("patch stored",
		zap.String("patch_id", stored.ID),
		zap.String("tier", string(stored.Tier)),
		zap.String("decay_type", string(stored.DecayType)))

	return nil
}

// Get returns a copy of the patch.
func (s *Store) Get(id string) (*patch.Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.arena[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatchNotFound, id)
	}
	cp := *p
	return &cp, nil
}

// ByTier returns copies of all patches in a tier, newest first.
func (s *Store) ByTier(tier patch.Tier) []*patch.Patch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*patch.Patch, 0, len(s.tiers[tier]))
	for id := range s.tiers[tier] {
		cp := *s.arena[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Len returns the total number of stored patches.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arena)
}

// KernelPatches returns the always-injected set.
func (s *Store) KernelPatches() []*patch.Patch {
	return s.ByTier(patch.TierKernel)
}

// Retrieve returns up to k cache-tier patches relevant to the prompt.
// Without an index it returns the most recently used cache patches.
func (s *Store) Retrieve(ctx context.Context, prompt string, k int) ([]*patch.Patch, error) {
	if s.index == nil {
		cached := s.ByTier(patch.TierCache)
		sort.Slice(cached, func(a, b int) bool {
			return cached[a].LastUsedAt.After(cached[b].LastUsedAt)
		})
		if len(cached) > k {
			cached = cached[:k]
		}
		return cached, nil
	}

	// Over-fetch so entries the index has not caught up on (just
	// promoted or purged) cannot starve the result set.
	matches, err := s.index.Query(ctx, prompt, 2*k)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*patch.Patch, 0, k)
	for _, m := range matches {
		p, ok := s.arena[m.PatchID]
		if !ok {
			continue
		}
		if _, inCache := s.tiers[patch.TierCache][p.ID]; !inCache {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// RecordUse marks a patch as surfaced. Usage counts only ever grow. A
// used archive patch returns to the cache tier, and a cache patch that
// crosses the promotion threshold inside the window moves to kernel.
func (s *Store) RecordUse(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.arena[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPatchNotFound, id)
	}

	now := timeNow()
	payload, _ := json.Marshal(usageRecord{PatchID: id, At: now})
	if _, err := s.journal.Append(journal.KindUsage, payload); err != nil {
		return fmt.Errorf("journaling usage: %w", err)
	}

	p.UsageCount++
	p.LastUsedAt = now
	s.usage[id] = s.trimWindow(append(s.usage[id], now), now)

	if p.Tier == patch.TierArchive {
		if err := s.moveLocked(ctx, p, patch.TierCache, "archive hit"); err != nil {
			return err
		}
	}

	if p.Tier == patch.TierCache && len(s.usage[id]) >= s.config.PromoteThreshold {
		if err := s.moveLocked(ctx, p, patch.TierKernel, "promotion threshold reached"); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) trimWindow(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-s.config.PromoteWindow)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// moveLocked journals and applies a tier change. Callers hold s.mu.
func (s *Store) moveLocked(ctx context.Context, p *patch.Patch, to patch.Tier, reason string) error {
	if p.Tier == to {
		return nil
	}
	if err := s.verifyLocked(); err != nil {
		return err
	}

	from := p.Tier
	payload, _ := json.Marshal(tierChangeRecord{PatchID: p.ID, From: from, To: to, Reason: reason})
	if _, err := s.journal.Append(journal.KindTierChange, payload); err != nil {
		return fmt.Errorf("journaling tier change: %w", err)
	}

	delete(s.tiers[from], p.ID)
	p.Tier = to
	s.tiers[to][p.ID] = struct{}{}

	if s.index != nil {
		switch {
		case to == patch.TierCache:
			if err := s.index.Index(ctx, p); err != nil {
				s.logger.Warn("failed to reindex patch", zap.String("patch_id", p.ID), zap.Error(err))
			}
		case from == patch.TierCache:
			if err := s.index.Remove(ctx, p.ID); err != nil {
				s.logger.Warn("failed to deindex patch", zap.String("patch_id", p.ID), zap.Error(err))
			}
		}
	}

	s.logger.Info("patch tier changed",
		zap.String("patch_id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	return nil
}

// Maintain demotes stale patches to archive. Kernel and cache patches
// unused past the staleness window both drop out of the active tiers;
// archive patches stay put until used again.
func (s *Store) Maintain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyLocked(); err != nil {
		return err
	}

	cutoff := timeNow().Add(-s.config.StaleAfter)
	for _, p := range s.stalePatchesLocked(cutoff) {
		if p.Tier == patch.TierArchive {
			continue
		}
		if err := s.moveLocked(ctx, p, patch.TierArchive, "stale"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) stalePatchesLocked(cutoff time.Time) []*patch.Patch {
	stale := make([]*patch.Patch, 0)
	for _, p := range s.arena {
		last := p.LastUsedAt
		if last.IsZero() {
			last = p.CreatedAt
		}
		if last.Before(cutoff) {
			stale = append(stale, p)
		}
	}
	return stale
}

// removeLocked deletes a patch from all in-memory structures.
func (s *Store) removeLocked(id string) {
	p, ok := s.arena[id]
	if !ok {
		return
	}
	delete(s.tiers[p.Tier], id)
	delete(s.arena, id)
	delete(s.usage, id)
}

// verifyLocked checks that every patch sits in exactly one tier set and
// that no tier set references a missing patch. A failed check latches
// the store into a read-only state for tier movement and purges.
func (s *Store) verifyLocked() error {
	if s.inconsistent {
		return ErrStoreInconsistency
	}

	seen := 0
	for tier, set := range s.tiers {
		for id := range set {
			p, ok := s.arena[id]
			if !ok || p.Tier != tier {
				s.inconsistent = true
				s.logger.Error("tier index out of sync",
					zap.String("patch_id", id),
					zap.String("tier", string(tier)))
				return ErrStoreInconsistency
			}
			seen++
		}
	}
	if seen != len(s.arena) {
		s.inconsistent = true
		s.logger.Error("patch arena and tier sets disagree",
			zap.Int("indexed", seen),
			zap.Int("arena", len(s.arena)))
		return ErrStoreInconsistency
	}
	return nil
}

// Verify runs the integrity check on demand.
func (s *Store) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyLocked()
}
