// Package kernel wires outcome resolution, nudging, auditing, and the
// tiered patch store into the single entry point agent runtimes call
// after every turn.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/audit"
	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/memtier"
	"github.com/driftwatch/alignd/internal/nudge"
	"github.com/driftwatch/alignd/internal/outcome"
	"github.com/driftwatch/alignd/internal/patch"
)

const instrumentationName = "github.com/driftwatch/alignd/internal/kernel"

// Config holds kernel tunables.
type Config struct {
	// NudgeEnabled turns the retry path on. Defaults to true when
	// loaded through the config package.
	NudgeEnabled bool `koanf:"nudge_enabled"`

	// RetrieveK is how many cache patches to surface per prompt.
	RetrieveK int `koanf:"retrieve_k"`

	// NudgeTTL is how long a pending nudge may wait for its result
	// before the deferred audit runs anyway. Defaults to 10 minutes.
	NudgeTTL time.Duration `koanf:"nudge_ttl"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RetrieveK == 0 {
		c.RetrieveK = 3
	}
	if c.NudgeTTL == 0 {
		c.NudgeTTL = 10 * time.Minute
	}
}

// EvalRequest is one completed agent turn.
type EvalRequest struct {
	AgentID   string                        `json:"agent_id"`
	Prompt    string                        `json:"prompt"`
	Response  string                        `json:"response"`
	Telemetry []outcome.ToolExecutionRecord `json:"telemetry,omitempty"`
}

// EvalResult is the kernel's verdict on a turn. When Nudge is non-nil
// the caller should retry the turn with the nudge text and report back
// through NudgeResult before surfacing the response.
type EvalResult struct {
	Outcome     *outcome.Outcome `json:"outcome"`
	Nudge       *nudge.Nudge     `json:"nudge,omitempty"`
	AuditQueued bool             `json:"audit_queued"`
}

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// pendingNudge tracks a give-up whose audit is deferred until the nudge
// settles.
type pendingNudge struct {
	original *outcome.Outcome
	issuedAt time.Time
}

// Kernel is the alignment kernel service.
type Kernel struct {
	config   Config
	resolver *outcome.Resolver
	nudger   *nudge.Nudger
	auditor  *audit.Auditor
	store    *memtier.Store
	journal  *journal.Journal
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingNudge // nudge ID -> original give-up

	turnsEvaluated metric.Int64Counter
}

// New creates a kernel. The auditor and nudger are optional; a nil
// auditor disables verification and a nil nudger disables retries.
func New(config Config, resolver *outcome.Resolver, nudger *nudge.Nudger, auditor *audit.Auditor, store *memtier.Store, jrn *journal.Journal, logger *zap.Logger) (*Kernel, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if jrn == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	meter := otel.Meter(instrumentationName)
	turns, err := meter.Int64Counter("alignd.kernel.turns_total",
		metric.WithDescription("Agent turns evaluated, by classification"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, fmt.Errorf("creating turns counter: %w", err)
	}

	return &Kernel{
		config:         config,
		resolver:       resolver,
		nudger:         nudger,
		auditor:        auditor,
		store:          store,
		journal:        jrn,
		logger:         logger,
		pending:        make(map[string]pendingNudge),
		turnsEvaluated: turns,
	}, nil
}

// Evaluate classifies a finished turn. Successful turns return
// immediately. A give-up first gets a retry nudge when the retry path
// is open; the audit is deferred until the nudge settles so a
// successful retry never wastes oracle budget. When no nudge can be
// issued the audit is dispatched right away.
func (k *Kernel) Evaluate(ctx context.Context, req EvalRequest) (*EvalResult, error) {
	k.expirePending(ctx)

	out, err := k.resolver.Resolve(ctx, req.AgentID, req.Prompt, req.Response, req.Telemetry)
	if err != nil {
		if out == nil {
			return nil, err
		}
		// The turn was classified but could not be persisted. The
		// live path still gets its verdict; only the nudge and audit
		// followups are skipped.
		k.logger.Error("outcome persistence failed, returning verdict without followups",
			zap.String("outcome_id", out.ID),
			zap.Error(err))
		return &EvalResult{Outcome: out}, nil
	}

	k.turnsEvaluated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("classification", string(out.Classification))))

	result := &EvalResult{Outcome: out}
	if out.Classification != outcome.GiveUp {
		// Blocked turns are policy refusals; they are never retried
		// or audited.
		return result, nil
	}

	if k.config.NudgeEnabled && k.nudger != nil {
		nd, err := k.nudger.Issue(ctx, out)
		if err == nil {
			k.mu.Lock()
			k.pending[nd.ID] = pendingNudge{original: out, issuedAt: timeNow()}
			k.mu.Unlock()
			result.Nudge = nd
			return result, nil
		}
		if !errors.Is(err, nudge.ErrNudgeLimit) {
			k.logger.Warn("nudge issue failed",
				zap.String("outcome_id", out.ID),
				zap.Error(err))
		}
	}

	result.AuditQueued = k.dispatchAudit(ctx, out)
	return result, nil
}

// NudgeResult settles a retry. A successful retry closes the loop with
// no audit; a failed retry sends the original give-up to the oracle.
func (k *Kernel) NudgeResult(ctx context.Context, nudgeID, response string, telemetry []outcome.ToolExecutionRecord) (*EvalResult, error) {
	if k.nudger == nil {
		return nil, fmt.Errorf("retry path is disabled")
	}

	retry, err := k.nudger.RecordResult(ctx, nudgeID, response, telemetry)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	pend, had := k.pending[nudgeID]
	delete(k.pending, nudgeID)
	k.mu.Unlock()

	result := &EvalResult{Outcome: retry}
	if retry.Classification == outcome.Success {
		k.logger.Info("nudge recovered the turn",
			zap.String("nudge_id", nudgeID))
		return result, nil
	}

	if had {
		result.AuditQueued = k.dispatchAudit(ctx, pend.original)
	}
	return result, nil
}

// expirePending settles nudges whose result never arrived. The original
// give-up stands, so its deferred audit is dispatched now.
func (k *Kernel) expirePending(ctx context.Context) {
	cutoff := timeNow().Add(-k.config.NudgeTTL)

	k.mu.Lock()
	expired := make(map[string]pendingNudge)
	for id, pend := range k.pending {
		if pend.issuedAt.Before(cutoff) {
			expired[id] = pend
			delete(k.pending, id)
		}
	}
	k.mu.Unlock()

	for id, pend := range expired {
		k.logger.Warn("nudge expired without a result, auditing the original give-up",
			zap.String("nudge_id", id),
			zap.String("outcome_id", pend.original.ID))
		if k.nudger != nil {
			k.nudger.Abandon(id)
		}
		k.dispatchAudit(ctx, pend.original)
	}
}

func (k *Kernel) dispatchAudit(ctx context.Context, out *outcome.Outcome) bool {
	if k.auditor == nil {
		return false
	}
	if err := k.auditor.Submit(ctx, out); err != nil {
		if errors.Is(err, audit.ErrBudgetExceeded) {
			k.logger.Info("audit skipped, budget exhausted",
				zap.String("outcome_id", out.ID))
		} else {
			k.logger.Warn("audit submission failed",
				zap.String("outcome_id", out.ID),
				zap.Error(err))
		}
		return false
	}
	return true
}

// Inject returns the patches to prepend to an agent turn: the whole
// kernel tier plus up to RetrieveK relevant cache patches. Every
// returned patch has its usage recorded.
func (k *Kernel) Inject(ctx context.Context, agentID, prompt string) ([]*patch.Patch, error) {
	patches := k.store.KernelPatches()

	cached, err := k.store.Retrieve(ctx, prompt, k.config.RetrieveK)
	if err != nil {
		k.logger.Warn("cache retrieval failed, injecting kernel tier only",
			zap.String("agent_id", agentID),
			zap.Error(err))
	} else {
		patches = append(patches, cached...)
	}

	for _, p := range patches {
		if err := k.store.RecordUse(ctx, p.ID); err != nil {
			k.logger.Warn("failed to record patch use",
				zap.String("patch_id", p.ID),
				zap.Error(err))
		}
	}
	return patches, nil
}

// Patches lists the patches in one tier.
func (k *Kernel) Patches(tier patch.Tier) []*patch.Patch {
	return k.store.ByTier(tier)
}

// Store exposes the underlying tier store for purge consumers.
func (k *Kernel) Store() *memtier.Store {
	return k.store
}

// Stats summarizes kernel behavior since the journal's retention
// horizon.
type Stats struct {
	TotalOutcomes   int            `json:"total_outcomes"`
	GiveUps         int            `json:"give_ups"`
	AuditsCompleted int            `json:"audits_completed"`
	ConfirmedLazy   int            `json:"confirmed_lazy"`
	GiveUpRate      float64        `json:"give_up_rate"`
	LazinessRate    float64        `json:"laziness_rate"`
	NudgeStats      nudge.Stats    `json:"nudge_stats"`
	PatchesByTier   map[string]int `json:"patches_by_tier"`
	CompetenceScore float64        `json:"competence_score"`
}

// Stats computes the current competence summary from the journal.
func (k *Kernel) Stats() *Stats {
	s := &Stats{PatchesByTier: make(map[string]int)}

	for _, entry := range k.journal.Entries(journal.KindOutcome) {
		var rec struct {
			Classification outcome.Classification `json:"classification"`
		}
		if err := json.Unmarshal(entry.Payload, &rec); err != nil {
			continue
		}
		s.TotalOutcomes++
		if rec.Classification == outcome.GiveUp || rec.Classification == outcome.Blocked {
			s.GiveUps++
		}
	}

	for _, entry := range k.journal.Entries(journal.KindAudit) {
		var rec struct {
			Verdict audit.VerdictKind `json:"verdict"`
		}
		if err := json.Unmarshal(entry.Payload, &rec); err != nil {
			continue
		}
		s.AuditsCompleted++
		if rec.Verdict == audit.VerdictConfirmedLazy {
			s.ConfirmedLazy++
		}
	}

	if s.TotalOutcomes > 0 {
		s.GiveUpRate = float64(s.GiveUps) / float64(s.TotalOutcomes)
	}
	if s.AuditsCompleted > 0 {
		s.LazinessRate = float64(s.ConfirmedLazy) / float64(s.AuditsCompleted)
	}
	if k.nudger != nil {
		s.NudgeStats = k.nudger.Stats()
	}

	for _, tier := range []patch.Tier{patch.TierKernel, patch.TierCache, patch.TierArchive} {
		s.PatchesByTier[string(tier)] = len(k.store.ByTier(tier))
	}

	s.CompetenceScore = clamp(100-30*s.GiveUpRate-40*s.LazinessRate+20*s.NudgeStats.SuccessRate(), 0, 100)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
