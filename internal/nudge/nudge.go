// Package nudge issues retry prompts when an agent appears to give up.
// A nudge asks the agent to try once more with a concrete suggestion
// before the give-up is accepted and audited.
package nudge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/outcome"
)

// Common errors for nudge operations.
var (
	ErrNudgeLimit   = errors.New("nudge limit reached for outcome")
	ErrNotGiveUp    = errors.New("outcome is not a give-up")
	ErrUnknownNudge = errors.New("nudge not found")
)

// TemplateKey selects the retry wording.
type TemplateKey string

const (
	// KeyNoDataFound is used when tools ran but the agent reported an
	// empty result despite errors or partial coverage.
	KeyNoDataFound TemplateKey = "no_data_found"

	// KeyCannotAnswer is used when the agent declined without trying
	// its tools.
	KeyCannotAnswer TemplateKey = "cannot_answer"

	// KeyInsufficientInfo is the fallback for hedging responses.
	KeyInsufficientInfo TemplateKey = "insufficient_info"
)

var defaultTemplates = map[TemplateKey]string{
	KeyNoDataFound:      "Before concluding no data exists, retry with broader terms, adjacent time ranges, or alternate spellings. %s",
	KeyCannotAnswer:     "You have tools available for this question and none were tried. Attempt the task with them before declining. %s",
	KeyInsufficientInfo: "Your answer is inconclusive. Break the question into smaller lookups and attempt each one. %s",
}

// Nudge is one retry request issued for a give-up.
type Nudge struct {
	ID            string      `json:"id"`
	OutcomeID     string      `json:"outcome_id"`
	AgentID       string      `json:"agent_id"`
	Key           TemplateKey `json:"key"`
	Text          string      `json:"text"`
	Attempt       int         `json:"attempt"`
	RetryResponse string      `json:"retry_response,omitempty"`
	Succeeded     bool        `json:"succeeded"`

	// Improved is true when the retry turned the give-up into a
	// success.
	Improved  bool      `json:"improved"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds nudge tunables.
type Config struct {
	// MaxPerOutcome bounds retries per give-up. Defaults to 1.
	MaxPerOutcome int `koanf:"max_per_outcome"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxPerOutcome == 0 {
		c.MaxPerOutcome = 1
	}
}

// Stats summarizes nudge effectiveness.
type Stats struct {
	Issued    int `json:"issued"`
	Succeeded int `json:"succeeded"`
}

// SuccessRate returns the fraction of resolved nudges that ended in
// success, or 0 with nothing issued.
func (s Stats) SuccessRate() float64 {
	if s.Issued == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Issued)
}

// Resolver re-classifies a retry response. *outcome.Resolver satisfies
// it.
type Resolver interface {
	Resolve(ctx context.Context, agentID, prompt, response string, telemetry []outcome.ToolExecutionRecord) (*outcome.Outcome, error)
}

// Nudger issues and settles retry nudges.
type Nudger struct {
	config   Config
	resolver Resolver
	journal  *journal.Journal
	logger   *zap.Logger

	mu       sync.Mutex
	attempts map[string]int    // outcome ID -> nudges issued
	open     map[string]*Nudge // nudge ID -> unresolved nudge
	stats    Stats
}

// NewNudger creates a nudger.
func NewNudger(config Config, resolver Resolver, jrn *journal.Journal, logger *zap.Logger) (*Nudger, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if jrn == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Nudger{
		config:   config,
		resolver: resolver,
		journal:  jrn,
		logger:   logger,
		attempts: make(map[string]int),
		open:     make(map[string]*Nudge),
	}, nil
}

// Issue creates a retry nudge for a give-up outcome. Exceeding the
// per-outcome limit returns ErrNudgeLimit; the caller then lets the
// give-up stand and proceeds to audit.
func (n *Nudger) Issue(ctx context.Context, out *outcome.Outcome) (*Nudge, error) {
	if out == nil {
		return nil, fmt.Errorf("outcome cannot be nil")
	}
	if out.Classification != outcome.GiveUp {
		return nil, fmt.Errorf("%w: %s", ErrNotGiveUp, out.Classification)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.attempts[out.ID] >= n.config.MaxPerOutcome {
		return nil, fmt.Errorf("%w: %s", ErrNudgeLimit, out.ID)
	}
	n.attempts[out.ID]++

	key := selectTemplate(out)
	nd := &Nudge{
		ID:        uuid.New().String(),
		OutcomeID: out.ID,
		AgentID:   out.AgentID,
		Key:       key,
		Text:      fmt.Sprintf(defaultTemplates[key], "The original question: "+out.Prompt),
		Attempt:   n.attempts[out.ID],
		CreatedAt: time.Now(),
	}

	if err := n.journalNudge(nd); err != nil {
		return nil, err
	}
	n.open[nd.ID] = nd
	n.stats.Issued++

	n.logger.Info("nudge issued",
		zap.String("nudge_id", nd.ID),
		zap.String("outcome_id", out.ID),
		zap.String("template", string(key)),
		zap.Int("attempt", nd.Attempt))

	return nd, nil
}

// RecordResult settles a nudge with the agent's retry response. The
// retry is re-classified with the same pipeline as any other response;
// the nudge succeeded when the retry resolves to success.
func (n *Nudger) RecordResult(ctx context.Context, nudgeID, response string, telemetry []outcome.ToolExecutionRecord) (*outcome.Outcome, error) {
	n.mu.Lock()
	nd, ok := n.open[nudgeID]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNudge, nudgeID)
	}

	retry, err := n.resolver.Resolve(ctx, nd.AgentID, nd.Text, response, telemetry)
	if err != nil {
		return nil, fmt.Errorf("resolving retry: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	nd.Resolved = true
	nd.RetryResponse = response
	nd.Succeeded = retry.Classification == outcome.Success
	nd.Improved = nd.Succeeded
	delete(n.open, nudgeID)
	if nd.Succeeded {
		n.stats.Succeeded++
	}

	if err := n.journalNudge(nd); err != nil {
		return retry, err
	}

	n.logger.Info("nudge resolved",
		zap.String("nudge_id", nd.ID),
		zap.String("outcome_id", nd.OutcomeID),
		zap.Bool("succeeded", nd.Succeeded))

	return retry, nil
}

// Abandon settles a nudge whose result never arrived. The nudge counts
// as unsuccessful and its ID is forgotten; a late RecordResult for it
// returns ErrUnknownNudge.
func (n *Nudger) Abandon(nudgeID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	nd, ok := n.open[nudgeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNudge, nudgeID)
	}

	nd.Resolved = true
	delete(n.open, nudgeID)

	if err := n.journalNudge(nd); err != nil {
		return err
	}

	n.logger.Info("nudge abandoned",
		zap.String("nudge_id", nd.ID),
		zap.String("outcome_id", nd.OutcomeID))
	return nil
}

// Stats returns a snapshot of nudge effectiveness.
func (n *Nudger) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Nudger) journalNudge(nd *Nudge) error {
	payload, err := json.Marshal(nd)
	if err != nil {
		return fmt.Errorf("encoding nudge: %w", err)
	}
	if _, err := n.journal.Append(journal.KindNudge, payload); err != nil {
		return fmt.Errorf("journaling nudge: %w", err)
	}
	return nil
}

// selectTemplate picks wording from the shape of the give-up.
func selectTemplate(out *outcome.Outcome) TemplateKey {
	toolCtx := outcome.NewCorrelator().Correlate(out.ToolTelemetry)
	if !toolCtx.Called() {
		return KeyCannotAnswer
	}

	lower := strings.ToLower(out.Response)
	if strings.Contains(lower, "no ") && (strings.Contains(lower, "found") || strings.Contains(lower, "exist")) {
		return KeyNoDataFound
	}
	if strings.Contains(lower, "not found") || strings.Contains(lower, "couldn't find") || strings.Contains(lower, "could not find") {
		return KeyNoDataFound
	}
	return KeyInsufficientInfo
}
