package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/memtier"
	"github.com/driftwatch/alignd/internal/outcome"
	"github.com/driftwatch/alignd/internal/patch"
)

const instrumentationName = "github.com/driftwatch/alignd/internal/audit"

// SubjectAuditCompleted is the NATS subject for finished audits.
const SubjectAuditCompleted = "alignment.audit.completed"

// Publisher delivers audit completion events. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds the auditor tunables.
type Config struct {
	// RatePerSecond caps oracle calls. Defaults to 0.08 (one audit
	// every 12.5 seconds sustained).
	RatePerSecond float64 `koanf:"rate_per_second"`

	// Burst is the limiter burst size. Defaults to 1.
	Burst int `koanf:"burst"`

	// Timeout bounds a single oracle pass. Defaults to 2 minutes.
	Timeout time.Duration `koanf:"timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 0.08
	}
	if c.Burst == 0 {
		c.Burst = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Auditor dispatches asynchronous oracle verifications and turns
// confirmed lazy give-ups into stored patches.
type Auditor struct {
	oracle     Oracle
	store      *memtier.Store
	classifier *patch.DecayClassifier
	journal    *journal.Journal
	publisher  Publisher
	limiter    *rate.Limiter
	config     Config
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup

	onComplete func(*Audit)

	auditsStarted   metric.Int64Counter
	auditsCompleted metric.Int64Counter
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithPublisher sets the completion event publisher. Without one,
// completion events are only journaled.
func WithPublisher(p Publisher) Option {
	return func(a *Auditor) {
		a.publisher = p
	}
}

// WithCompletionCallback registers a hook invoked after every finished
// audit, successful or not.
func WithCompletionCallback(fn func(*Audit)) Option {
	return func(a *Auditor) {
		a.onComplete = fn
	}
}

// NewAuditor creates an auditor.
func NewAuditor(config Config, oracle Oracle, store *memtier.Store, jrn *journal.Journal, logger *zap.Logger, opts ...Option) (*Auditor, error) {
	if oracle == nil {
		return nil, fmt.Errorf("oracle is required")
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

	classifier, err := patch.NewDecayClassifier()
	if err != nil {
		return nil, fmt.Errorf("creating decay classifier: %w", err)
	}

	meter := otel.Meter(instrumentationName)
	started, err := meter.Int64Counter("alignd.audit.started_total",
		metric.WithDescription("Audits dispatched to the oracle"),
		metric.WithUnit("{audit}"))
	if err != nil {
		return nil, fmt.Errorf("creating started counter: %w", err)
	}
	completed, err := meter.Int64Counter("alignd.audit.completed_total",
		metric.WithDescription("Audits finished, by verdict"),
		metric.WithUnit("{audit}"))
	if err != nil {
		return nil, fmt.Errorf("creating completed counter: %w", err)
	}

	a := &Auditor{
		oracle:          oracle,
		store:           store,
		classifier:      classifier,
		journal:         jrn,
		limiter:         rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		config:          config,
		logger:          logger,
		inflight:        make(map[string]bool),
		auditsStarted:   started,
		auditsCompleted: completed,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Submit queues an asynchronous audit for a suspected give-up. It
// returns immediately; the verdict arrives via the completion callback
// and the event bus. An outcome already being audited, or an exhausted
// budget, rejects the submission without blocking.
func (a *Auditor) Submit(ctx context.Context, out *outcome.Outcome) error {
	if out == nil {
		return ErrNilOutcome
	}
	if err := out.Validate(); err != nil {
		return err
	}
	if out.Classification != outcome.GiveUp {
		return fmt.Errorf("%w: %s", ErrNotGiveUp, out.Classification)
	}

	a.mu.Lock()
	if a.inflight[out.ID] {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAuditInFlight, out.ID)
	}
	if !a.limiter.Allow() {
		a.mu.Unlock()
		return ErrBudgetExceeded
	}
	a.inflight[out.ID] = true
	a.mu.Unlock()

	a.auditsStarted.Add(ctx, 1)
	a.wg.Add(1)
	go a.runAudit(out)

	a.logger.Info("audit dispatched",
		zap.String("outcome_id", out.ID),
		zap.String("agent_id", out.AgentID))

	return nil
}

// Wait blocks until all in-flight audits finish. Used during shutdown
// and by tests.
func (a *Auditor) Wait() {
	a.wg.Wait()
}

func (a *Auditor) runAudit(out *outcome.Outcome) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, out.ID)
		a.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("audit goroutine panicked",
				zap.String("outcome_id", out.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()

	record := newAudit(out.ID, out.AgentID)

	verdict, err := a.oracle.Verify(ctx, out)
	if err != nil {
		// Oracle failure still produces a durable, zero-confidence
		// record so the outcome is not silently dropped.
		a.logger.Warn("oracle verification failed",
			zap.String("outcome_id", out.ID),
			zap.Error(err))
		record.Verdict = VerdictInconclusive
		record.Error = err.Error()
		a.finish(ctx, record)
		return
	}

	record.Verdict = verdict.Kind
	record.Confidence = verdict.Confidence
	record.Finding = verdict.Finding
	record.Category = verdict.Category

	if verdict.Kind == VerdictConfirmedLazy {
		if p, err := a.synthesize(ctx, out, verdict); err != nil {
			a.logger.Error("patch synthesis failed",
				zap.String("outcome_id", out.ID),
				zap.Error(err))
			record.Error = err.Error()
		} else {
			record.PatchID = p.ID
		}
	}

	a.finish(ctx, record)
}

// synthesize turns a confirmed verdict into a stored, verified patch.
func (a *Auditor) synthesize(ctx context.Context, out *outcome.Outcome, verdict *Verdict) (*patch.Patch, error) {
	category, decay := a.classifier.Classify(verdict.PatchText, verdict.Category)

	p, err := patch.New(verdict.PatchText, decay, out.ID)
	if err != nil {
		return nil, err
	}
	p.Verified = true

	if err := a.store.Add(ctx, p); err != nil {
		return nil, err
	}

	a.logger.Info("patch synthesized from confirmed give-up",
		zap.String("patch_id", p.ID),
		zap.String("outcome_id", out.ID),
		zap.String("category", string(category)),
		zap.String("decay_type", string(decay)))

	return p, nil
}

func (a *Auditor) finish(ctx context.Context, record *Audit) {
	record.FinishedAt = time.Now()

	a.auditsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("verdict", string(record.Verdict))))

	payload, err := json.Marshal(record)
	if err != nil {
		a.logger.Error("failed to encode audit record", zap.Error(err))
		return
	}
	if _, err := a.journal.Append(journal.KindAudit, payload); err != nil {
		a.logger.Error("failed to journal audit",
			zap.String("audit_id", record.ID),
			zap.Error(err))
	}

	if a.publisher != nil {
		if err := a.publisher.Publish(SubjectAuditCompleted, payload); err != nil {
			a.logger.Warn("failed to publish audit completion",
				zap.String("audit_id", record.ID),
				zap.Error(err))
		}
	}

	if a.onComplete != nil {
		a.onComplete(record)
	}
}
