package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/memtier"
	"github.com/driftwatch/alignd/internal/outcome"
	"github.com/driftwatch/alignd/internal/patch"
)

// fakeOracle returns a canned verdict or error.
type fakeOracle struct {
	mu      sync.Mutex
	verdict *Verdict
	err     error
	calls   int
}

func (f *fakeOracle) Verify(_ context.Context, _ *outcome.Outcome) (*Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.verdict, nil
}

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestHarness(t *testing.T, oracle Oracle, opts ...Option) (*Auditor, *memtier.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	jrn, err := journal.New(t.TempDir(), logger)
	require.NoError(t, err)
	store, err := memtier.NewStore(memtier.Config{}, jrn, nil, logger)
	require.NoError(t, err)

	// Generous budget so tests exercise behavior, not throttling.
	cfg := Config{RatePerSecond: 100, Burst: 10, Timeout: 5 * time.Second}
	a, err := NewAuditor(cfg, oracle, store, jrn, logger, opts...)
	require.NoError(t, err)
	return a, store
}

func giveUpOutcome(t *testing.T) *outcome.Outcome {
	t.Helper()
	o, err := outcome.NewOutcome("agent-1", "How many refunds did we issue in Q3?", "I'm afraid those records are elusive at the moment.")
	require.NoError(t, err)
	o.Classification = outcome.GiveUp
	return o
}

func TestAuditor_ConfirmedLazyStoresVerifiedPatch(t *testing.T) {
	oracle := &fakeOracle{verdict: &Verdict{
		Kind:       VerdictConfirmedLazy,
		Confidence: 0.9,
		Finding:    "42 refunds in the refunds_q3 table",
		PatchText:  "The refunds table was renamed to refunds_q3; query it directly.",
	}}

	var done *Audit
	var mu sync.Mutex
	a, store := newTestHarness(t, oracle, WithCompletionCallback(func(rec *Audit) {
		mu.Lock()
		done = rec
		mu.Unlock()
	}))

	require.NoError(t, a.Submit(context.Background(), giveUpOutcome(t)))
	a.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, done)
	assert.Equal(t, VerdictConfirmedLazy, done.Verdict)
	require.NotEmpty(t, done.PatchID)

	p, err := store.Get(done.PatchID)
	require.NoError(t, err)
	assert.True(t, p.Verified)
	assert.Equal(t, patch.TierCache, p.Tier)
	assert.Equal(t, patch.DecayTypeA, p.DecayType, "renamed-table patch decays with the model")
}

func TestAuditor_LegitimateGiveUpStoresNoPatch(t *testing.T) {
	oracle := &fakeOracle{verdict: &Verdict{Kind: VerdictLegitimate, Confidence: 0.9}}
	a, store := newTestHarness(t, oracle)

	require.NoError(t, a.Submit(context.Background(), giveUpOutcome(t)))
	a.Wait()

	assert.Zero(t, store.Len())
}

func TestAuditor_OracleFailureRecordsInconclusive(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("upstream timeout")}

	var done *Audit
	var mu sync.Mutex
	a, store := newTestHarness(t, oracle, WithCompletionCallback(func(rec *Audit) {
		mu.Lock()
		done = rec
		mu.Unlock()
	}))

	require.NoError(t, a.Submit(context.Background(), giveUpOutcome(t)))
	a.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, done)
	assert.Equal(t, VerdictInconclusive, done.Verdict)
	assert.Zero(t, done.Confidence)
	assert.Contains(t, done.Error, "upstream timeout")
	assert.Zero(t, store.Len())
}

func TestAuditor_RejectsDuplicateInFlight(t *testing.T) {
	block := make(chan struct{})
	oracle := &blockingOracle{release: block}
	a, _ := newTestHarness(t, oracle)

	out := giveUpOutcome(t)
	require.NoError(t, a.Submit(context.Background(), out))

	err := a.Submit(context.Background(), out)
	assert.ErrorIs(t, err, ErrAuditInFlight)

	close(block)
	a.Wait()
}

type blockingOracle struct {
	release chan struct{}
}

func (b *blockingOracle) Verify(ctx context.Context, _ *outcome.Outcome) (*Verdict, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Verdict{Kind: VerdictLegitimate, Confidence: 0.9}, nil
}

func TestAuditor_BudgetExceeded(t *testing.T) {
	oracle := &fakeOracle{verdict: &Verdict{Kind: VerdictLegitimate, Confidence: 0.9}}
	logger := zaptest.NewLogger(t)
	jrn, err := journal.New(t.TempDir(), logger)
	require.NoError(t, err)
	store, err := memtier.NewStore(memtier.Config{}, jrn, nil, logger)
	require.NoError(t, err)

	// One audit per ~12 seconds with burst 1: the second submission in
	// quick succession must be rejected, not queued.
	a, err := NewAuditor(Config{RatePerSecond: 0.08, Burst: 1, Timeout: time.Second}, oracle, store, jrn, logger)
	require.NoError(t, err)

	require.NoError(t, a.Submit(context.Background(), giveUpOutcome(t)))
	err = a.Submit(context.Background(), giveUpOutcome(t))
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	a.Wait()
	assert.Equal(t, 1, oracle.callCount())
}

func TestAuditor_PublishesCompletionEvent(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	_, err = nc.ChanSubscribe(SubjectAuditCompleted, received)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	oracle := &fakeOracle{verdict: &Verdict{
		Kind:       VerdictConfirmedLazy,
		Confidence: 0.9,
		PatchText:  "Broaden the search to adjacent quarters before concluding no data exists.",
	}}
	a, _ := newTestHarness(t, oracle, WithPublisher(nc))

	require.NoError(t, a.Submit(context.Background(), giveUpOutcome(t)))
	a.Wait()

	select {
	case msg := <-received:
		var rec Audit
		require.NoError(t, json.Unmarshal(msg.Data, &rec))
		assert.Equal(t, VerdictConfirmedLazy, rec.Verdict)
		assert.NotEmpty(t, rec.PatchID)
	case <-time.After(5 * time.Second):
		t.Fatal("no audit completion event received")
	}
}

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want VerdictKind
	}{
		{
			name: "confirmed with patch",
			raw:  "FOUND: yes\nFINDING: 42 refunds\nPATCH: Query refunds_q3.\nCATEGORY: schema_mismatch",
			want: VerdictConfirmedLazy,
		},
		{
			name: "legitimate",
			raw:  "FOUND: no\nFINDING: none\nPATCH: none\nCATEGORY: unknown",
			want: VerdictLegitimate,
		},
		{
			name: "confirmed without patch downgrades",
			raw:  "FOUND: yes\nFINDING: something\nPATCH: none",
			want: VerdictInconclusive,
		},
		{
			name: "garbage",
			raw:  "I am not sure what you mean.",
			want: VerdictInconclusive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := parseVerdict(tt.raw)
			assert.Equal(t, tt.want, v.Kind)
		})
	}
}

func TestParseVerdict_ExtractsFields(t *testing.T) {
	v := parseVerdict(fmt.Sprintf("FOUND: yes\nFINDING: %s\nPATCH: %s\nCATEGORY: business_rule",
		"policy doc section 4", "Refunds over $500 need approval."))
	assert.Equal(t, "policy doc section 4", v.Finding)
	assert.Equal(t, "Refunds over $500 need approval.", v.PatchText)
	assert.Equal(t, patch.CategoryBusinessRule, v.Category)
}
