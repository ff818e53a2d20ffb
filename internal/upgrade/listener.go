// Package upgrade reacts to reasoning-engine upgrade announcements. On
// each announcement the patch store purges TypeA patches and a purge
// report is published back on the event bus.
package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/memtier"
)

// NATS subjects for the upgrade flow.
const (
	SubjectModelUpgrade = "model.upgrade"
	SubjectPurgeReport  = "model.upgrade.report"
)

// Listener subscribes to upgrade announcements and drives purges.
//
// Thread Safety: Start and Stop are safe to call concurrently; the
// running state is mutex-protected.
type Listener struct {
	conn  *nats.Conn
	store *memtier.Store

	mu      sync.Mutex
	running bool
	sub     *nats.Subscription

	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Listener.
type Option func(*Listener)

// WithPurgeTimeout bounds a single purge run. Defaults to 1 minute.
func WithPurgeTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.timeout = d
	}
}

// NewListener creates an upgrade listener.
func NewListener(conn *nats.Conn, store *memtier.Store, logger *zap.Logger, opts ...Option) (*Listener, error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Listener{
		conn:    conn,
		store:   store,
		timeout: time.Minute,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Start subscribes to upgrade announcements. Calling Start on a running
// listener returns an error.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("listener is already running")
	}

	sub, err := l.conn.Subscribe(SubjectModelUpgrade, l.handle)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", SubjectModelUpgrade, err)
	}

	l.sub = sub
	l.running = true
	l.logger.Info("upgrade listener started", zap.String("subject", SubjectModelUpgrade))
	return nil
}

// Stop unsubscribes. Stopping a stopped listener is a no-op.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false

	if err := l.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	l.logger.Info("upgrade listener stopped")
	return nil
}

func (l *Listener) handle(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("upgrade handler panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	var event memtier.ModelUpgradeEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		l.logger.Warn("dropping malformed upgrade event", zap.Error(err))
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	report, err := l.store.Purge(ctx, event)
	if err != nil {
		l.logger.Error("upgrade purge failed",
			zap.String("model_version", event.ModelVersion),
			zap.Error(err))
		return
	}

	l.logger.Info("upgrade processed",
		zap.String("model_version", report.ModelVersion),
		zap.Int("deleted", len(report.Deleted)),
		zap.Bool("already_applied", report.AlreadyApplied))

	payload, err := json.Marshal(report)
	if err != nil {
		l.logger.Error("failed to encode purge report", zap.Error(err))
		return
	}
	if err := l.conn.Publish(SubjectPurgeReport, payload); err != nil {
		l.logger.Warn("failed to publish purge report", zap.Error(err))
	}
}
