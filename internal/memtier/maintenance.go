package memtier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaintenanceScheduler runs tier demotion sweeps and journal compaction
// in the background.
//
// Thread Safety: all public methods are thread-safe. The running state
// is protected by a mutex so Start and Stop can race safely.
type MaintenanceScheduler struct {
	interval      time.Duration
	retentionDays int

	store *Store

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	logger *zap.Logger
}

// MaintenanceOption configures a MaintenanceScheduler.
type MaintenanceOption func(*MaintenanceScheduler)

// WithMaintenanceInterval sets the sweep interval. Defaults to 1 hour.
func WithMaintenanceInterval(interval time.Duration) MaintenanceOption {
	return func(s *MaintenanceScheduler) {
		s.interval = interval
	}
}

// WithJournalRetentionDays sets the compaction retention. Defaults to 30.
func WithJournalRetentionDays(days int) MaintenanceOption {
	return func(s *MaintenanceScheduler) {
		s.retentionDays = days
	}
}

// NewMaintenanceScheduler creates a scheduler. It does not start
// automatically; call Start.
func NewMaintenanceScheduler(store *Store, logger *zap.Logger, opts ...MaintenanceOption) (*MaintenanceScheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &MaintenanceScheduler{
		interval:      time.Hour,
		retentionDays: 30,
		store:         store,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the background sweep loop. Calling Start on a running
// scheduler returns an error without starting a second goroutine.
func (s *MaintenanceScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("maintenance scheduler started",
		zap.Duration("interval", s.interval))

	go s.run()
	return nil
}

// Stop gracefully stops the scheduler. Stopping a stopped scheduler is
// a no-op.
func (s *MaintenanceScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Debug("scheduler stop called but not running")
		return nil
	}

	s.logger.Info("stopping maintenance scheduler")
	s.running = false
	close(s.stopCh)
	return nil
}

func (s *MaintenanceScheduler) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeSweep()
		case <-s.stopCh:
			s.logger.Debug("scheduler received stop signal")
			return
		}
	}
}

// safeSweep runs one sweep with panic recovery so a single bad run
// never kills the loop.
func (s *MaintenanceScheduler) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("maintenance sweep panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	s.sweep()
}

func (s *MaintenanceScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.store.Maintain(ctx); err != nil {
		s.logger.Error("tier maintenance failed", zap.Error(err))
		return
	}
	if err := s.store.journal.Compact(s.retentionDays); err != nil {
		s.logger.Error("journal compaction failed", zap.Error(err))
		return
	}

	s.logger.Debug("maintenance sweep completed")
}
