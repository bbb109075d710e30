package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ticker is the subset of time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Scheduler saves the document periodically once changes have settled and
// performs a final save on Stop. A steady stream of writes defers a save by
// at most the max delay.
type Scheduler struct {
	manager     *Manager
	interval    time.Duration
	debounce    time.Duration
	maxDelay    time.Duration
	saveTimeout time.Duration
	newTicker   TickerFunc
	now         func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger *zap.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets how often the scheduler checks for unsaved changes.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithDebounce sets how long the document must be quiet before a save.
func WithDebounce(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.debounce = d }
}

// WithMaxDelay bounds how long the oldest unsaved change may wait for
// writes to settle (default: the interval).
func WithMaxDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.maxDelay = d }
}

// WithSaveTimeout bounds each save.
func WithSaveTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.saveTimeout = d }
}

// WithTicker replaces the ticker factory.
func WithTicker(f TickerFunc) SchedulerOption {
	return func(s *Scheduler) { s.newTicker = f }
}

// WithSchedulerClock overrides the clock used for debouncing.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler for m. It does not start until Start.
func NewScheduler(m *Manager, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if m == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		manager:     m,
		interval:    30 * time.Second,
		debounce:    2 * time.Second,
		saveTimeout: 30 * time.Second,
		newTicker:   NewRealTicker,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if s.maxDelay <= 0 {
		s.maxDelay = s.interval
	}
	return s, nil
}

// Start launches the background loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	ticker := s.newTicker(s.interval)
	go s.run(ticker, s.stopCh, s.doneCh)

	s.logger.Info("persistence scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("debounce", s.debounce),
		zap.Duration("max_delay", s.maxDelay),
	)
	return nil
}

// Stop ends the loop and performs a final save regardless of debounce.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
		done := s.doneCh
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		s.mu.Unlock()
	}

	if !s.manager.Dirty() {
		return nil
	}
	_, err := s.manager.Save(ctx)
	return err
}

func (s *Scheduler) run(ticker Ticker, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("persistence scheduler panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	for {
		select {
		case <-ticker.C():
			s.safeTick()
		case <-stopCh:
			return
		}
	}
}

func (s *Scheduler) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled save panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	s.tick()
}

func (s *Scheduler) tick() {
	if !s.manager.Dirty() {
		return
	}
	now := s.now()
	if quiet := now.Sub(s.manager.LastChange()); quiet < s.debounce {
		oldest := s.manager.OldestUnsaved()
		if oldest.IsZero() || now.Sub(oldest) < s.maxDelay {
			s.logger.Debug("save deferred, changes still arriving", zap.Duration("quiet", quiet))
			return
		}
		s.logger.Debug("saving despite ongoing changes", zap.Duration("pending", now.Sub(oldest)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	if _, err := s.manager.Save(ctx); err != nil {
		s.logger.Warn("scheduled save failed", zap.Error(err))
	}
}
