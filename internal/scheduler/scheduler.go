// Package scheduler triggers settlement passes on a fixed interval.
//
// It is one trigger among many: HTTP polls and admin calls may run passes
// at the same time, in this or other processes.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/updown-engine/internal/settlement"
)

// Processor runs one settlement pass.
type Processor interface {
	ProcessDueSessions(ctx context.Context) (settlement.Report, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	// Interval is how often a pass runs.
	Interval time.Duration

	// Timeout bounds a single pass. A pass that times out leaves state
	// consistent and the next tick resumes it.
	Timeout time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  30 * time.Second,
	}
}

var (
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNotRunning     = errors.New("scheduler: not running")
)

// Scheduler runs settlement passes until stopped. Passes never overlap:
// a tick that arrives while a pass is running is dropped.
type Scheduler struct {
	processor Processor
	config    Config
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler. Zero config fields take their defaults.
func New(p Processor, config Config, logger *slog.Logger) *Scheduler {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		processor: p,
		config:    config,
		logger:    logger.With("component", "scheduler"),
	}
}

// Start launches the loop. It runs one pass immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopChan = make(chan struct{})

	s.logger.Info("settlement scheduler started", "interval", s.config.Interval.String())
	s.wg.Add(1)
	go s.loop(s.stopChan)
	return nil
}

// Stop signals the loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("settlement scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runOnce(stop)
	for {
		select {
		case <-ticker.C:
			s.runOnce(stop)
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) runOnce(stop <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	// Stop cancels the in-flight pass.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-done:
		}
	}()

	report, err := s.processor.ProcessDueSessions(ctx)
	if err != nil {
		s.logger.Warn("settlement pass failed", "error", err)
		return
	}
	for _, f := range report.Failures {
		s.logger.Warn("trade left pending",
			"session_id", f.SessionID,
			"trade_id", f.TradeID,
			"user_id", f.UserID,
			"error", f.Err,
		)
	}
}
