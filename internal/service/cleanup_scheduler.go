package service

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

// Cleaner is satisfied by *OTPService.
type Cleaner interface {
	CleanupExpiredTokens(ctx context.Context) (int, error)
}

// CleanupScheduler runs token cleanup on a fixed interval until stopped.
type CleanupScheduler struct {
	cleaner  Cleaner
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupScheduler returns a scheduler that does nothing when interval <= 0.
func NewCleanupScheduler(c Cleaner, interval time.Duration, clk clock.Clock, logger *zap.Logger) *CleanupScheduler {
	timeout := interval / 2
	if timeout > time.Minute || timeout <= 0 {
		timeout = time.Minute
	}
	return &CleanupScheduler{
		cleaner:  c,
		interval: interval,
		timeout:  timeout,
		clock:    clk,
		logger:   logger,
	}
}

func (s *CleanupScheduler) Start() {
	if s.interval <= 0 {
		s.logger.Info("Token cleanup scheduler disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	ticker := s.clock.Ticker(s.interval)

	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	s.logger.Info("Token cleanup scheduler started", zap.Duration("interval", s.interval))
}

func (s *CleanupScheduler) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.cleaner.CleanupExpiredTokens(ctx); err != nil {
		s.logger.Error("Scheduled token cleanup failed", zap.Error(err))
	}
}

// Stop cancels the loop, including a run in progress, and waits for it to exit.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Token cleanup scheduler stopped")
}
