package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/store"
)

// HousekeepingService periodically deletes abandoned passkey registration
// claims: passwordless owner rows whose attestation never arrived.
type HousekeepingService struct {
	Store    store.Store
	Logger   *slog.Logger
	Interval time.Duration

	// ClaimTTL is how long an unconfirmed claim may linger.
	ClaimTTL time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewHousekeepingService(st store.Store, logger *slog.Logger, interval, claimTTL time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	if claimTTL <= 0 {
		claimTTL = 24 * time.Hour
	}

	return &HousekeepingService{
		Store:    st,
		Logger:   logger,
		Interval: interval,
		ClaimTTL: claimTTL,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop shuts the worker down, blocking until any in-progress sweep finishes.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *HousekeepingService) cleanup() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.ClaimTTL)

	n, err := s.Store.Owners().DeleteAbandoned(ctx, cutoff)
	if err != nil {
		s.Logger.Error("failed to delete abandoned registration claims", "error", err)
		return
	}
	if n > 0 {
		s.Logger.Info("deleted abandoned registration claims", "count", n)
	}
}
