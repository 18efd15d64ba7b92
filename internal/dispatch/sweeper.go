package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/config"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/metrics"
	"github.com/velora/dispatch/pkg/models"
)

// StrandedSource lists requested rides past the auto-cancel deadline.
type StrandedSource interface {
	ListStrandedRequests(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error)
}

// Canceller cancels a still-requested ride on behalf of the system.
type Canceller interface {
	AutoCancel(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error)
}

// Sweeper auto-cancels ride requests no driver accepted in time. Every
// node may run one; the conditional cancel makes overlapping sweeps
// redundant rather than harmful.
type Sweeper struct {
	source   StrandedSource
	rides    Canceller
	notifier Notifier
	cfg      config.DispatchConfig
}

// NewSweeper creates the auto-cancel sweeper.
func NewSweeper(source StrandedSource, rides Canceller, notifier Notifier, cfg config.DispatchConfig) *Sweeper {
	return &Sweeper{
		source:   source,
		rides:    rides,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AutoCancelInterval)
	defer ticker.Stop()

	logger.Info("auto-cancel sweeper started",
		zap.Duration("interval", s.cfg.AutoCancelInterval),
		zap.Duration("timeout", s.cfg.AutoCancelTimeout))

	for {
		select {
		case <-ctx.Done():
			logger.Info("auto-cancel sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one bounded pass over stranded requests.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.AutoCancelTimeout)
	stranded, err := s.source.ListStrandedRequests(ctx, cutoff, s.cfg.SweeperBatchSize)
	if err != nil {
		return fmt.Errorf("list stranded requests: %w", err)
	}
	if len(stranded) == 0 {
		return nil
	}

	waitMinutes := int(s.cfg.AutoCancelTimeout.Minutes())
	reason := fmt.Sprintf("No driver accepted within %d minutes", waitMinutes)

	for _, ride := range stranded {
		cancelled, didCancel, err := s.rides.AutoCancel(ctx, ride.ID, reason)
		if err != nil {
			logger.Warn("sweeper failed to cancel ride",
				zap.String("ride_id", ride.ID.String()), zap.Error(err))
			continue
		}
		if !didCancel {
			// Accepted between the scan and the cancel; leave it be.
			continue
		}
		metrics.SweeperCancelled.Inc()
		s.notifier.NotifyNoDriverFound(ctx, cancelled, reason)
		logger.Info("stranded request auto-cancelled",
			zap.String("ride_id", ride.ID.String()),
			zap.Duration("age", time.Since(ride.CreatedAt)))
	}
	return nil
}
