package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/internal/rides"
	"github.com/velora/dispatch/pkg/config"
	"github.com/velora/dispatch/pkg/eventbus"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/metrics"
	"github.com/velora/dispatch/pkg/models"
	redispkg "github.com/velora/dispatch/pkg/redis"
)

const consumerName = "dispatch-workers"

// RideLifecycle is the ride-service surface the worker drives.
type RideLifecycle interface {
	GetRide(ctx context.Context, rideID uuid.UUID) (*models.Ride, error)
	AutoCancel(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error)
	RecordNotified(ctx context.Context, rideID uuid.UUID, driverIDs []uuid.UUID) error
}

// Notifier delivers dispatch outcomes to connected parties. Implemented by
// the realtime layer.
type Notifier interface {
	// NotifyDriver offers a ride to one candidate driver's socket.
	NotifyDriver(ctx context.Context, driver *models.Driver, ride *models.Ride) error
	// NotifyNoDriverFound tells the rider the search is over, on both the
	// last known socket and the user room.
	NotifyNoDriverFound(ctx context.Context, ride *models.Ride, reason string)
}

// Subscriber is the queue surface the worker consumes from.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, consumerName string, maxConcurrent int, handler eventbus.HandlerFunc) error
}

// Worker consumes dispatch jobs and runs matching rounds. One durable
// consumer is shared by all nodes; the per-ride dispatch lock keeps two
// nodes from processing the same ride at once even under redelivery.
type Worker struct {
	rides      RideLifecycle
	matcher    *Matcher
	notifier   Notifier
	redis      redispkg.ClientInterface
	queue      Subscriber
	cfg        config.DispatchConfig
	instanceID string
}

// NewWorker creates a dispatch worker.
func NewWorker(rides RideLifecycle, matcher *Matcher, notifier Notifier, rdb redispkg.ClientInterface, queue Subscriber, cfg config.DispatchConfig) *Worker {
	return &Worker{
		rides:      rides,
		matcher:    matcher,
		notifier:   notifier,
		redis:      rdb,
		queue:      queue,
		cfg:        cfg,
		instanceID: uuid.New().String(),
	}
}

// Start subscribes the worker pool to the dispatch queue.
func (w *Worker) Start(ctx context.Context) error {
	return w.queue.Subscribe(ctx, eventbus.SubjectDispatchJobs, consumerName, w.cfg.WorkerConcurrency, w.handle)
}

func (w *Worker) handle(ctx context.Context, event *eventbus.Event) error {
	var job eventbus.DispatchJobData
	if err := json.Unmarshal(event.Data, &job); err != nil {
		logger.Warn("malformed dispatch job", zap.String("event_id", event.ID), zap.Error(err))
		return nil // acking; redelivery cannot fix a bad payload
	}
	return w.Process(ctx, job)
}

// Process runs one matching round for a ride. Returning an error nacks
// the job for redelivery; the dispatch lock makes redelivery harmless.
func (w *Worker) Process(ctx context.Context, job eventbus.DispatchJobData) error {
	rideID := job.RideID
	ctx = logger.ContextWithRideID(ctx, rideID.String())

	lockKey := redispkg.DispatchLockKey(rideID.String())
	locked, err := w.redis.AcquireLock(ctx, lockKey, w.instanceID, w.cfg.WorkerLockTTL)
	if err != nil {
		return fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !locked {
		// Another worker holds the ride; nothing for us to do.
		metrics.DispatchRounds.WithLabelValues("skipped").Inc()
		return nil
	}
	defer func() {
		if _, err := w.redis.ReleaseLock(ctx, lockKey, w.instanceID); err != nil {
			logger.Warn("failed to release dispatch lock",
				zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}()

	ride, err := w.rides.GetRide(ctx, rideID)
	if err != nil {
		if errors.Is(err, rides.ErrRideNotFound) {
			return nil
		}
		return err
	}
	if ride.Status != models.RideStatusRequested {
		metrics.DispatchRounds.WithLabelValues("skipped").Inc()
		return nil
	}

	radii := w.cfg.RadiiKm
	var minKm float64
	if job.Retry {
		radii = w.cfg.RetryRadiiKm
		if len(radii) > 0 {
			// Everyone inside the first retry radius was reachable during
			// the original schedule; the expanded sweep canvasses only
			// fresh territory beyond it.
			minKm = radii[0]
		}
	}

	candidates, radiusUsed, err := w.matcher.Match(ctx, ride, radii, minKm)
	if err != nil {
		return fmt.Errorf("matching round: %w", err)
	}

	if len(candidates) == 0 {
		reason := fmt.Sprintf("No drivers found within %s km", trimFloat(radiusUsed))
		if job.Retry {
			reason = "All drivers rejected or unavailable"
		}
		metrics.DispatchRounds.WithLabelValues("empty").Inc()
		cancelled, didCancel, err := w.rides.AutoCancel(ctx, rideID, reason)
		if err != nil {
			return fmt.Errorf("cancel unmatched ride: %w", err)
		}
		if didCancel {
			w.notifier.NotifyNoDriverFound(ctx, cancelled, reason)
		}
		logger.Info("no candidates, ride cancelled",
			zap.String("ride_id", rideID.String()),
			zap.Float64("radius_km", radiusUsed),
			zap.Bool("retry", job.Retry))
		return nil
	}

	notified := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		// A cancellation or acceptance can land mid-fanout; stop
		// soliciting the moment the ride leaves requested.
		current, err := w.rides.GetRide(ctx, rideID)
		if err != nil || current.Status != models.RideStatusRequested {
			break
		}
		if err := w.notifier.NotifyDriver(ctx, c.Driver, ride); err != nil {
			logger.Warn("driver notification failed, skipping",
				zap.String("ride_id", rideID.String()),
				zap.String("driver_id", c.Driver.ID.String()),
				zap.Error(err))
			continue
		}
		notified = append(notified, c.Driver.ID)
	}

	if err := w.rides.RecordNotified(ctx, rideID, notified); err != nil {
		return fmt.Errorf("record notified drivers: %w", err)
	}

	metrics.DispatchRounds.WithLabelValues("matched").Inc()
	logger.Info("dispatch round complete",
		zap.String("ride_id", rideID.String()),
		zap.Float64("radius_km", radiusUsed),
		zap.Int("notified", len(notified)))
	return nil
}

// trimFloat renders 6 as "6" and 7.5 as "7.5".
func trimFloat(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%g", v)
}
