package earnings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/internal/payments"
	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/eventbus"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/metrics"
	"github.com/velora/dispatch/pkg/models"
	"github.com/velora/dispatch/pkg/resilience"
	"github.com/velora/dispatch/pkg/websocket"
)

const (
	consumerName = "earnings-finalizer"

	finalizeAttempts    = 3
	finalizeBackoffBase = time.Second

	// splitTolerance is the largest acceptable gap between gross fare and
	// the platform fee plus driver earning.
	splitTolerance = 0.01
)

// RideSource is the slice of ride storage the finalizer reads and settles.
type RideSource interface {
	GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error)
	GetFareBreakdown(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error)
	UpdateFare(ctx context.Context, rideID uuid.UUID, fare float64) error
	UpdatePaymentStatus(ctx context.Context, rideID uuid.UUID, status models.PaymentStatus) error
}

// EarningsStore persists financial records.
type EarningsStore interface {
	CurrentSettings(ctx context.Context) (*models.Settings, error)
	UpsertEarnings(ctx context.Context, e *models.AdminEarnings) error
}

// Settler verifies gateway captures and reconciles fare deltas against the
// rider's payment.
type Settler interface {
	VerifyRidePayment(ctx context.Context, ride *models.Ride) error
	SettleFareDelta(ctx context.Context, ride *models.Ride, delta float64) (*payments.DeltaOutcome, error)
}

// RoomEmitter fans an event out to a realtime room across all nodes.
type RoomEmitter interface {
	PublishRelay(subject string, payload interface{}) error
}

// Subscriber consumes durable events from the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, consumerName string, maxConcurrent int, handler eventbus.HandlerFunc) error
}

// Finalizer turns completed rides into financial records: it recomputes the
// fare from actuals, settles the difference with the rider's payment method,
// splits the result between platform and driver, and writes the earnings row.
// Completion events are deduplicated upstream and the write is an upsert
// keyed by ride, so re-delivery is harmless.
type Finalizer struct {
	rides   RideSource
	store   EarningsStore
	settler Settler
	rooms   RoomEmitter
}

// NewFinalizer creates an earnings finalizer.
func NewFinalizer(rides RideSource, store EarningsStore, settler Settler, rooms RoomEmitter) *Finalizer {
	return &Finalizer{rides: rides, store: store, settler: settler, rooms: rooms}
}

// Start subscribes the finalizer to ride completion events.
func (f *Finalizer) Start(ctx context.Context, bus Subscriber) error {
	return bus.Subscribe(ctx, eventbus.SubjectRideCompleted, consumerName, 1, f.handle)
}

func (f *Finalizer) handle(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.RideCompletedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		logger.Error("malformed ride completed event, dropping",
			zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}

	_, err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:      finalizeAttempts,
		Backoff:          resilience.LinearBackoff(finalizeBackoffBase),
		RetryableChecker: retryable,
	}, "finalize_earnings", func(ctx context.Context) (interface{}, error) {
		return nil, f.Finalize(ctx, data.RideID)
	})
	if err != nil {
		logger.Error("earnings finalization failed, leaving for redelivery",
			zap.String("ride_id", data.RideID.String()),
			zap.Error(err))
		return err
	}
	return nil
}

// retryable treats infrastructure failures as worth another attempt and
// business errors as final.
func retryable(err error) bool {
	var appErr *common.AppError
	if errors.As(err, &appErr) && !common.IsTransient(err) {
		return false
	}
	metrics.FinalizerRetries.Inc()
	return true
}

// Finalize settles a single completed ride. Safe to call more than once.
func (f *Finalizer) Finalize(ctx context.Context, rideID uuid.UUID) error {
	ride, err := f.rides.GetRideByID(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.Status != models.RideStatusCompleted {
		logger.Warn("finalizer skipping ride that is not completed",
			zap.String("ride_id", rideID.String()),
			zap.String("status", string(ride.Status)))
		return nil
	}
	if ride.DriverID == nil {
		return common.NewInvariantError(
			fmt.Sprintf("completed ride %s has no driver", rideID))
	}

	if ride.PaymentMethod == models.PaymentMethodGateway && ride.GatewayPaymentID != nil {
		if err := f.verifyGatewayLeg(ctx, ride); err != nil {
			return err
		}
	}

	settings, err := f.store.CurrentSettings(ctx)
	if err != nil {
		return err
	}
	if !settings.Valid() {
		return common.NewInvariantError("pricing settings are out of bounds")
	}

	fare, err := f.recomputeFare(ctx, ride, settings)
	if err != nil {
		return err
	}

	delta := models.Round2(fare - ride.Fare)
	if math.Abs(delta) >= 0.01 {
		if err := f.rides.UpdateFare(ctx, rideID, fare); err != nil {
			return err
		}
		outcome, err := f.settler.SettleFareDelta(ctx, ride, delta)
		if err != nil {
			return err
		}
		if outcome.PaymentStatus != "" {
			if err := f.rides.UpdatePaymentStatus(ctx, rideID, outcome.PaymentStatus); err != nil {
				return err
			}
		}
		logger.Info("fare adjusted from actuals",
			zap.String("ride_id", rideID.String()),
			zap.Float64("estimated", ride.Fare),
			zap.Float64("final", fare),
			zap.Float64("delta", delta))
	} else {
		fare = ride.Fare
	}

	platformFee := models.Round2(fare * settings.PlatformFeePct / 100)
	driverEarning := models.Round2(fare - platformFee)
	if math.Abs(fare-(platformFee+driverEarning)) > splitTolerance {
		return common.NewInvariantError(
			fmt.Sprintf("earnings split does not reconcile for ride %s", rideID))
	}

	rideDate := time.Now().UTC()
	if ride.ActualEndTime != nil {
		rideDate = *ride.ActualEndTime
	}

	record := &models.AdminEarnings{
		ID:            uuid.New(),
		RideID:        ride.ID,
		DriverID:      *ride.DriverID,
		RiderID:       ride.RiderID,
		GrossFare:     fare,
		PlatformFee:   platformFee,
		DriverEarning: driverEarning,
		RideDate:      rideDate,
		PaymentStatus: models.PaymentStatusPending,
	}
	if err := f.store.UpsertEarnings(ctx, record); err != nil {
		return err
	}

	f.emitEarningAdded(record)

	logger.Info("ride earnings finalized",
		zap.String("ride_id", ride.ID.String()),
		zap.String("driver_id", ride.DriverID.String()),
		zap.Float64("gross_fare", fare),
		zap.Float64("driver_earning", driverEarning))
	return nil
}

// verifyGatewayLeg checks the ride's gateway capture against what the fare
// expects. An unreachable gateway is returned for redelivery; a definitive
// answer (not captured, wrong amount) is a collection problem, not a
// dispatch one, so the ride is flagged and finalization continues.
func (f *Finalizer) verifyGatewayLeg(ctx context.Context, ride *models.Ride) error {
	err := f.settler.VerifyRidePayment(ctx, ride)
	if err == nil {
		return nil
	}

	var appErr *common.AppError
	if errors.As(err, &appErr) && appErr.ErrorCode == common.CodePaymentVerificationFailed {
		return err
	}

	logger.Warn("ride payment failed verification",
		zap.String("ride_id", ride.ID.String()),
		zap.Error(err))
	return f.rides.UpdatePaymentStatus(ctx, ride.ID, models.PaymentStatusFailed)
}

// recomputeFare rebuilds the fare from the stored breakdown with the actual
// distance and duration substituted for the booking-time estimates. The
// minimum-fare floor recorded at booking still applies.
func (f *Finalizer) recomputeFare(ctx context.Context, ride *models.Ride, settings *models.Settings) (float64, error) {
	breakdown, err := f.rides.GetFareBreakdown(ctx, ride.ID)
	if err != nil {
		return 0, err
	}

	breakdown.DistanceFare = models.Round2(settings.PerKmRate * ride.DistanceKm)
	if ride.ActualStartTime != nil && ride.ActualEndTime != nil {
		minutes := ride.ActualEndTime.Sub(*ride.ActualStartTime).Minutes()
		if minutes > 0 {
			breakdown.TimeFare = models.Round2(settings.PerMinuteRate * minutes)
		}
	}
	return breakdown.Total(), nil
}

func (f *Finalizer) emitEarningAdded(record *models.AdminEarnings) {
	room := websocket.DriverRoom(record.DriverID.String())
	env := &websocket.RelayEnvelope{
		Room: room,
		Message: websocket.NewMessage("driverEarningAdded", map[string]interface{}{
			"rideId":        record.RideID.String(),
			"driverId":      record.DriverID.String(),
			"grossFare":     record.GrossFare,
			"driverEarning": record.DriverEarning,
			"rideDate":      record.RideDate,
		}),
	}
	if err := f.rooms.PublishRelay(eventbus.RoomSubject(room), env); err != nil {
		logger.Warn("failed to emit driver earning event",
			zap.String("driver_id", record.DriverID.String()),
			zap.Error(err))
	}
}
