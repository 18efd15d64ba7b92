package rides

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/internal/payments"
	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/config"
	"github.com/velora/dispatch/pkg/eventbus"
	"github.com/velora/dispatch/pkg/geo"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/models"
	redispkg "github.com/velora/dispatch/pkg/redis"
)

// activeRideGuardTTL bounds the one-active-ride key if a terminal
// transition never clears it. Longer than any plausible ride.
const activeRideGuardTTL = 6 * time.Hour

// Store is the persistence surface the ride service depends on.
type Store interface {
	CreateRide(ctx context.Context, ride *models.Ride, breakdown *models.FareBreakdown) error
	GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error)
	AcceptRide(ctx context.Context, rideID, driverID uuid.UUID, driverSocketID string) error
	MarkArrived(ctx context.Context, rideID uuid.UUID, at time.Time) error
	StartRide(ctx context.Context, rideID uuid.UUID, at time.Time) error
	CompleteRide(ctx context.Context, rideID uuid.UUID, at time.Time, distanceKm float64) error
	CancelRide(ctx context.Context, rideID uuid.UUID, by models.CancelledBy, reason string) (bool, error)
	CancelRequested(ctx context.Context, rideID uuid.UUID, reason string) (bool, error)
	AppendNotifiedDrivers(ctx context.Context, rideID uuid.UUID, driverIDs []uuid.UUID) error
	AppendRejectedDriver(ctx context.Context, rideID, driverID uuid.UUID) error
	UpdatePaymentCapture(ctx context.Context, rideID uuid.UUID, walletAmount, gatewayAmount float64, gatewayPaymentID *string, status models.PaymentStatus) error
}

// PaymentCapturer collects the fare when a ride is booked: the wallet leg
// immediately, the gateway leg as an order confirmed later by webhook.
type PaymentCapturer interface {
	CapturePayment(ctx context.Context, ride *models.Ride) (*payments.CaptureResult, error)
}

// Publisher is the event bus surface the ride service depends on.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
	PublishWithMsgID(ctx context.Context, subject string, event *eventbus.Event, msgID string) error
}

// SettingsSource supplies the current pricing configuration.
type SettingsSource interface {
	CurrentSettings(ctx context.Context) (*models.Settings, error)
}

// Service owns the ride lifecycle state machine. It writes state and
// publishes bus events; socket emissions belong to the realtime layer.
type Service struct {
	store    Store
	redis    redispkg.ClientInterface
	bus      Publisher
	settings SettingsSource
	capturer PaymentCapturer
	cfg      config.DispatchConfig
}

// NewService creates the ride lifecycle service.
func NewService(store Store, rdb redispkg.ClientInterface, bus Publisher, settings SettingsSource, capturer PaymentCapturer, cfg config.DispatchConfig) *Service {
	return &Service{
		store:    store,
		redis:    rdb,
		bus:      bus,
		settings: settings,
		capturer: capturer,
		cfg:      cfg,
	}
}

// RequestRide creates a ride request and enqueues it for dispatch.
//
// A user may hold exactly one active ride at a time. The guard is a Redis
// SET NX on user_active_ride:{userId}, acquired before any database write so
// a double-tap never creates two rides.
func (s *Service) RequestRide(ctx context.Context, riderID uuid.UUID, socketID string, req *models.RideRequest) (*models.Ride, error) {
	if err := req.BookingMeta.Validate(req.BookingType); err != nil {
		return nil, common.NewValidationError(err.Error())
	}

	rideID := uuid.New()
	guardKey := redispkg.UserActiveRideKey(riderID.String())
	ok, err := s.redis.AcquireLock(ctx, guardKey, rideID.String(), activeRideGuardTTL)
	if err != nil {
		return nil, common.NewInternalErrorWithError("failed to check active ride", err)
	}
	if !ok {
		return nil, common.NewConflictError("you already have an active ride").
			WithCode(common.CodeDuplicateRideAttempt)
	}

	ride, breakdown, err := s.buildRide(ctx, rideID, riderID, socketID, req)
	if err != nil {
		s.releaseGuard(ctx, riderID, rideID)
		return nil, err
	}

	if err := s.store.CreateRide(ctx, ride, breakdown); err != nil {
		s.releaseGuard(ctx, riderID, rideID)
		return nil, common.NewInternalErrorWithError("failed to create ride", err).
			WithCode(common.CodeRideCreationFailed)
	}

	if err := s.captureFare(ctx, ride); err != nil {
		if _, cErr := s.store.CancelRide(ctx, ride.ID, models.CancelledBySystem, "fare capture failed"); cErr != nil {
			logger.Error("failed to cancel uncaptured ride",
				zap.String("ride_id", ride.ID.String()), zap.Error(cErr))
		}
		s.releaseGuard(ctx, riderID, rideID)
		return nil, err
	}

	if err := s.enqueueDispatch(ctx, ride.ID, false, 0); err != nil {
		// The ride exists but will never be matched; roll it back rather
		// than strand the rider until the sweeper runs.
		if _, cErr := s.store.CancelRide(ctx, ride.ID, models.CancelledBySystem, "dispatch enqueue failed"); cErr != nil {
			logger.Error("failed to cancel unenqueued ride",
				zap.String("ride_id", ride.ID.String()), zap.Error(cErr))
		}
		s.releaseGuard(ctx, riderID, rideID)
		return nil, common.NewInternalErrorWithError("failed to queue ride for dispatch", err).
			WithCode(common.CodeRideCreationFailed)
	}

	s.publish(ctx, eventbus.SubjectRideRequested, eventbus.RideRequestedData{
		RideID:      ride.ID,
		RiderID:     ride.RiderID,
		Pickup:      ride.Pickup,
		Dropoff:     ride.Dropoff,
		BookingType: ride.BookingType,
		Fare:        ride.Fare,
		DistanceKm:  ride.DistanceKm,
		RequestedAt: ride.CreatedAt,
	})

	logger.Info("ride requested",
		zap.String("ride_id", ride.ID.String()),
		zap.String("rider_id", riderID.String()),
		zap.Float64("fare", ride.Fare),
		zap.Float64("distance_km", ride.DistanceKm))
	return ride, nil
}

func (s *Service) buildRide(ctx context.Context, rideID, riderID uuid.UUID, socketID string, req *models.RideRequest) (*models.Ride, *models.FareBreakdown, error) {
	settings, err := s.settings.CurrentSettings(ctx)
	if err != nil {
		return nil, nil, common.NewInternalErrorWithError("failed to load pricing settings", err)
	}

	distance := geo.Haversine(
		req.Pickup.Latitude, req.Pickup.Longitude,
		req.Dropoff.Latitude, req.Dropoff.Longitude)
	durationMin := geo.EstimateDuration(distance)

	breakdown := &models.FareBreakdown{
		RideID:       rideID,
		BaseFare:     settings.BaseFare,
		DistanceFare: models.Round2(settings.PerKmRate * distance),
		TimeFare:     models.Round2(settings.PerMinuteRate * float64(durationMin)),
		MinimumFare:  settings.MinimumFare,
	}

	startOTP, err := mintOTP()
	if err != nil {
		return nil, nil, common.NewInternalErrorWithError("failed to mint start code", err)
	}
	stopOTP, err := mintOTP()
	if err != nil {
		return nil, nil, common.NewInternalErrorWithError("failed to mint stop code", err)
	}

	ride := &models.Ride{
		ID:              rideID,
		RiderID:         riderID,
		Status:          models.RideStatusRequested,
		BookingType:     req.BookingType,
		BookingMeta:     req.BookingMeta,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		PickupAddress:   req.PickupAddress,
		DropoffAddress:  req.DropoffAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   models.PaymentStatusPending,
		Fare:            breakdown.Total(),
		DistanceKm:      distance,
		StartOTP:        startOTP,
		StopOTP:         stopOTP,
		NotifiedDrivers: []uuid.UUID{},
		RejectedDrivers: []uuid.UUID{},
	}
	if socketID != "" {
		ride.UserSocketID = &socketID
	}
	return ride, breakdown, nil
}

// captureFare collects the fare for the freshly created ride and records
// the wallet and gateway legs on the row. The ride must not reach dispatch
// with its payment unresolved.
func (s *Service) captureFare(ctx context.Context, ride *models.Ride) error {
	result, err := s.capturer.CapturePayment(ctx, ride)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePaymentCapture(ctx, ride.ID,
		result.WalletAmountUsed, result.GatewayAmount, result.GatewayOrderID, result.PaymentStatus); err != nil {
		return common.NewInternalErrorWithError("failed to record fare capture", err).
			WithCode(common.CodeRideCreationFailed)
	}
	ride.WalletAmountUsed = result.WalletAmountUsed
	ride.GatewayAmountPaid = result.GatewayAmount
	ride.GatewayPaymentID = result.GatewayOrderID
	ride.PaymentStatus = result.PaymentStatus
	return nil
}

// enqueueDispatch publishes a dispatch job with a deterministic message id
// so JetStream deduplicates accidental re-enqueues. Retries with linear
// backoff before giving up.
func (s *Service) enqueueDispatch(ctx context.Context, rideID uuid.UUID, retry bool, attempt int) error {
	data := eventbus.DispatchJobData{
		RideID:     rideID,
		Retry:      retry,
		EnqueuedAt: time.Now().UTC(),
	}
	event, err := eventbus.NewEvent(eventbus.SubjectDispatchJobs, "rides", data)
	if err != nil {
		return err
	}

	msgID := eventbus.JobMsgID(rideID)
	if retry {
		// A distinct id per cascade round, otherwise the duplicate window
		// would swallow the re-dispatch.
		msgID = fmt.Sprintf("%s:retry:%d", msgID, attempt)
	}

	var lastErr error
	for i := 1; i <= s.cfg.EnqueueRetryAttempts; i++ {
		lastErr = s.bus.PublishWithMsgID(ctx, eventbus.SubjectDispatchJobs, event, msgID)
		if lastErr == nil {
			return nil
		}
		logger.Warn("dispatch enqueue failed, retrying",
			zap.String("ride_id", rideID.String()),
			zap.Int("attempt", i),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.EnqueueRetryBase * time.Duration(i)):
		}
	}
	return lastErr
}

// AcceptRide arbitrates concurrent acceptances for one ride. The first
// driver to take ride_lock:{rideId} wins; everyone else gets a conflict.
// The winner's id is stored as the lock value so only the arbiter's own
// failure paths can release it.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID uuid.UUID, driverSocketID string) (*models.Ride, error) {
	lockKey := redispkg.RideLockKey(rideID.String())
	won, err := s.redis.AcquireLock(ctx, lockKey, driverID.String(), s.cfg.AcceptLockTTL)
	if err != nil {
		return nil, common.NewInternalErrorWithError("failed to arbitrate acceptance", err).
			WithCode(common.CodeRideAcceptanceFailed)
	}
	if !won {
		return nil, common.NewConflictError("ride already accepted by another driver").
			WithCode(common.CodeRideAlreadyAccepted)
	}

	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		s.releaseLock(ctx, lockKey, driverID.String())
		if err == ErrRideNotFound {
			return nil, common.NewNotFoundError("ride not found", err)
		}
		return nil, common.NewInternalErrorWithError("failed to load ride", err).
			WithCode(common.CodeRideAcceptanceFailed)
	}
	if ride.Status != models.RideStatusRequested {
		s.releaseLock(ctx, lockKey, driverID.String())
		return nil, common.NewConflictError("ride is no longer available").
			WithCode(common.CodeRideAlreadyAccepted)
	}

	// Lock held and status verified, but a sweeper or cancellation can
	// still race us between the read and the write; the conditional
	// UPDATE is the final word.
	if err := s.store.AcceptRide(ctx, rideID, driverID, driverSocketID); err != nil {
		s.releaseLock(ctx, lockKey, driverID.String())
		if err == ErrStatusConflict {
			return nil, common.NewConflictError("ride is no longer available").
				WithCode(common.CodeRideAlreadyAccepted)
		}
		return nil, common.NewInternalErrorWithError("failed to accept ride", err).
			WithCode(common.CodeRideAcceptanceFailed)
	}

	ride.Status = models.RideStatusAccepted
	ride.DriverID = &driverID
	ride.DriverSocketID = &driverSocketID

	s.publish(ctx, eventbus.SubjectRideAccepted, eventbus.RideAcceptedData{
		RideID:     ride.ID,
		RiderID:    ride.RiderID,
		DriverID:   driverID,
		AcceptedAt: time.Now().UTC(),
	})

	logger.Info("ride accepted",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()))
	return ride, nil
}

// MarkArrived records the assigned driver at the pickup point.
func (s *Service) MarkArrived(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
	ride, err := s.ownedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideStatusAccepted {
		return nil, common.NewConflictError("ride is not awaiting arrival")
	}

	now := time.Now().UTC()
	if err := s.store.MarkArrived(ctx, rideID, now); err != nil {
		if err == ErrStatusConflict {
			return nil, common.NewConflictError("ride is not awaiting arrival")
		}
		return nil, common.NewInternalErrorWithError("failed to mark arrival", err)
	}
	ride.Status = models.RideStatusArrived
	ride.DriverArrivedAt = &now

	s.publish(ctx, eventbus.SubjectRideArrived, eventbus.RideArrivedData{
		RideID:    ride.ID,
		RiderID:   ride.RiderID,
		DriverID:  driverID,
		ArrivedAt: now,
	})
	return ride, nil
}

// StartRide verifies the rider-held start code and begins the trip. The
// code comparison is constant-time; a wrong code leaves status untouched.
func (s *Service) StartRide(ctx context.Context, rideID, driverID uuid.UUID, otp string) (*models.Ride, error) {
	ride, err := s.ownedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideStatusArrived {
		return nil, common.NewConflictError("driver has not arrived yet")
	}
	if !otpEqual(ride.StartOTP, otp) {
		return nil, common.NewValidationError("invalid start code")
	}

	now := time.Now().UTC()
	if err := s.store.StartRide(ctx, rideID, now); err != nil {
		if err == ErrStatusConflict {
			return nil, common.NewConflictError("ride can no longer be started")
		}
		return nil, common.NewInternalErrorWithError("failed to start ride", err)
	}
	ride.Status = models.RideStatusInProgress
	ride.ActualStartTime = &now

	s.publish(ctx, eventbus.SubjectRideStarted, eventbus.RideStartedData{
		RideID:    ride.ID,
		RiderID:   ride.RiderID,
		DriverID:  driverID,
		StartedAt: now,
	})
	return ride, nil
}

// CompleteRide verifies the stop code and finishes the trip. The final
// distance comes from the driver's tracked route when provided, otherwise
// the original estimate stands. Fare settlement happens asynchronously in
// the earnings finalizer, triggered by the completed event.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID uuid.UUID, otp string, trackedKm float64) (*models.Ride, error) {
	ride, err := s.ownedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideStatusInProgress {
		return nil, common.NewConflictError("ride is not in progress")
	}
	if !otpEqual(ride.StopOTP, otp) {
		return nil, common.NewValidationError("invalid stop code")
	}

	distance := ride.DistanceKm
	if trackedKm > 0 {
		distance = models.Round2(trackedKm)
	}

	now := time.Now().UTC()
	if err := s.store.CompleteRide(ctx, rideID, now, distance); err != nil {
		if err == ErrStatusConflict {
			return nil, common.NewConflictError("ride is not in progress")
		}
		return nil, common.NewInternalErrorWithError("failed to complete ride", err)
	}
	ride.Status = models.RideStatusCompleted
	ride.ActualEndTime = &now
	ride.DistanceKm = distance

	s.clearRideKeys(ctx, ride)

	s.publish(ctx, eventbus.SubjectRideCompleted, eventbus.RideCompletedData{
		RideID:      ride.ID,
		RiderID:     ride.RiderID,
		DriverID:    driverID,
		Fare:        ride.Fare,
		DistanceKm:  distance,
		CompletedAt: now,
	})

	logger.Info("ride completed",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()),
		zap.Float64("distance_km", distance))
	return ride, nil
}

// CancelRide cancels an unfinished ride and tears down its Redis keys.
// Cancelling an already-terminal ride is a no-op success, so clients can
// retry freely.
func (s *Service) CancelRide(ctx context.Context, rideID uuid.UUID, by models.CancelledBy, reason string) (*models.Ride, error) {
	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		if err == ErrRideNotFound {
			return nil, common.NewNotFoundError("ride not found", err)
		}
		return nil, common.NewInternalErrorWithError("failed to load ride", err)
	}

	cancelled, err := s.store.CancelRide(ctx, rideID, by, reason)
	if err != nil {
		return nil, common.NewInternalErrorWithError("failed to cancel ride", err)
	}
	if !cancelled {
		// Already terminal; report current state without side effects.
		return ride, nil
	}

	cb := by
	ride.Status = models.RideStatusCancelled
	ride.CancelledBy = &cb
	ride.CancellationReason = &reason

	s.clearRideKeys(ctx, ride)

	s.publish(ctx, eventbus.SubjectRideCancelled, eventbus.RideCancelledData{
		RideID:      ride.ID,
		RiderID:     ride.RiderID,
		DriverID:    ride.DriverID,
		CancelledBy: by,
		Reason:      reason,
		CancelledAt: time.Now().UTC(),
	})

	logger.Info("ride cancelled",
		zap.String("ride_id", rideID.String()),
		zap.String("cancelled_by", string(by)),
		zap.String("reason", reason))
	return ride, nil
}

// AutoCancel cancels a ride on the system's behalf only while it is still
// requested. Returns the ride and whether this call performed the cancel;
// a ride accepted in the meantime comes back untouched.
func (s *Service) AutoCancel(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error) {
	cancelled, err := s.store.CancelRequested(ctx, rideID, reason)
	if err != nil {
		return nil, false, common.NewInternalErrorWithError("failed to auto-cancel ride", err)
	}

	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		if err == ErrRideNotFound {
			return nil, false, common.NewNotFoundError("ride not found", err)
		}
		return nil, false, common.NewInternalErrorWithError("failed to load ride", err)
	}
	if !cancelled {
		return ride, false, nil
	}

	s.clearRideKeys(ctx, ride)

	s.publish(ctx, eventbus.SubjectRideCancelled, eventbus.RideCancelledData{
		RideID:      ride.ID,
		RiderID:     ride.RiderID,
		DriverID:    ride.DriverID,
		CancelledBy: models.CancelledBySystem,
		Reason:      reason,
		CancelledAt: time.Now().UTC(),
	})

	logger.Info("ride auto-cancelled",
		zap.String("ride_id", rideID.String()),
		zap.String("reason", reason))
	return ride, true, nil
}

// RejectRide records a driver's rejection. When every notified driver has
// rejected and the ride is still unclaimed, it is re-enqueued for a wider
// matching round. Returns true when the cascade re-dispatched.
func (s *Service) RejectRide(ctx context.Context, rideID, driverID uuid.UUID) (bool, error) {
	if err := s.store.AppendRejectedDriver(ctx, rideID, driverID); err != nil {
		return false, common.NewInternalErrorWithError("failed to record rejection", err)
	}

	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		if err == ErrRideNotFound {
			return false, common.NewNotFoundError("ride not found", err)
		}
		return false, common.NewInternalErrorWithError("failed to load ride", err)
	}
	if ride.Status != models.RideStatusRequested {
		return false, nil
	}
	if len(ride.RejectedDrivers) < len(ride.NotifiedDrivers) {
		return false, nil
	}

	if err := s.enqueueDispatch(ctx, rideID, true, len(ride.RejectedDrivers)); err != nil {
		return false, common.NewInternalErrorWithError("failed to re-dispatch ride", err)
	}
	logger.Info("all notified drivers rejected, re-dispatching",
		zap.String("ride_id", rideID.String()),
		zap.Int("rejections", len(ride.RejectedDrivers)))
	return true, nil
}

// VerifyStartOTP checks the pickup code without changing any state. The
// caller follows up with StartRide when it wants the transition.
func (s *Service) VerifyStartOTP(ctx context.Context, rideID, driverID uuid.UUID, otp string) (*models.Ride, error) {
	ride, err := s.ownedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if !otpEqual(ride.StartOTP, otp) {
		return nil, common.NewValidationError("invalid start code")
	}
	return ride, nil
}

// VerifyStopOTP checks the drop-off code without changing any state.
func (s *Service) VerifyStopOTP(ctx context.Context, rideID, driverID uuid.UUID, otp string) (*models.Ride, error) {
	ride, err := s.ownedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if !otpEqual(ride.StopOTP, otp) {
		return nil, common.NewValidationError("invalid stop code")
	}
	return ride, nil
}

// RecordNotified appends a matching round's drivers to the notified set.
func (s *Service) RecordNotified(ctx context.Context, rideID uuid.UUID, driverIDs []uuid.UUID) error {
	return s.store.AppendNotifiedDrivers(ctx, rideID, driverIDs)
}

// GetRide loads a ride by id.
func (s *Service) GetRide(ctx context.Context, rideID uuid.UUID) (*models.Ride, error) {
	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		if err == ErrRideNotFound {
			return nil, common.NewNotFoundError("ride not found", err)
		}
		return nil, common.NewInternalErrorWithError("failed to load ride", err)
	}
	return ride, nil
}

func (s *Service) ownedRide(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
	ride, err := s.store.GetRideByID(ctx, rideID)
	if err != nil {
		if err == ErrRideNotFound {
			return nil, common.NewNotFoundError("ride not found", err)
		}
		return nil, common.NewInternalErrorWithError("failed to load ride", err)
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return nil, common.NewUnauthorizedError("ride is assigned to another driver")
	}
	return ride, nil
}

// clearRideKeys tears down the Redis state a finished ride leaves behind:
// the rider's active-ride guard and the arbitration locks.
func (s *Service) clearRideKeys(ctx context.Context, ride *models.Ride) {
	s.releaseGuard(ctx, ride.RiderID, ride.ID)
	if err := s.redis.Delete(ctx,
		redispkg.RideLockKey(ride.ID.String()),
		redispkg.DispatchLockKey(ride.ID.String()),
	); err != nil {
		logger.Warn("failed to clear ride locks",
			zap.String("ride_id", ride.ID.String()), zap.Error(err))
	}
}

// releaseGuard releases the one-active-ride key only if it still belongs
// to this ride, so a newer request is never clobbered.
func (s *Service) releaseGuard(ctx context.Context, riderID, rideID uuid.UUID) {
	key := redispkg.UserActiveRideKey(riderID.String())
	if _, err := s.redis.ReleaseLock(ctx, key, rideID.String()); err != nil {
		logger.Warn("failed to release active ride guard",
			zap.String("rider_id", riderID.String()), zap.Error(err))
	}
}

func (s *Service) releaseLock(ctx context.Context, key, value string) {
	if _, err := s.redis.ReleaseLock(ctx, key, value); err != nil {
		logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	event, err := eventbus.NewEvent(subject, "rides", data)
	if err != nil {
		logger.Error("failed to build event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		logger.Error("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
