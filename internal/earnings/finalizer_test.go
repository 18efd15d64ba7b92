package earnings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/dispatch/internal/payments"
	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/models"
)

// ============================================================================
// Mocks
// ============================================================================

type MockRideSource struct {
	GetRideByIDFunc      func(ctx context.Context, id uuid.UUID) (*models.Ride, error)
	GetFareBreakdownFunc func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error)

	FareUpdates   []float64
	StatusUpdates []models.PaymentStatus
}

func (m *MockRideSource) GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
	return m.GetRideByIDFunc(ctx, id)
}

func (m *MockRideSource) GetFareBreakdown(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
	return m.GetFareBreakdownFunc(ctx, rideID)
}

func (m *MockRideSource) UpdateFare(ctx context.Context, rideID uuid.UUID, fare float64) error {
	m.FareUpdates = append(m.FareUpdates, fare)
	return nil
}

func (m *MockRideSource) UpdatePaymentStatus(ctx context.Context, rideID uuid.UUID, status models.PaymentStatus) error {
	m.StatusUpdates = append(m.StatusUpdates, status)
	return nil
}

type MockEarningsStore struct {
	CurrentSettingsFunc func(ctx context.Context) (*models.Settings, error)

	Upserted  []*models.AdminEarnings
	UpsertErr error
}

func (m *MockEarningsStore) CurrentSettings(ctx context.Context) (*models.Settings, error) {
	return m.CurrentSettingsFunc(ctx)
}

func (m *MockEarningsStore) UpsertEarnings(ctx context.Context, e *models.AdminEarnings) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.Upserted = append(m.Upserted, e)
	return nil
}

type MockSettler struct {
	VerifyRidePaymentFunc func(ctx context.Context, ride *models.Ride) error
	SettleFareDeltaFunc   func(ctx context.Context, ride *models.Ride, delta float64) (*payments.DeltaOutcome, error)

	Verified []uuid.UUID
	Deltas   []float64
}

func (m *MockSettler) VerifyRidePayment(ctx context.Context, ride *models.Ride) error {
	m.Verified = append(m.Verified, ride.ID)
	if m.VerifyRidePaymentFunc != nil {
		return m.VerifyRidePaymentFunc(ctx, ride)
	}
	return nil
}

func (m *MockSettler) SettleFareDelta(ctx context.Context, ride *models.Ride, delta float64) (*payments.DeltaOutcome, error) {
	m.Deltas = append(m.Deltas, delta)
	if m.SettleFareDeltaFunc != nil {
		return m.SettleFareDeltaFunc(ctx, ride, delta)
	}
	return &payments.DeltaOutcome{}, nil
}

type MockRoomEmitter struct {
	Subjects []string
}

func (m *MockRoomEmitter) PublishRelay(subject string, payload interface{}) error {
	m.Subjects = append(m.Subjects, subject)
	return nil
}

// ============================================================================
// Fixtures
// ============================================================================

func testSettings() *models.Settings {
	return &models.Settings{
		ID:                  uuid.New(),
		BaseFare:            50,
		PerKmRate:           10,
		PerMinuteRate:       2,
		MinimumFare:         60,
		PlatformFeePct:      20,
		DriverCommissionPct: 80,
		MinPayoutThreshold:  100,
	}
}

func completedRide(fare, distanceKm float64, minutes int) *models.Ride {
	driverID := uuid.New()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Duration(minutes) * time.Minute)
	return &models.Ride{
		ID:              uuid.New(),
		RiderID:         uuid.New(),
		DriverID:        &driverID,
		Status:          models.RideStatusCompleted,
		PaymentMethod:   models.PaymentMethodWallet,
		Fare:            fare,
		DistanceKm:      distanceKm,
		ActualStartTime: &start,
		ActualEndTime:   &end,
	}
}

func breakdownFor(ride *models.Ride) *models.FareBreakdown {
	return &models.FareBreakdown{
		RideID:       ride.ID,
		BaseFare:     50,
		DistanceFare: 100,
		TimeFare:     40,
		MinimumFare:  60,
	}
}

func newTestFinalizer(rides *MockRideSource, store *MockEarningsStore, settler *MockSettler, rooms *MockRoomEmitter) *Finalizer {
	return NewFinalizer(rides, store, settler, rooms)
}

// ============================================================================
// Finalize
// ============================================================================

func TestFinalize_FareUnchanged(t *testing.T) {
	// Estimate matches actuals: 50 base + 10*20km + 2*20min = 290.
	ride := completedRide(290, 20, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			return breakdownFor(ride), nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{}
	rooms := &MockRoomEmitter{}

	err := newTestFinalizer(rides, store, settler, rooms).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)

	assert.Empty(t, rides.FareUpdates)
	assert.Empty(t, settler.Deltas)
	require.Len(t, store.Upserted, 1)
	record := store.Upserted[0]
	assert.Equal(t, 290.0, record.GrossFare)
	assert.Equal(t, 58.0, record.PlatformFee)
	assert.Equal(t, 232.0, record.DriverEarning)
	assert.Equal(t, models.PaymentStatusPending, record.PaymentStatus)
	assert.Equal(t, *ride.ActualEndTime, record.RideDate)
}

func TestFinalize_ShorterTripRefundsDelta(t *testing.T) {
	// Estimated 300, actual 18km over 20min: 50 + 180 + 40 = 270.
	ride := completedRide(300, 18, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			return breakdownFor(ride), nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{
		SettleFareDeltaFunc: func(ctx context.Context, r *models.Ride, delta float64) (*payments.DeltaOutcome, error) {
			return &payments.DeltaOutcome{PaymentStatus: models.PaymentStatusCompleted}, nil
		},
	}
	rooms := &MockRoomEmitter{}

	err := newTestFinalizer(rides, store, settler, rooms).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)

	assert.Equal(t, []float64{270}, rides.FareUpdates)
	assert.Equal(t, []float64{-30}, settler.Deltas)
	assert.Equal(t, []models.PaymentStatus{models.PaymentStatusCompleted}, rides.StatusUpdates)
	require.Len(t, store.Upserted, 1)
	assert.Equal(t, 270.0, store.Upserted[0].GrossFare)
	assert.Equal(t, 54.0, store.Upserted[0].PlatformFee)
	assert.Equal(t, 216.0, store.Upserted[0].DriverEarning)
}

func TestFinalize_LongerTripChargesDelta(t *testing.T) {
	// Actual 25km over 30min: 50 + 250 + 60 = 360 against an estimate of 300.
	ride := completedRide(300, 25, 30)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			return breakdownFor(ride), nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{}
	rooms := &MockRoomEmitter{}

	err := newTestFinalizer(rides, store, settler, rooms).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)

	assert.Equal(t, []float64{360}, rides.FareUpdates)
	assert.Equal(t, []float64{60}, settler.Deltas)
	require.Len(t, store.Upserted, 1)
	assert.Equal(t, 360.0, store.Upserted[0].GrossFare)
}

func TestFinalize_MinimumFareFloorHolds(t *testing.T) {
	// Tiny actuals land below the floor recorded at booking.
	ride := completedRide(60, 0.3, 2)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			b := breakdownFor(ride)
			b.BaseFare = 2
			return b, nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{}
	rooms := &MockRoomEmitter{}

	err := newTestFinalizer(rides, store, settler, rooms).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)

	assert.Empty(t, settler.Deltas)
	require.Len(t, store.Upserted, 1)
	assert.Equal(t, 60.0, store.Upserted[0].GrossFare)
}

func hybridCompletedRide(fare, walletUsed, distanceKm float64, minutes int) *models.Ride {
	ride := completedRide(fare, distanceKm, minutes)
	paymentID := "pi_cap_9"
	ride.PaymentMethod = models.PaymentMethodGateway
	ride.WalletAmountUsed = walletUsed
	ride.GatewayPaymentID = &paymentID
	return ride
}

func TestFinalize_GatewayLegVerifiedBeforeSettlement(t *testing.T) {
	ride := hybridCompletedRide(290, 100, 20, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			return breakdownFor(ride), nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{}

	err := newTestFinalizer(rides, store, settler, &MockRoomEmitter{}).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{ride.ID}, settler.Verified)
	require.Len(t, store.Upserted, 1)
}

func TestFinalize_WalletRideSkipsGatewayVerification(t *testing.T) {
	ride := completedRide(290, 20, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			return breakdownFor(ride), nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{}

	err := newTestFinalizer(rides, store, settler, &MockRoomEmitter{}).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Empty(t, settler.Verified)
}

func TestFinalize_UncapturedPaymentFlagsRideAndContinues(t *testing.T) {
	ride := hybridCompletedRide(290, 100, 20, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			return breakdownFor(ride), nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{
		VerifyRidePaymentFunc: func(ctx context.Context, r *models.Ride) error {
			return common.NewBadRequestError("payment is not captured", nil).
				WithCode(common.CodePaymentNotVerified)
		},
	}

	err := newTestFinalizer(rides, store, settler, &MockRoomEmitter{}).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)

	assert.Equal(t, []models.PaymentStatus{models.PaymentStatusFailed}, rides.StatusUpdates)
	require.Len(t, store.Upserted, 1) // the driver still earned the ride
}

func TestFinalize_GatewayOutageLeavesForRedelivery(t *testing.T) {
	ride := hybridCompletedRide(290, 100, 20, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{
		VerifyRidePaymentFunc: func(ctx context.Context, r *models.Ride) error {
			return common.NewInternalErrorWithError("gateway verification failed", errors.New("connection reset")).
				WithCode(common.CodePaymentVerificationFailed)
		},
	}

	err := newTestFinalizer(rides, store, settler, &MockRoomEmitter{}).Finalize(context.Background(), ride.ID)
	require.Error(t, err)
	assert.Empty(t, rides.StatusUpdates)
	assert.Empty(t, store.Upserted)
}

func TestFinalize_SkipsNonCompletedRide(t *testing.T) {
	ride := completedRide(300, 20, 20)
	ride.Status = models.RideStatusInProgress
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		t.Fatal("settings should not be loaded for a non-completed ride")
		return nil, nil
	}}

	err := newTestFinalizer(rides, store, &MockSettler{}, &MockRoomEmitter{}).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Empty(t, store.Upserted)
}

func TestFinalize_InvalidSettingsAborts(t *testing.T) {
	ride := completedRide(290, 20, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		s := testSettings()
		s.PlatformFeePct = 130
		return s, nil
	}}

	err := newTestFinalizer(rides, store, &MockSettler{}, &MockRoomEmitter{}).Finalize(context.Background(), ride.ID)
	require.Error(t, err)
	assert.False(t, retryable(err))
	assert.Empty(t, store.Upserted)
}

func TestFinalize_SettlementFailureStopsRecord(t *testing.T) {
	ride := completedRide(300, 18, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			return breakdownFor(ride), nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	settler := &MockSettler{
		SettleFareDeltaFunc: func(ctx context.Context, r *models.Ride, delta float64) (*payments.DeltaOutcome, error) {
			return nil, errors.New("wallet unavailable")
		},
	}

	err := newTestFinalizer(rides, store, settler, &MockRoomEmitter{}).Finalize(context.Background(), ride.ID)
	require.Error(t, err)
	assert.Empty(t, store.Upserted)
}

func TestFinalize_EmitsDriverEarningEvent(t *testing.T) {
	ride := completedRide(290, 20, 20)
	rides := &MockRideSource{
		GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		GetFareBreakdownFunc: func(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
			return breakdownFor(ride), nil
		},
	}
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		return testSettings(), nil
	}}
	rooms := &MockRoomEmitter{}

	err := newTestFinalizer(rides, store, &MockSettler{}, rooms).Finalize(context.Background(), ride.ID)
	require.NoError(t, err)

	require.Len(t, rooms.Subjects, 1)
	assert.Equal(t, "realtime.rooms.driver_"+ride.DriverID.String(), rooms.Subjects[0])
}

func TestRetryable_InfrastructureYesBusinessNo(t *testing.T) {
	assert.True(t, retryable(errors.New("connection refused")))
	assert.False(t, retryable(invalidSettingsErr(t)))
}

func invalidSettingsErr(t *testing.T) error {
	t.Helper()
	store := &MockEarningsStore{CurrentSettingsFunc: func(ctx context.Context) (*models.Settings, error) {
		s := testSettings()
		s.DriverCommissionPct = -1
		return s, nil
	}}
	ride := completedRide(290, 20, 20)
	rides := &MockRideSource{GetRideByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
		return ride, nil
	}}
	return newTestFinalizer(rides, store, &MockSettler{}, &MockRoomEmitter{}).Finalize(context.Background(), ride.ID)
}
