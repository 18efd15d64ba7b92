package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/dispatch/internal/presence"
	"github.com/velora/dispatch/pkg/config"
	"github.com/velora/dispatch/pkg/eventbus"
	"github.com/velora/dispatch/pkg/models"
	redispkg "github.com/velora/dispatch/pkg/redis"
)

// ============================================================================
// MOCK IMPLEMENTATIONS
// ============================================================================

// MockCandidateSource implements CandidateSource for testing
type MockCandidateSource struct {
	NearbyFunc func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error)

	RadiiQueried []float64
}

func (m *MockCandidateSource) Nearby(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
	m.RadiiQueried = append(m.RadiiQueried, radiusKm)
	if m.NearbyFunc != nil {
		return m.NearbyFunc(ctx, loc, radiusKm, limit)
	}
	return nil, nil
}

// MockRideLifecycle implements RideLifecycle for testing
type MockRideLifecycle struct {
	GetRideFunc        func(ctx context.Context, rideID uuid.UUID) (*models.Ride, error)
	AutoCancelFunc     func(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error)
	RecordNotifiedFunc func(ctx context.Context, rideID uuid.UUID, driverIDs []uuid.UUID) error

	Notified []uuid.UUID
}

func (m *MockRideLifecycle) GetRide(ctx context.Context, rideID uuid.UUID) (*models.Ride, error) {
	if m.GetRideFunc != nil {
		return m.GetRideFunc(ctx, rideID)
	}
	return nil, errors.New("not configured")
}

func (m *MockRideLifecycle) AutoCancel(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error) {
	if m.AutoCancelFunc != nil {
		return m.AutoCancelFunc(ctx, rideID, reason)
	}
	return &models.Ride{ID: rideID, Status: models.RideStatusCancelled}, true, nil
}

func (m *MockRideLifecycle) RecordNotified(ctx context.Context, rideID uuid.UUID, driverIDs []uuid.UUID) error {
	m.Notified = append(m.Notified, driverIDs...)
	if m.RecordNotifiedFunc != nil {
		return m.RecordNotifiedFunc(ctx, rideID, driverIDs)
	}
	return nil
}

// MockNotifier implements Notifier for testing
type MockNotifier struct {
	NotifyDriverFunc func(ctx context.Context, driver *models.Driver, ride *models.Ride) error

	DriversNotified []uuid.UUID
	NoDriverReasons []string
}

func (m *MockNotifier) NotifyDriver(ctx context.Context, driver *models.Driver, ride *models.Ride) error {
	if m.NotifyDriverFunc != nil {
		if err := m.NotifyDriverFunc(ctx, driver, ride); err != nil {
			return err
		}
	}
	m.DriversNotified = append(m.DriversNotified, driver.ID)
	return nil
}

func (m *MockNotifier) NotifyNoDriverFound(ctx context.Context, ride *models.Ride, reason string) {
	m.NoDriverReasons = append(m.NoDriverReasons, reason)
}

// MockRedis implements redis.ClientInterface for testing
type MockRedis struct {
	AcquireLockFunc func(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	AcquiredKeys []string
	ReleasedKeys []string
}

func (m *MockRedis) SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}
func (m *MockRedis) GetString(ctx context.Context, key string) (string, error)  { return "", nil }
func (m *MockRedis) Delete(ctx context.Context, keys ...string) error           { return nil }
func (m *MockRedis) Exists(ctx context.Context, key string) (bool, error)       { return false, nil }
func (m *MockRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}
func (m *MockRedis) Close() error { return nil }

func (m *MockRedis) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.AcquiredKeys = append(m.AcquiredKeys, key)
	if m.AcquireLockFunc != nil {
		return m.AcquireLockFunc(ctx, key, value, ttl)
	}
	return true, nil
}

func (m *MockRedis) ReleaseLock(ctx context.Context, key, value string) (bool, error) {
	m.ReleasedKeys = append(m.ReleasedKeys, key)
	return true, nil
}

func (m *MockRedis) LockOwner(ctx context.Context, key string) (string, error) { return "", nil }

func (m *MockRedis) HSetWithExpiration(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	return nil
}
func (m *MockRedis) HGetAllMap(ctx context.Context, key string) (map[string]string, error) {
	return nil, nil
}
func (m *MockRedis) GeoAdd(ctx context.Context, key string, lng, lat float64, member string) error {
	return nil
}
func (m *MockRedis) GeoRadius(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]redispkg.GeoMember, error) {
	return nil, nil
}
func (m *MockRedis) GeoRemove(ctx context.Context, key string, member string) error { return nil }

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		RadiiKm:           []float64{3, 6, 9, 12, 15, 20},
		RetryRadiiKm:      []float64{15, 20, 25},
		MaxCandidates:     20,
		WorkerLockTTL:     30 * time.Second,
		WorkerConcurrency: 5,
		AutoCancelTimeout: 5 * time.Minute,
		AutoCancelInterval: 2 * time.Minute,
		SweeperBatchSize:  100,
	}
}

func candidate(distanceKm, rating float64, lastSeen time.Time) presence.Candidate {
	sid := "sock-" + uuid.NewString()[:8]
	return presence.Candidate{
		Driver: &models.Driver{
			ID:       uuid.New(),
			IsOnline: true,
			IsActive: true,
			SocketID: &sid,
			Rating:   rating,
			LastSeen: lastSeen,
		},
		DistanceKm: distanceKm,
	}
}

func requestedRide() *models.Ride {
	return &models.Ride{
		ID:          uuid.New(),
		RiderID:     uuid.New(),
		Status:      models.RideStatusRequested,
		BookingType: models.BookingInstant,
		Pickup:      models.Location{Longitude: -73.98, Latitude: 40.75},
		CreatedAt:   time.Now().Add(-time.Minute),
	}
}

func newWorker(rides *MockRideLifecycle, source *MockCandidateSource, notifier *MockNotifier, rdb *MockRedis) *Worker {
	cfg := testConfig()
	return NewWorker(rides, NewMatcher(source, cfg), notifier, rdb, nil, cfg)
}

// ============================================================================
// MATCHER TESTS
// ============================================================================

func TestMatch_ProgressiveRadii(t *testing.T) {
	ride := requestedRide()
	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			if radiusKm < 9 {
				return nil, nil
			}
			return []presence.Candidate{candidate(8.5, 4.9, time.Now())}, nil
		},
	}
	m := NewMatcher(source, testConfig())

	candidates, radiusUsed, err := m.Match(context.Background(), ride, testConfig().RadiiKm, 0)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 9.0, radiusUsed)
	// Smaller radii were tried first.
	assert.Equal(t, []float64{3, 6, 9}, source.RadiiQueried)
}

func TestMatch_Ordering(t *testing.T) {
	ride := requestedRide()
	now := time.Now()

	closest := candidate(1.0, 3.5, now)
	sameDistHighRating := candidate(2.0, 5.0, now)
	sameDistLowRating := candidate(2.0, 4.0, now)
	sameEverythingOlder := candidate(2.0, 4.0, now.Add(-time.Hour))

	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			return []presence.Candidate{sameDistLowRating, sameEverythingOlder, closest, sameDistHighRating}, nil
		},
	}
	m := NewMatcher(source, testConfig())

	candidates, _, err := m.Match(context.Background(), ride, []float64{3}, 0)

	require.NoError(t, err)
	require.Len(t, candidates, 4)
	assert.Equal(t, closest.Driver.ID, candidates[0].Driver.ID)
	assert.Equal(t, sameDistHighRating.Driver.ID, candidates[1].Driver.ID)
	// Equal distance and rating: earliest last-seen first.
	assert.Equal(t, sameEverythingOlder.Driver.ID, candidates[2].Driver.ID)
	assert.Equal(t, sameDistLowRating.Driver.ID, candidates[3].Driver.ID)
}

func TestMatch_ExcludesRejectedAndWrongBookingType(t *testing.T) {
	ride := requestedRide()
	ride.BookingType = models.BookingFullDay

	rejected := candidate(1.0, 5.0, time.Now())
	ride.RejectedDrivers = []uuid.UUID{rejected.Driver.ID}

	wrongType := candidate(1.5, 5.0, time.Now())
	wrongType.Driver.BookingTypes = []models.BookingType{models.BookingInstant}

	eligible := candidate(2.0, 4.0, time.Now())
	eligible.Driver.BookingTypes = []models.BookingType{models.BookingFullDay}

	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			return []presence.Candidate{rejected, wrongType, eligible}, nil
		},
	}
	m := NewMatcher(source, testConfig())

	candidates, _, err := m.Match(context.Background(), ride, []float64{3}, 0)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, eligible.Driver.ID, candidates[0].Driver.ID)
}

func TestMatch_RetryFloorExcludesCanvassedTerritory(t *testing.T) {
	ride := requestedRide()

	rejectedNear := candidate(2.0, 4.8, time.Now())
	rejectedMid := candidate(5.0, 4.6, time.Now())
	rejectedFar := candidate(6.0, 4.4, time.Now())
	ride.RejectedDrivers = []uuid.UUID{
		rejectedNear.Driver.ID, rejectedMid.Driver.ID, rejectedFar.Driver.ID,
	}
	insideFloor := candidate(14.0, 5.0, time.Now())
	beyondFloor := candidate(17.0, 4.2, time.Now())

	all := []presence.Candidate{rejectedNear, rejectedMid, rejectedFar, insideFloor, beyondFloor}
	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			var out []presence.Candidate
			for _, c := range all {
				if c.DistanceKm <= radiusKm {
					out = append(out, c)
				}
			}
			return out, nil
		},
	}
	m := NewMatcher(source, testConfig())

	candidates, radiusUsed, err := m.Match(context.Background(), ride, []float64{15, 20, 25}, 15)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	// The driver at 14 km sits inside territory the first round already
	// canvassed; only the one beyond the 15 km floor is fresh.
	assert.Equal(t, beyondFloor.Driver.ID, candidates[0].Driver.ID)
	assert.Equal(t, 20.0, radiusUsed)
	// The 15 km stage itself was skipped, not re-queried.
	assert.Equal(t, []float64{20}, source.RadiiQueried)
}

func TestMatch_CapsCandidates(t *testing.T) {
	ride := requestedRide()
	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			out := make([]presence.Candidate, 30)
			for i := range out {
				out[i] = candidate(float64(i), 4.5, time.Now())
			}
			return out, nil
		},
	}
	cfg := testConfig()
	m := NewMatcher(source, cfg)

	candidates, _, err := m.Match(context.Background(), ride, []float64{20}, 0)

	require.NoError(t, err)
	assert.Len(t, candidates, cfg.MaxCandidates)
}

func TestMatch_NothingFound(t *testing.T) {
	m := NewMatcher(&MockCandidateSource{}, testConfig())

	candidates, radiusUsed, err := m.Match(context.Background(), requestedRide(), testConfig().RadiiKm, 0)

	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, 20.0, radiusUsed)
}

// ============================================================================
// WORKER TESTS
// ============================================================================

func TestProcess_NotifiesCandidatesInOrder(t *testing.T) {
	ride := requestedRide()
	c1 := candidate(1.0, 4.9, time.Now())
	c2 := candidate(2.0, 4.5, time.Now())

	rides := &MockRideLifecycle{
		GetRideFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
	}
	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			return []presence.Candidate{c1, c2}, nil
		},
	}
	notifier := &MockNotifier{}
	rdb := &MockRedis{}
	w := newWorker(rides, source, notifier, rdb)

	err := w.Process(context.Background(), eventbus.DispatchJobData{RideID: ride.ID})

	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c1.Driver.ID, c2.Driver.ID}, notifier.DriversNotified)
	assert.Equal(t, []uuid.UUID{c1.Driver.ID, c2.Driver.ID}, rides.Notified)
	// Worker lock cycled.
	assert.Contains(t, rdb.AcquiredKeys, redispkg.DispatchLockKey(ride.ID.String()))
	assert.Contains(t, rdb.ReleasedKeys, redispkg.DispatchLockKey(ride.ID.String()))
}

func TestProcess_LockHeldElsewhereAborts(t *testing.T) {
	rdb := &MockRedis{
		AcquireLockFunc: func(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
			return false, nil
		},
	}
	rides := &MockRideLifecycle{
		GetRideFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			t.Fatal("must not load the ride without the lock")
			return nil, nil
		},
	}
	w := newWorker(rides, &MockCandidateSource{}, &MockNotifier{}, rdb)

	err := w.Process(context.Background(), eventbus.DispatchJobData{RideID: uuid.New()})
	require.NoError(t, err)
}

func TestProcess_NonRequestedRideSkipped(t *testing.T) {
	ride := requestedRide()
	ride.Status = models.RideStatusAccepted

	rides := &MockRideLifecycle{
		GetRideFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
	}
	source := &MockCandidateSource{}
	w := newWorker(rides, source, &MockNotifier{}, &MockRedis{})

	err := w.Process(context.Background(), eventbus.DispatchJobData{RideID: ride.ID})

	require.NoError(t, err)
	assert.Empty(t, source.RadiiQueried)
}

func TestProcess_NoCandidatesCancelsWithRadius(t *testing.T) {
	ride := requestedRide()

	var cancelReason string
	rides := &MockRideLifecycle{
		GetRideFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		AutoCancelFunc: func(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error) {
			cancelReason = reason
			return ride, true, nil
		},
	}
	notifier := &MockNotifier{}
	w := newWorker(rides, &MockCandidateSource{}, notifier, &MockRedis{})

	err := w.Process(context.Background(), eventbus.DispatchJobData{RideID: ride.ID})

	require.NoError(t, err)
	assert.Equal(t, "No drivers found within 20 km", cancelReason)
	require.Len(t, notifier.NoDriverReasons, 1)
}

func TestProcess_RetryUsesExpandedRadiiAndReason(t *testing.T) {
	ride := requestedRide()

	var cancelReason string
	rides := &MockRideLifecycle{
		GetRideFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
		AutoCancelFunc: func(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error) {
			cancelReason = reason
			return ride, true, nil
		},
	}
	source := &MockCandidateSource{}
	w := newWorker(rides, source, &MockNotifier{}, &MockRedis{})

	err := w.Process(context.Background(), eventbus.DispatchJobData{RideID: ride.ID, Retry: true})

	require.NoError(t, err)
	assert.Equal(t, []float64{20, 25}, source.RadiiQueried)
	assert.Equal(t, "All drivers rejected or unavailable", cancelReason)
}

func TestProcess_RetrySkipsDriversInsideFirstRetryRadius(t *testing.T) {
	ride := requestedRide()

	insideFloor := candidate(14.0, 5.0, time.Now())
	beyondFloor := candidate(17.0, 4.2, time.Now())

	rides := &MockRideLifecycle{
		GetRideFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
	}
	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			var out []presence.Candidate
			for _, c := range []presence.Candidate{insideFloor, beyondFloor} {
				if c.DistanceKm <= radiusKm {
					out = append(out, c)
				}
			}
			return out, nil
		},
	}
	notifier := &MockNotifier{}
	w := newWorker(rides, source, notifier, &MockRedis{})

	err := w.Process(context.Background(), eventbus.DispatchJobData{RideID: ride.ID, Retry: true})

	require.NoError(t, err)
	// The retry only canvasses beyond the territory the first round covered.
	assert.Equal(t, []uuid.UUID{beyondFloor.Driver.ID}, notifier.DriversNotified)
}

func TestProcess_StopsFanoutWhenRideLeavesRequested(t *testing.T) {
	ride := requestedRide()
	c1 := candidate(1.0, 4.9, time.Now())
	c2 := candidate(2.0, 4.5, time.Now())

	reads := 0
	rides := &MockRideLifecycle{
		GetRideFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			reads++
			// First read: worker entry. Second read: before candidate one.
			// Third read: the ride got accepted mid-fanout.
			if reads >= 3 {
				accepted := *ride
				accepted.Status = models.RideStatusAccepted
				return &accepted, nil
			}
			return ride, nil
		},
	}
	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			return []presence.Candidate{c1, c2}, nil
		},
	}
	notifier := &MockNotifier{}
	w := newWorker(rides, source, notifier, &MockRedis{})

	err := w.Process(context.Background(), eventbus.DispatchJobData{RideID: ride.ID})

	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c1.Driver.ID}, notifier.DriversNotified)
}

func TestProcess_NotificationFailureSkipsDriver(t *testing.T) {
	ride := requestedRide()
	c1 := candidate(1.0, 4.9, time.Now())
	c2 := candidate(2.0, 4.5, time.Now())

	rides := &MockRideLifecycle{
		GetRideFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return ride, nil
		},
	}
	source := &MockCandidateSource{
		NearbyFunc: func(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error) {
			return []presence.Candidate{c1, c2}, nil
		},
	}
	notifier := &MockNotifier{
		NotifyDriverFunc: func(ctx context.Context, driver *models.Driver, r *models.Ride) error {
			if driver.ID == c1.Driver.ID {
				return errors.New("socket gone")
			}
			return nil
		},
	}
	w := newWorker(rides, source, notifier, &MockRedis{})

	err := w.Process(context.Background(), eventbus.DispatchJobData{RideID: ride.ID})

	require.NoError(t, err)
	// Only the deliverable driver lands in notifiedDrivers.
	assert.Equal(t, []uuid.UUID{c2.Driver.ID}, rides.Notified)
}

// ============================================================================
// SWEEPER TESTS
// ============================================================================

// MockStrandedSource implements StrandedSource for testing
type MockStrandedSource struct {
	ListFunc func(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error)
}

func (m *MockStrandedSource) ListStrandedRequests(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, cutoff, limit)
	}
	return nil, nil
}

func TestSweep_CancelsStrandedAndNotifies(t *testing.T) {
	old := requestedRide()
	old.CreatedAt = time.Now().Add(-10 * time.Minute)

	source := &MockStrandedSource{
		ListFunc: func(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error) {
			assert.Equal(t, 100, limit)
			return []*models.Ride{old}, nil
		},
	}
	var cancelReason string
	rides := &MockRideLifecycle{
		AutoCancelFunc: func(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error) {
			cancelReason = reason
			return old, true, nil
		},
	}
	notifier := &MockNotifier{}
	sw := NewSweeper(source, rides, notifier, testConfig())

	err := sw.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "No driver accepted within 5 minutes", cancelReason)
	assert.Len(t, notifier.NoDriverReasons, 1)
}

func TestSweep_RaceWithAcceptanceSkipsNotification(t *testing.T) {
	old := requestedRide()

	source := &MockStrandedSource{
		ListFunc: func(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error) {
			return []*models.Ride{old}, nil
		},
	}
	rides := &MockRideLifecycle{
		AutoCancelFunc: func(ctx context.Context, rideID uuid.UUID, reason string) (*models.Ride, bool, error) {
			return old, false, nil // another writer accepted in between
		},
	}
	notifier := &MockNotifier{}
	sw := NewSweeper(source, rides, notifier, testConfig())

	err := sw.Sweep(context.Background())

	require.NoError(t, err)
	assert.Empty(t, notifier.NoDriverReasons)
}

func TestSweep_EmptyScan(t *testing.T) {
	sw := NewSweeper(&MockStrandedSource{}, &MockRideLifecycle{}, &MockNotifier{}, testConfig())
	require.NoError(t, sw.Sweep(context.Background()))
}
