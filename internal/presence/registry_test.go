package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/dispatch/pkg/config"
	"github.com/velora/dispatch/pkg/eventbus"
	"github.com/velora/dispatch/pkg/models"
	redispkg "github.com/velora/dispatch/pkg/redis"
)

// ============================================================================
// MOCK IMPLEMENTATIONS
// ============================================================================

// MockDriverStore implements DriverStore for testing
type MockDriverStore struct {
	GetDriverByIDFunc   func(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	GetDriversByIDsFunc func(ctx context.Context, ids []uuid.UUID) ([]*models.Driver, error)
	SetOnlineFunc       func(ctx context.Context, driverID uuid.UUID, socketID string) error
	SetOfflineFunc      func(ctx context.Context, driverID uuid.UUID, socketID string) (bool, error)
	SetActiveFunc       func(ctx context.Context, driverID uuid.UUID, active bool) error
	SetBusyFunc         func(ctx context.Context, driverID uuid.UUID, busy bool, until *time.Time) error
	UpdateLocationFunc  func(ctx context.Context, driverID uuid.UUID, loc models.Location) error
}

func (m *MockDriverStore) GetDriverByID(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	if m.GetDriverByIDFunc != nil {
		return m.GetDriverByIDFunc(ctx, id)
	}
	return nil, ErrDriverNotFound
}

func (m *MockDriverStore) GetDriversByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Driver, error) {
	if m.GetDriversByIDsFunc != nil {
		return m.GetDriversByIDsFunc(ctx, ids)
	}
	return nil, nil
}

func (m *MockDriverStore) SetOnline(ctx context.Context, driverID uuid.UUID, socketID string) error {
	if m.SetOnlineFunc != nil {
		return m.SetOnlineFunc(ctx, driverID, socketID)
	}
	return nil
}

func (m *MockDriverStore) SetOffline(ctx context.Context, driverID uuid.UUID, socketID string) (bool, error) {
	if m.SetOfflineFunc != nil {
		return m.SetOfflineFunc(ctx, driverID, socketID)
	}
	return true, nil
}

func (m *MockDriverStore) SetActive(ctx context.Context, driverID uuid.UUID, active bool) error {
	if m.SetActiveFunc != nil {
		return m.SetActiveFunc(ctx, driverID, active)
	}
	return nil
}

func (m *MockDriverStore) SetBusy(ctx context.Context, driverID uuid.UUID, busy bool, until *time.Time) error {
	if m.SetBusyFunc != nil {
		return m.SetBusyFunc(ctx, driverID, busy, until)
	}
	return nil
}

func (m *MockDriverStore) UpdateLocation(ctx context.Context, driverID uuid.UUID, loc models.Location) error {
	if m.UpdateLocationFunc != nil {
		return m.UpdateLocationFunc(ctx, driverID, loc)
	}
	return nil
}

func (m *MockDriverStore) TouchLastSeen(ctx context.Context, driverID uuid.UUID) error {
	return nil
}

// MockRideChecker implements RideChecker for testing
type MockRideChecker struct {
	ActiveRideForDriverFunc func(ctx context.Context, driverID uuid.UUID) (*models.Ride, error)
}

func (m *MockRideChecker) ActiveRideForDriver(ctx context.Context, driverID uuid.UUID) (*models.Ride, error) {
	if m.ActiveRideForDriverFunc != nil {
		return m.ActiveRideForDriverFunc(ctx, driverID)
	}
	return nil, nil
}

// MockPublisher implements Publisher for testing
type MockPublisher struct {
	Published []string
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, event *eventbus.Event) error {
	m.Published = append(m.Published, subject)
	return nil
}

// MockRedis implements redis.ClientInterface for testing
type MockRedis struct {
	GeoRadiusFunc func(ctx context.Context, key string, longitude, latitude, radiusKm float64, count int) ([]redispkg.GeoMember, error)
	HGetAllFunc   func(ctx context.Context, key string) (map[string]string, error)

	GeoAdded    []string
	GeoRemoved  []string
	HashesSet   []string
	DeletedKeys []string
}

func (m *MockRedis) SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}

func (m *MockRedis) GetString(ctx context.Context, key string) (string, error) { return "", nil }

func (m *MockRedis) Delete(ctx context.Context, keys ...string) error {
	m.DeletedKeys = append(m.DeletedKeys, keys...)
	return nil
}

func (m *MockRedis) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

func (m *MockRedis) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return nil
}

func (m *MockRedis) Close() error { return nil }

func (m *MockRedis) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (m *MockRedis) ReleaseLock(ctx context.Context, key, value string) (bool, error) {
	return true, nil
}

func (m *MockRedis) LockOwner(ctx context.Context, key string) (string, error) { return "", nil }

func (m *MockRedis) HSetWithExpiration(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	m.HashesSet = append(m.HashesSet, key)
	return nil
}

func (m *MockRedis) HGetAllMap(ctx context.Context, key string) (map[string]string, error) {
	if m.HGetAllFunc != nil {
		return m.HGetAllFunc(ctx, key)
	}
	return map[string]string{}, nil
}

func (m *MockRedis) GeoAdd(ctx context.Context, key string, longitude, latitude float64, member string) error {
	m.GeoAdded = append(m.GeoAdded, member)
	return nil
}

func (m *MockRedis) GeoRadius(ctx context.Context, key string, longitude, latitude, radiusKm float64, count int) ([]redispkg.GeoMember, error) {
	if m.GeoRadiusFunc != nil {
		return m.GeoRadiusFunc(ctx, key, longitude, latitude, radiusKm, count)
	}
	return nil, nil
}

func (m *MockRedis) GeoRemove(ctx context.Context, key string, member string) error {
	m.GeoRemoved = append(m.GeoRemoved, member)
	return nil
}

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{PresenceTTL: 60 * time.Second}
}

func onlineDriver(id uuid.UUID, socketID string) *models.Driver {
	sid := socketID
	return &models.Driver{
		ID:       id,
		IsOnline: true,
		IsActive: true,
		SocketID: &sid,
		Rating:   4.8,
		Location: models.Location{Longitude: -73.98, Latitude: 40.75},
		LastSeen: time.Now(),
	}
}

func newRegistry(store *MockDriverStore, rides *MockRideChecker, rdb *MockRedis, bus *MockPublisher) *Registry {
	return NewRegistry(store, rides, rdb, bus, testConfig())
}

// ============================================================================
// CONNECT / DISCONNECT TESTS
// ============================================================================

func TestConnect_Success(t *testing.T) {
	driverID := uuid.New()
	store := &MockDriverStore{
		GetDriverByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
			return onlineDriver(driverID, "sock-1"), nil
		},
	}
	rdb := &MockRedis{}
	bus := &MockPublisher{}
	reg := newRegistry(store, &MockRideChecker{}, rdb, bus)

	driver, err := reg.Connect(context.Background(), driverID, "sock-1")

	require.NoError(t, err)
	assert.True(t, driver.IsOnline)
	require.NotNil(t, driver.SocketID)
	assert.Equal(t, "sock-1", *driver.SocketID)
	assert.Contains(t, rdb.HashesSet, redispkg.DriverPresenceKey(driverID.String()))
	assert.Contains(t, rdb.GeoAdded, driverID.String())
	assert.Contains(t, bus.Published, eventbus.SubjectDriverOnline)
}

func TestDisconnect_BoundSocket(t *testing.T) {
	driverID := uuid.New()
	rdb := &MockRedis{}
	bus := &MockPublisher{}
	reg := newRegistry(&MockDriverStore{}, &MockRideChecker{}, rdb, bus)

	err := reg.Disconnect(context.Background(), driverID, "sock-1")

	require.NoError(t, err)
	assert.Contains(t, rdb.DeletedKeys, redispkg.DriverPresenceKey(driverID.String()))
	assert.Contains(t, rdb.GeoRemoved, driverID.String())
	assert.Contains(t, bus.Published, eventbus.SubjectDriverOffline)
}

func TestDisconnect_StaleSocketIgnored(t *testing.T) {
	store := &MockDriverStore{
		SetOfflineFunc: func(ctx context.Context, driverID uuid.UUID, socketID string) (bool, error) {
			return false, nil // socket was rebound by a reconnect
		},
	}
	rdb := &MockRedis{}
	bus := &MockPublisher{}
	reg := newRegistry(store, &MockRideChecker{}, rdb, bus)

	err := reg.Disconnect(context.Background(), uuid.New(), "old-sock")

	require.NoError(t, err)
	assert.Empty(t, rdb.DeletedKeys)
	assert.Empty(t, bus.Published)
}

// ============================================================================
// HEARTBEAT TESTS
// ============================================================================

func TestHeartbeat_RefreshesCacheAndGeo(t *testing.T) {
	driverID := uuid.New()
	store := &MockDriverStore{
		GetDriverByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
			return onlineDriver(driverID, "sock-1"), nil
		},
	}
	rdb := &MockRedis{}
	reg := newRegistry(store, &MockRideChecker{}, rdb, &MockPublisher{})

	err := reg.Heartbeat(context.Background(), driverID, models.Location{Longitude: -73.97, Latitude: 40.76})

	require.NoError(t, err)
	assert.Contains(t, rdb.HashesSet, redispkg.DriverPresenceKey(driverID.String()))
	assert.Contains(t, rdb.GeoAdded, driverID.String())
}

func TestHeartbeat_BusyDriverLeavesGeoIndex(t *testing.T) {
	driverID := uuid.New()
	store := &MockDriverStore{
		GetDriverByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
			d := onlineDriver(driverID, "sock-1")
			d.IsBusy = true
			return d, nil
		},
	}
	rdb := &MockRedis{}
	reg := newRegistry(store, &MockRideChecker{}, rdb, &MockPublisher{})

	err := reg.Heartbeat(context.Background(), driverID, models.Location{})

	require.NoError(t, err)
	assert.Empty(t, rdb.GeoAdded)
	assert.Contains(t, rdb.GeoRemoved, driverID.String())
}

// ============================================================================
// BUSY FLAG TESTS
// ============================================================================

func TestMarkBusy_RemovesFromGeoIndex(t *testing.T) {
	driverID := uuid.New()
	rdb := &MockRedis{}
	reg := newRegistry(&MockDriverStore{}, &MockRideChecker{}, rdb, &MockPublisher{})

	err := reg.MarkBusy(context.Background(), driverID, nil)

	require.NoError(t, err)
	assert.Contains(t, rdb.GeoRemoved, driverID.String())
}

func TestVerifyBusy_NotBusy(t *testing.T) {
	reg := newRegistry(&MockDriverStore{}, &MockRideChecker{}, &MockRedis{}, &MockPublisher{})

	busy, err := reg.VerifyBusy(context.Background(), &models.Driver{IsBusy: false})

	require.NoError(t, err)
	assert.False(t, busy)
}

func TestVerifyBusy_ActiveRideConfirms(t *testing.T) {
	driverID := uuid.New()
	rides := &MockRideChecker{
		ActiveRideForDriverFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return &models.Ride{ID: uuid.New(), Status: models.RideStatusInProgress}, nil
		},
	}
	reg := newRegistry(&MockDriverStore{}, rides, &MockRedis{}, &MockPublisher{})

	busy, err := reg.VerifyBusy(context.Background(), &models.Driver{ID: driverID, IsBusy: true})

	require.NoError(t, err)
	assert.True(t, busy)
}

func TestVerifyBusy_RepairsStaleFlag(t *testing.T) {
	driverID := uuid.New()
	cleared := false
	store := &MockDriverStore{
		SetBusyFunc: func(ctx context.Context, id uuid.UUID, busy bool, until *time.Time) error {
			cleared = true
			assert.False(t, busy)
			return nil
		},
		GetDriverByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
			return onlineDriver(driverID, "sock-1"), nil
		},
	}
	reg := newRegistry(store, &MockRideChecker{}, &MockRedis{}, &MockPublisher{})

	driver := &models.Driver{ID: driverID, IsBusy: true}
	busy, err := reg.VerifyBusy(context.Background(), driver)

	require.NoError(t, err)
	assert.False(t, busy)
	assert.True(t, cleared)
	assert.False(t, driver.IsBusy)
}

func TestVerifyBusy_BusyUntilInFutureSkipsRideCheck(t *testing.T) {
	until := time.Now().Add(time.Hour)
	rides := &MockRideChecker{
		ActiveRideForDriverFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			t.Fatal("ride check must not run while busy_until holds")
			return nil, nil
		},
	}
	reg := newRegistry(&MockDriverStore{}, rides, &MockRedis{}, &MockPublisher{})

	busy, err := reg.VerifyBusy(context.Background(), &models.Driver{IsBusy: true, BusyUntil: &until})

	require.NoError(t, err)
	assert.True(t, busy)
}

func TestVerifyBusy_CheckErrorKeepsDriverOut(t *testing.T) {
	rides := &MockRideChecker{
		ActiveRideForDriverFunc: func(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
			return nil, errors.New("db down")
		},
	}
	reg := newRegistry(&MockDriverStore{}, rides, &MockRedis{}, &MockPublisher{})

	busy, err := reg.VerifyBusy(context.Background(), &models.Driver{IsBusy: true})

	require.Error(t, err)
	assert.True(t, busy)
}

// ============================================================================
// NEARBY TESTS
// ============================================================================

func TestNearby_OrdersByDistanceAndFiltersUndispatchable(t *testing.T) {
	near, far, offline := uuid.New(), uuid.New(), uuid.New()

	rdb := &MockRedis{
		GeoRadiusFunc: func(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]redispkg.GeoMember, error) {
			return []redispkg.GeoMember{
				{Name: far.String(), DistanceKm: 4.2},
				{Name: near.String(), DistanceKm: 1.1},
				{Name: offline.String(), DistanceKm: 0.5},
			}, nil
		},
	}
	store := &MockDriverStore{
		GetDriversByIDsFunc: func(ctx context.Context, ids []uuid.UUID) ([]*models.Driver, error) {
			offlineDriver := onlineDriver(offline, "sock-x")
			offlineDriver.IsOnline = false
			return []*models.Driver{
				onlineDriver(far, "sock-far"),
				onlineDriver(near, "sock-near"),
				offlineDriver,
			}, nil
		},
	}
	reg := newRegistry(store, &MockRideChecker{}, rdb, &MockPublisher{})

	candidates, err := reg.Nearby(context.Background(), models.Location{}, 5, 20)

	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, near, candidates[0].Driver.ID)
	assert.Equal(t, far, candidates[1].Driver.ID)
}

func TestNearby_EmptyRadius(t *testing.T) {
	reg := newRegistry(&MockDriverStore{}, &MockRideChecker{}, &MockRedis{}, &MockPublisher{})

	candidates, err := reg.Nearby(context.Background(), models.Location{}, 3, 20)

	require.NoError(t, err)
	assert.Empty(t, candidates)
}

// ============================================================================
// SNAPSHOT TESTS
// ============================================================================

func TestSnapshot_CacheHit(t *testing.T) {
	driverID := uuid.New()
	rdb := &MockRedis{
		HGetAllFunc: func(ctx context.Context, key string) (map[string]string, error) {
			return map[string]string{
				"socket_id": "sock-9",
				"is_online": "1",
				"is_active": "1",
				"lat":       "40.75",
				"lng":       "-73.98",
			}, nil
		},
	}
	store := &MockDriverStore{
		GetDriverByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
			t.Fatal("cache hit must not touch the store")
			return nil, nil
		},
	}
	reg := newRegistry(store, &MockRideChecker{}, rdb, &MockPublisher{})

	p, err := reg.Snapshot(context.Background(), driverID)

	require.NoError(t, err)
	assert.Equal(t, "sock-9", p.SocketID)
	assert.True(t, p.IsOnline)
	assert.Equal(t, 40.75, p.Latitude)
}

func TestSnapshot_CacheMissFallsBack(t *testing.T) {
	driverID := uuid.New()
	store := &MockDriverStore{
		GetDriverByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
			return onlineDriver(driverID, "sock-db"), nil
		},
	}
	reg := newRegistry(store, &MockRideChecker{}, &MockRedis{}, &MockPublisher{})

	p, err := reg.Snapshot(context.Background(), driverID)

	require.NoError(t, err)
	assert.Equal(t, "sock-db", p.SocketID)
}
