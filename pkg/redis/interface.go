package redis

import (
	"context"
	"fmt"
	"time"
)

// ClientInterface defines the interface for Redis operations
type ClientInterface interface {
	SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Close() error

	// Distributed locks
	AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, value string) (bool, error)
	LockOwner(ctx context.Context, key string) (string, error)

	// Presence hashes
	HSetWithExpiration(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error
	HGetAllMap(ctx context.Context, key string) (map[string]string, error)

	// Geospatial operations
	GeoAdd(ctx context.Context, key string, longitude, latitude float64, member string) error
	GeoRadius(ctx context.Context, key string, longitude, latitude, radiusKm float64, count int) ([]GeoMember, error)
	GeoRemove(ctx context.Context, key string, member string) error
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// Lock and cache key builders. Values written under lock keys are always
// validated on release.
const (
	keyDriverPresence = "driver:%s"
	keyRideLock       = "ride_lock:%s"
	keyDispatchLock   = "dispatch_lock:%s"
	keyUserActiveRide = "user_active_ride:%s"
)

// DriverPresenceKey returns the presence hash key for a driver.
func DriverPresenceKey(driverID string) string {
	return fmt.Sprintf(keyDriverPresence, driverID)
}

// RideLockKey returns the acceptance arbiter lock key for a ride.
func RideLockKey(rideID string) string {
	return fmt.Sprintf(keyRideLock, rideID)
}

// DispatchLockKey returns the dispatch worker lock key for a ride.
func DispatchLockKey(rideID string) string {
	return fmt.Sprintf(keyDispatchLock, rideID)
}

// UserActiveRideKey returns the one-active-ride guard key for a user.
func UserActiveRideKey(userID string) string {
	return fmt.Sprintf(keyUserActiveRide, userID)
}
