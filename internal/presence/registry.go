package presence

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/config"
	"github.com/velora/dispatch/pkg/eventbus"
	"github.com/velora/dispatch/pkg/geo"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/models"
	redispkg "github.com/velora/dispatch/pkg/redis"
)

// GeoIndexKey is the Redis geo set holding live driver coordinates.
const GeoIndexKey = "drivers:geo"

// DriverStore is the persistence surface the registry depends on.
type DriverStore interface {
	GetDriverByID(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	GetDriversByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Driver, error)
	SetOnline(ctx context.Context, driverID uuid.UUID, socketID string) error
	SetOffline(ctx context.Context, driverID uuid.UUID, socketID string) (bool, error)
	SetActive(ctx context.Context, driverID uuid.UUID, active bool) error
	SetBusy(ctx context.Context, driverID uuid.UUID, busy bool, until *time.Time) error
	UpdateLocation(ctx context.Context, driverID uuid.UUID, loc models.Location) error
	TouchLastSeen(ctx context.Context, driverID uuid.UUID) error
}

// RideChecker answers whether a driver currently has a live ride. The
// registry uses it to repair a busy flag that drifted from reality.
type RideChecker interface {
	ActiveRideForDriver(ctx context.Context, driverID uuid.UUID) (*models.Ride, error)
}

// Publisher is the event bus surface the registry depends on.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// Registry tracks which drivers are connected, where they are, and
// whether they can take work. Durable state lives in Postgres; the hot
// path reads the driver:{id} hash and the geo index, both expiring on
// the presence TTL so a dead node's drivers age out on their own.
type Registry struct {
	store DriverStore
	rides RideChecker
	redis redispkg.ClientInterface
	bus   Publisher
	cfg   config.DispatchConfig
}

// NewRegistry creates the driver presence registry.
func NewRegistry(store DriverStore, rides RideChecker, rdb redispkg.ClientInterface, bus Publisher, cfg config.DispatchConfig) *Registry {
	return &Registry{
		store: store,
		rides: rides,
		redis: rdb,
		bus:   bus,
		cfg:   cfg,
	}
}

// Connect marks a driver online under a fresh socket. Reconnection simply
// rebinds the socket id; any previous binding is overwritten.
func (r *Registry) Connect(ctx context.Context, driverID uuid.UUID, socketID string) (*models.Driver, error) {
	if err := r.store.SetOnline(ctx, driverID, socketID); err != nil {
		return nil, err
	}
	driver, err := r.store.GetDriverByID(ctx, driverID)
	if err != nil {
		return nil, err
	}
	driver.IsOnline = true
	driver.SocketID = &socketID

	r.refreshCache(ctx, driver)
	r.publish(ctx, eventbus.SubjectDriverOnline, eventbus.DriverStatusData{
		DriverID: driverID,
		IsOnline: true,
		SocketID: socketID,
		At:       time.Now().UTC(),
	})

	logger.Info("driver connected",
		zap.String("driver_id", driverID.String()),
		zap.String("socket_id", socketID))
	return driver, nil
}

// Disconnect marks a driver offline if the departing socket still owns
// the binding. A stale disconnect arriving after a reconnect is ignored.
func (r *Registry) Disconnect(ctx context.Context, driverID uuid.UUID, socketID string) error {
	wasBound, err := r.store.SetOffline(ctx, driverID, socketID)
	if err != nil {
		return err
	}
	if !wasBound {
		logger.Debug("stale disconnect ignored",
			zap.String("driver_id", driverID.String()),
			zap.String("socket_id", socketID))
		return nil
	}

	id := driverID.String()
	if err := r.redis.Delete(ctx, redispkg.DriverPresenceKey(id)); err != nil {
		logger.Warn("failed to drop presence cache", zap.String("driver_id", id), zap.Error(err))
	}
	if err := r.redis.GeoRemove(ctx, GeoIndexKey, id); err != nil {
		logger.Warn("failed to drop geo entry", zap.String("driver_id", id), zap.Error(err))
	}

	r.publish(ctx, eventbus.SubjectDriverOffline, eventbus.DriverStatusData{
		DriverID: driverID,
		IsOnline: false,
		At:       time.Now().UTC(),
	})

	logger.Info("driver disconnected", zap.String("driver_id", id))
	return nil
}

// Heartbeat records a location report and keeps the hot cache alive. A
// driver that stops reporting falls out of the geo index when its
// presence TTL lapses.
func (r *Registry) Heartbeat(ctx context.Context, driverID uuid.UUID, loc models.Location) error {
	if err := r.store.UpdateLocation(ctx, driverID, loc); err != nil {
		return err
	}
	driver, err := r.store.GetDriverByID(ctx, driverID)
	if err != nil {
		return err
	}
	driver.Location = loc
	r.refreshCache(ctx, driver)
	return nil
}

// SetActive toggles dispatch eligibility without touching connectivity.
func (r *Registry) SetActive(ctx context.Context, driverID uuid.UUID, active bool) error {
	if err := r.store.SetActive(ctx, driverID, active); err != nil {
		return err
	}
	driver, err := r.store.GetDriverByID(ctx, driverID)
	if err != nil {
		return err
	}
	r.refreshCache(ctx, driver)
	logger.Info("driver availability toggled",
		zap.String("driver_id", driverID.String()),
		zap.Bool("active", active))
	return nil
}

// MarkBusy removes a driver from circulation for the duration of a ride.
// The until horizon is only set for scheduled bookings.
func (r *Registry) MarkBusy(ctx context.Context, driverID uuid.UUID, until *time.Time) error {
	if err := r.store.SetBusy(ctx, driverID, true, until); err != nil {
		return err
	}
	// Busy drivers must not surface in radius queries.
	if err := r.redis.GeoRemove(ctx, GeoIndexKey, driverID.String()); err != nil {
		logger.Warn("failed to drop busy driver from geo index",
			zap.String("driver_id", driverID.String()), zap.Error(err))
	}
	return nil
}

// ClearBusy returns a driver to circulation after a ride ends.
func (r *Registry) ClearBusy(ctx context.Context, driverID uuid.UUID) error {
	if err := r.store.SetBusy(ctx, driverID, false, nil); err != nil {
		return err
	}
	driver, err := r.store.GetDriverByID(ctx, driverID)
	if err != nil {
		return err
	}
	if driver.IsOnline {
		r.refreshCache(ctx, driver)
	}
	return nil
}

// VerifyBusy cross-checks a busy flag against live rides and repairs
// drift: a busy driver with no active ride is released. Returns the
// driver's effective busy state.
func (r *Registry) VerifyBusy(ctx context.Context, driver *models.Driver) (bool, error) {
	if !driver.IsBusy {
		return false, nil
	}
	if driver.BusyUntil != nil && driver.BusyUntil.After(time.Now()) {
		return true, nil
	}
	ride, err := r.rides.ActiveRideForDriver(ctx, driver.ID)
	if err != nil {
		// Can't prove the flag wrong; keep the driver out of matching.
		return true, err
	}
	if ride != nil {
		return true, nil
	}

	logger.Warn("repairing stale busy flag", zap.String("driver_id", driver.ID.String()))
	if err := r.ClearBusy(ctx, driver.ID); err != nil {
		return true, err
	}
	driver.IsBusy = false
	driver.BusyUntil = nil
	return false, nil
}

// Nearby returns dispatchable drivers within radiusKm of a point, closest
// first, hydrated from the durable store. Results include the measured
// distance for ordering tie-breaks upstream.
func (r *Registry) Nearby(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]Candidate, error) {
	members, err := r.redis.GeoRadius(ctx, GeoIndexKey, loc.Longitude, loc.Latitude, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(members))
	distByID := make(map[uuid.UUID]float64, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m.Name)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		distByID[id] = m.DistanceKm
	}

	drivers, err := r.store.GetDriversByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.IsOnline || !d.IsActive || d.SocketID == nil || *d.SocketID == "" {
			continue
		}
		// Repair-then-check: a busy flag with no live ride behind it is
		// cleared here rather than silently excluding the driver.
		busy, err := r.VerifyBusy(ctx, d)
		if err != nil {
			logger.Warn("busy verification failed, skipping driver",
				zap.String("driver_id", d.ID.String()), zap.Error(err))
			continue
		}
		if busy {
			continue
		}
		candidates = append(candidates, Candidate{
			Driver:     d,
			DistanceKm: distByID[d.ID],
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})
	return candidates, nil
}

// Snapshot returns the hot-cache presence projection, falling back to
// the durable store on a cache miss.
func (r *Registry) Snapshot(ctx context.Context, driverID uuid.UUID) (*models.DriverPresence, error) {
	fields, err := r.redis.HGetAllMap(ctx, redispkg.DriverPresenceKey(driverID.String()))
	if err == nil && len(fields) > 0 {
		if p := presenceFromFields(driverID, fields); p != nil {
			return p, nil
		}
	}

	driver, err := r.store.GetDriverByID(ctx, driverID)
	if err != nil {
		return nil, err
	}
	p := presenceOf(driver)
	return &p, nil
}

// Candidate pairs a dispatchable driver with its measured distance from a
// pickup point.
type Candidate struct {
	Driver     *models.Driver
	DistanceKm float64
}

// refreshCache rewrites the driver:{id} hash and the geo index entry
// under the presence TTL.
func (r *Registry) refreshCache(ctx context.Context, driver *models.Driver) {
	id := driver.ID.String()
	p := presenceOf(driver)

	fields := map[string]interface{}{
		"socket_id": p.SocketID,
		"is_online": boolField(p.IsOnline),
		"is_active": boolField(p.IsActive),
		"lat":       p.Latitude,
		"lng":       p.Longitude,
		"h3_cell":   p.H3Cell,
		"last_seen": p.LastSeen.UTC().Format(time.RFC3339),
	}
	if err := r.redis.HSetWithExpiration(ctx, redispkg.DriverPresenceKey(id), fields, r.cfg.PresenceTTL); err != nil {
		logger.Warn("failed to refresh presence cache", zap.String("driver_id", id), zap.Error(err))
	}

	if driver.Dispatchable() {
		if err := r.redis.GeoAdd(ctx, GeoIndexKey, p.Longitude, p.Latitude, id); err != nil {
			logger.Warn("failed to refresh geo index", zap.String("driver_id", id), zap.Error(err))
		}
	} else {
		if err := r.redis.GeoRemove(ctx, GeoIndexKey, id); err != nil {
			logger.Warn("failed to drop geo entry", zap.String("driver_id", id), zap.Error(err))
		}
	}
}

func (r *Registry) publish(ctx context.Context, subject string, data interface{}) {
	event, err := eventbus.NewEvent(subject, "presence", data)
	if err != nil {
		logger.Error("failed to build event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := r.bus.Publish(ctx, subject, event); err != nil {
		logger.Error("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func presenceOf(d *models.Driver) models.DriverPresence {
	p := models.DriverPresence{
		DriverID:  d.ID,
		IsOnline:  d.IsOnline,
		IsActive:  d.IsActive,
		Latitude:  d.Location.Latitude,
		Longitude: d.Location.Longitude,
		H3Cell:    geo.CellString(d.Location.Latitude, d.Location.Longitude, geo.H3ResolutionMatching),
		LastSeen:  d.LastSeen,
	}
	if d.SocketID != nil {
		p.SocketID = *d.SocketID
	}
	return p
}

func presenceFromFields(driverID uuid.UUID, fields map[string]string) *models.DriverPresence {
	p := &models.DriverPresence{DriverID: driverID}
	p.SocketID = fields["socket_id"]
	p.IsOnline = fields["is_online"] == "1"
	p.IsActive = fields["is_active"] == "1"
	p.H3Cell = fields["h3_cell"]
	if v, err := strconv.ParseFloat(fields["lat"], 64); err == nil {
		p.Latitude = v
	}
	if v, err := strconv.ParseFloat(fields["lng"], 64); err == nil {
		p.Longitude = v
	}
	if ts, err := time.Parse(time.RFC3339, fields["last_seen"]); err == nil {
		p.LastSeen = ts
	}
	return p
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
