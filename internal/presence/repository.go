package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/velora/dispatch/pkg/models"
)

// ErrDriverNotFound is returned when a driver id resolves to nothing.
var ErrDriverNotFound = errors.New("driver not found")

// Repository handles database operations for driver presence
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new presence repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const driverColumns = `
	id, longitude, latitude, is_online, is_active, is_busy, busy_until,
	socket_id, last_seen, rating, vehicle_model, vehicle_plate,
	vehicle_color, vehicle_year, bank_account, booking_types,
	created_at, updated_at`

func scanDriver(row pgx.Row) (*models.Driver, error) {
	d := &models.Driver{}
	var bookingTypes []string
	err := row.Scan(
		&d.ID,
		&d.Location.Longitude,
		&d.Location.Latitude,
		&d.IsOnline,
		&d.IsActive,
		&d.IsBusy,
		&d.BusyUntil,
		&d.SocketID,
		&d.LastSeen,
		&d.Rating,
		&d.VehicleInfo.Model,
		&d.VehicleInfo.Plate,
		&d.VehicleInfo.Color,
		&d.VehicleInfo.Year,
		&d.BankAccount,
		&bookingTypes,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.BookingTypes = make([]models.BookingType, len(bookingTypes))
	for i, bt := range bookingTypes {
		d.BookingTypes[i] = models.BookingType(bt)
	}
	return d, nil
}

// GetDriverByID retrieves a driver by ID
func (r *Repository) GetDriverByID(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	d, err := scanDriver(r.db.QueryRow(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDriverNotFound
		}
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return d, nil
}

// GetDriversByIDs loads a batch of drivers preserving no particular order.
func (r *Repository) GetDriversByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get drivers: %w", err)
	}
	defer rows.Close()

	var drivers []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

// SetOnline marks a driver online with a fresh socket binding.
func (r *Repository) SetOnline(ctx context.Context, driverID uuid.UUID, socketID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET is_online = TRUE, socket_id = $1, last_seen = NOW(), updated_at = NOW()
		WHERE id = $2
	`, socketID, driverID)
	if err != nil {
		return fmt.Errorf("failed to set driver online: %w", err)
	}
	return nil
}

// SetOffline marks a driver offline only when the disconnecting socket is
// still the bound one, so a reconnect racing a stale disconnect survives.
// An explicit disconnect is a hard reset: the busy flag goes with it.
func (r *Repository) SetOffline(ctx context.Context, driverID uuid.UUID, socketID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET is_online = FALSE, socket_id = NULL, is_busy = FALSE,
		    busy_until = NULL, updated_at = NOW()
		WHERE id = $1 AND socket_id = $2
	`, driverID, socketID)
	if err != nil {
		return false, fmt.Errorf("failed to set driver offline: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetActive toggles dispatch eligibility.
func (r *Repository) SetActive(ctx context.Context, driverID uuid.UUID, active bool) error {
	_, err := r.db.Exec(ctx, `
		UPDATE drivers SET is_active = $1, updated_at = NOW() WHERE id = $2
	`, active, driverID)
	if err != nil {
		return fmt.Errorf("failed to set driver active: %w", err)
	}
	return nil
}

// SetBusy sets the busy flag with an optional horizon for scheduled
// bookings.
func (r *Repository) SetBusy(ctx context.Context, driverID uuid.UUID, busy bool, until *time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE drivers SET is_busy = $1, busy_until = $2, updated_at = NOW() WHERE id = $3
	`, busy, until, driverID)
	if err != nil {
		return fmt.Errorf("failed to set driver busy: %w", err)
	}
	return nil
}

// UpdateLocation persists the driver's last reported coordinate.
func (r *Repository) UpdateLocation(ctx context.Context, driverID uuid.UUID, loc models.Location) error {
	_, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET longitude = $1, latitude = $2, last_seen = NOW(), updated_at = NOW()
		WHERE id = $3
	`, loc.Longitude, loc.Latitude, driverID)
	if err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	return nil
}

// TouchLastSeen refreshes the heartbeat timestamp.
func (r *Repository) TouchLastSeen(ctx context.Context, driverID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE drivers SET last_seen = NOW(), updated_at = NOW() WHERE id = $1
	`, driverID)
	return err
}
