package rides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/velora/dispatch/pkg/models"
)

// Repository handles database operations for rides
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new rides repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const rideColumns = `
	id, rider_id, driver_id, status, booking_type, booking_meta,
	pickup_longitude, pickup_latitude, dropoff_longitude, dropoff_latitude,
	pickup_address, dropoff_address, payment_method, payment_status,
	fare, distance_km, start_otp, stop_otp, driver_arrived_at,
	actual_start_time, actual_end_time, notified_drivers, rejected_drivers,
	cancelled_by, cancellation_reason, wallet_amount_used, gateway_amount_paid,
	gateway_payment_id, transaction_id, user_socket_id, driver_socket_id,
	created_at, updated_at`

func scanRide(row pgx.Row) (*models.Ride, error) {
	ride := &models.Ride{}
	var meta []byte
	err := row.Scan(
		&ride.ID,
		&ride.RiderID,
		&ride.DriverID,
		&ride.Status,
		&ride.BookingType,
		&meta,
		&ride.Pickup.Longitude,
		&ride.Pickup.Latitude,
		&ride.Dropoff.Longitude,
		&ride.Dropoff.Latitude,
		&ride.PickupAddress,
		&ride.DropoffAddress,
		&ride.PaymentMethod,
		&ride.PaymentStatus,
		&ride.Fare,
		&ride.DistanceKm,
		&ride.StartOTP,
		&ride.StopOTP,
		&ride.DriverArrivedAt,
		&ride.ActualStartTime,
		&ride.ActualEndTime,
		&ride.NotifiedDrivers,
		&ride.RejectedDrivers,
		&ride.CancelledBy,
		&ride.CancellationReason,
		&ride.WalletAmountUsed,
		&ride.GatewayAmountPaid,
		&ride.GatewayPaymentID,
		&ride.TransactionID,
		&ride.UserSocketID,
		&ride.DriverSocketID,
		&ride.CreatedAt,
		&ride.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ride.BookingMeta); err != nil {
			return nil, fmt.Errorf("decode booking meta: %w", err)
		}
	}
	return ride, nil
}

// CreateRide inserts a new ride request along with its fare breakdown in a
// single transaction.
func (r *Repository) CreateRide(ctx context.Context, ride *models.Ride, breakdown *models.FareBreakdown) error {
	meta, err := ride.BookingMeta.Value()
	if err != nil {
		return fmt.Errorf("encode booking meta: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create ride: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO rides (
			id, rider_id, status, booking_type, booking_meta,
			pickup_longitude, pickup_latitude, dropoff_longitude, dropoff_latitude,
			pickup_address, dropoff_address, payment_method, payment_status,
			fare, distance_km, start_otp, stop_otp, notified_drivers,
			rejected_drivers, wallet_amount_used, gateway_amount_paid, user_socket_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		ride.ID,
		ride.RiderID,
		ride.Status,
		ride.BookingType,
		meta,
		ride.Pickup.Longitude,
		ride.Pickup.Latitude,
		ride.Dropoff.Longitude,
		ride.Dropoff.Latitude,
		ride.PickupAddress,
		ride.DropoffAddress,
		ride.PaymentMethod,
		ride.PaymentStatus,
		ride.Fare,
		ride.DistanceKm,
		ride.StartOTP,
		ride.StopOTP,
		ride.NotifiedDrivers,
		ride.RejectedDrivers,
		ride.WalletAmountUsed,
		ride.GatewayAmountPaid,
		ride.UserSocketID,
	).Scan(&ride.CreatedAt, &ride.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ride: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ride_fare_breakdowns (
			ride_id, base_fare, distance_fare, time_fare, discount, minimum_fare
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, breakdown.RideID, breakdown.BaseFare, breakdown.DistanceFare,
		breakdown.TimeFare, breakdown.Discount, breakdown.MinimumFare)
	if err != nil {
		return fmt.Errorf("failed to create fare breakdown: %w", err)
	}

	return tx.Commit(ctx)
}

// GetRideByID retrieves a ride by ID
func (r *Repository) GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
	ride, err := scanRide(r.db.QueryRow(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRideNotFound
		}
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return ride, nil
}

// ErrRideNotFound is returned when a ride id resolves to nothing.
var ErrRideNotFound = errors.New("ride not found")

// ErrStatusConflict is returned when a conditional status update matched no
// row: the ride moved on under a concurrent writer.
var ErrStatusConflict = errors.New("ride status changed concurrently")

// TransitionStatus moves a ride between statuses with an atomic compare.
// The WHERE clause on the previous status is the single-document substitute
// for a transaction: zero rows affected means a concurrent transition won.
func (r *Repository) TransitionStatus(ctx context.Context, rideID uuid.UUID, from, to models.RideStatus, set string, args ...interface{}) error {
	query := fmt.Sprintf(`
		UPDATE rides
		SET status = $1, updated_at = NOW()%s
		WHERE id = $2 AND status = $3
	`, set)

	params := append([]interface{}{to, rideID, from}, args...)
	tag, err := r.db.Exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to transition ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// AcceptRide assigns the winning driver while re-verifying the ride is
// still requested. Returns ErrStatusConflict when the re-verify fails.
func (r *Repository) AcceptRide(ctx context.Context, rideID, driverID uuid.UUID, driverSocketID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE rides
		SET status = $1, driver_id = $2, driver_socket_id = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`, models.RideStatusAccepted, driverID, driverSocketID, rideID, models.RideStatusRequested)
	if err != nil {
		return fmt.Errorf("failed to accept ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkArrived records the driver at the pickup point.
func (r *Repository) MarkArrived(ctx context.Context, rideID uuid.UUID, at time.Time) error {
	return r.TransitionStatus(ctx, rideID,
		models.RideStatusAccepted, models.RideStatusArrived,
		", driver_arrived_at = $4", at)
}

// StartRide transitions arrived to in_progress and records the start time.
func (r *Repository) StartRide(ctx context.Context, rideID uuid.UUID, at time.Time) error {
	return r.TransitionStatus(ctx, rideID,
		models.RideStatusArrived, models.RideStatusInProgress,
		", actual_start_time = $4", at)
}

// CompleteRide transitions in_progress to completed with the end time and
// final distance.
func (r *Repository) CompleteRide(ctx context.Context, rideID uuid.UUID, at time.Time, distanceKm float64) error {
	return r.TransitionStatus(ctx, rideID,
		models.RideStatusInProgress, models.RideStatusCompleted,
		", actual_end_time = $4, distance_km = $5", at, distanceKm)
}

// CancelRide cancels an unfinished ride. The status guard makes repeated
// cancellation a no-op and protects completed rides.
func (r *Repository) CancelRide(ctx context.Context, rideID uuid.UUID, by models.CancelledBy, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE rides
		SET status = $1, cancelled_by = $2, cancellation_reason = $3, updated_at = NOW()
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, models.RideStatusCancelled, by, reason, rideID,
		models.RideStatusCompleted, models.RideStatusCancelled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel ride: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelRequested cancels a ride only while it is still requested. The
// sweeper and the dispatch worker use this so an acceptance landing
// between scan and cancel always wins.
func (r *Repository) CancelRequested(ctx context.Context, rideID uuid.UUID, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE rides
		SET status = $1, cancelled_by = $2, cancellation_reason = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`, models.RideStatusCancelled, models.CancelledBySystem, reason, rideID,
		models.RideStatusRequested)
	if err != nil {
		return false, fmt.Errorf("failed to auto-cancel ride: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendNotifiedDrivers records the drivers notified in one matching round,
// flushed as a single write.
func (r *Repository) AppendNotifiedDrivers(ctx context.Context, rideID uuid.UUID, driverIDs []uuid.UUID) error {
	if len(driverIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE rides
		SET notified_drivers = (
			SELECT ARRAY(SELECT DISTINCT unnest(notified_drivers || $1::uuid[]))
		), updated_at = NOW()
		WHERE id = $2
	`, driverIDs, rideID)
	if err != nil {
		return fmt.Errorf("failed to append notified drivers: %w", err)
	}
	return nil
}

// AppendRejectedDriver adds a driver to the rejection set.
func (r *Repository) AppendRejectedDriver(ctx context.Context, rideID, driverID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE rides
		SET rejected_drivers = (
			SELECT ARRAY(SELECT DISTINCT unnest(rejected_drivers || $1::uuid))
		), updated_at = NOW()
		WHERE id = $2
	`, driverID, rideID)
	if err != nil {
		return fmt.Errorf("failed to append rejected driver: %w", err)
	}
	return nil
}

// UpdateRiderSocket refreshes the rider's last known socket on the ride row.
func (r *Repository) UpdateRiderSocket(ctx context.Context, rideID uuid.UUID, socketID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE rides SET user_socket_id = $1, updated_at = NOW() WHERE id = $2
	`, socketID, rideID)
	return err
}

// UpdateDriverSocket refreshes the driver's last known socket on the ride row.
func (r *Repository) UpdateDriverSocket(ctx context.Context, rideID uuid.UUID, socketID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE rides SET driver_socket_id = $1, updated_at = NOW() WHERE id = $2
	`, socketID, rideID)
	return err
}

// ListStrandedRequests returns requested rides older than cutoff, oldest
// first, bounded for one sweeper tick.
func (r *Repository) ListStrandedRequests(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, models.RideStatusRequested, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stranded requests: %w", err)
	}
	defer rows.Close()

	var rides []*models.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stranded ride: %w", err)
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}

// ActiveRideForDriver returns the single non-terminal ride bound to a
// driver, or nil. Used by the busy-flag repair.
func (r *Repository) ActiveRideForDriver(ctx context.Context, driverID uuid.UUID) (*models.Ride, error) {
	ride, err := scanRide(r.db.QueryRow(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE driver_id = $1 AND status = ANY($2)
		LIMIT 1
	`, driverID, statusStrings(models.ActiveStatuses)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active ride for driver: %w", err)
	}
	return ride, nil
}

// ActiveRidesForIdentity returns non-terminal rides involving a rider or
// driver, used for room re-joins on reconnection.
func (r *Repository) ActiveRidesForIdentity(ctx context.Context, id uuid.UUID) ([]*models.Ride, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE (rider_id = $1 OR driver_id = $1) AND status NOT IN ($2, $3)
	`, id, models.RideStatusCompleted, models.RideStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rides: %w", err)
	}
	defer rows.Close()

	var rides []*models.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active ride: %w", err)
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}

// GetFareBreakdown loads the stored truth inputs for fare recomputation.
func (r *Repository) GetFareBreakdown(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
	b := &models.FareBreakdown{}
	err := r.db.QueryRow(ctx, `
		SELECT ride_id, base_fare, distance_fare, time_fare, discount, minimum_fare
		FROM ride_fare_breakdowns
		WHERE ride_id = $1
	`, rideID).Scan(&b.RideID, &b.BaseFare, &b.DistanceFare, &b.TimeFare, &b.Discount, &b.MinimumFare)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRideNotFound
		}
		return nil, fmt.Errorf("failed to get fare breakdown: %w", err)
	}
	return b, nil
}

// UpdateFare persists a recomputed fare on a completed ride. Fare is the
// one post-completion mutation allowed besides payment status.
func (r *Repository) UpdateFare(ctx context.Context, rideID uuid.UUID, fare float64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE rides SET fare = $1, updated_at = NOW() WHERE id = $2
	`, fare, rideID)
	return err
}

// UpdatePaymentStatus sets the payment status on a ride.
func (r *Repository) UpdatePaymentStatus(ctx context.Context, rideID uuid.UUID, status models.PaymentStatus) error {
	_, err := r.db.Exec(ctx, `
		UPDATE rides SET payment_status = $1, updated_at = NOW() WHERE id = $2
	`, status, rideID)
	return err
}

// UpdatePaymentCapture records gateway payment identifiers and the wallet/
// gateway split after verification.
func (r *Repository) UpdatePaymentCapture(ctx context.Context, rideID uuid.UUID, walletAmount, gatewayAmount float64, gatewayPaymentID *string, status models.PaymentStatus) error {
	_, err := r.db.Exec(ctx, `
		UPDATE rides
		SET wallet_amount_used = $1, gateway_amount_paid = $2,
		    gateway_payment_id = $3, payment_status = $4, updated_at = NOW()
		WHERE id = $5
	`, walletAmount, gatewayAmount, gatewayPaymentID, status, rideID)
	return err
}

func statusStrings(statuses []models.RideStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
