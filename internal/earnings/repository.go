package earnings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velora/dispatch/pkg/models"
)

var (
	ErrSettingsNotFound = errors.New("pricing settings not configured")
	ErrPayoutNotFound   = errors.New("payout not found")
)

// Repository persists the financial records of completed rides and the
// payout batches built over them.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new earnings repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ========================================
// SETTINGS
// ========================================

// CurrentSettings loads the pricing configuration singleton.
func (r *Repository) CurrentSettings(ctx context.Context) (*models.Settings, error) {
	s := &models.Settings{}
	err := r.db.QueryRow(ctx, `
		SELECT id, base_fare, per_km_rate, per_minute_rate, minimum_fare,
		       platform_fee_pct, driver_commission_pct, min_payout_threshold, updated_at
		FROM settings
		ORDER BY updated_at DESC
		LIMIT 1`,
	).Scan(&s.ID, &s.BaseFare, &s.PerKmRate, &s.PerMinuteRate, &s.MinimumFare,
		&s.PlatformFeePct, &s.DriverCommissionPct, &s.MinPayoutThreshold, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// ========================================
// EARNINGS RECORDS
// ========================================

// UpsertEarnings writes the financial record for a ride. ride_id is unique,
// so re-delivery of a completion event overwrites the row with identical
// values instead of duplicating it.
func (r *Repository) UpsertEarnings(ctx context.Context, e *models.AdminEarnings) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO admin_earnings (
			id, ride_id, driver_id, rider_id, gross_fare, platform_fee,
			driver_earning, ride_date, payment_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ride_id) DO UPDATE SET
			gross_fare = EXCLUDED.gross_fare,
			platform_fee = EXCLUDED.platform_fee,
			driver_earning = EXCLUDED.driver_earning,
			payment_status = EXCLUDED.payment_status,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		e.ID, e.RideID, e.DriverID, e.RiderID, e.GrossFare, e.PlatformFee,
		e.DriverEarning, e.RideDate, e.PaymentStatus,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert earnings for ride %s: %w", e.RideID, err)
	}
	return nil
}

// GetByRideID loads the earnings record for a ride.
func (r *Repository) GetByRideID(ctx context.Context, rideID uuid.UUID) (*models.AdminEarnings, error) {
	e := &models.AdminEarnings{}
	err := r.db.QueryRow(ctx, `
		SELECT id, ride_id, driver_id, rider_id, gross_fare, platform_fee,
		       driver_earning, ride_date, payment_status, payout_id, created_at, updated_at
		FROM admin_earnings
		WHERE ride_id = $1`,
		rideID,
	).Scan(&e.ID, &e.RideID, &e.DriverID, &e.RiderID, &e.GrossFare, &e.PlatformFee,
		&e.DriverEarning, &e.RideDate, &e.PaymentStatus, &e.PayoutID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get earnings for ride %s: %w", rideID, err)
	}
	return e, nil
}

// ListForDriver returns a driver's earnings records, newest first.
func (r *Repository) ListForDriver(ctx context.Context, driverID uuid.UUID, limit, offset int) ([]models.AdminEarnings, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, ride_id, driver_id, rider_id, gross_fare, platform_fee,
		       driver_earning, ride_date, payment_status, payout_id, created_at, updated_at
		FROM admin_earnings
		WHERE driver_id = $1
		ORDER BY ride_date DESC
		LIMIT $2 OFFSET $3`,
		driverID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list earnings for driver %s: %w", driverID, err)
	}
	defer rows.Close()

	var out []models.AdminEarnings
	for rows.Next() {
		var e models.AdminEarnings
		if err := rows.Scan(&e.ID, &e.RideID, &e.DriverID, &e.RiderID, &e.GrossFare,
			&e.PlatformFee, &e.DriverEarning, &e.RideDate, &e.PaymentStatus,
			&e.PayoutID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan earnings row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UnpaidTotal sums a driver's earnings that no payout has claimed yet.
func (r *Repository) UnpaidTotal(ctx context.Context, driverID uuid.UUID) (float64, error) {
	var total float64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(driver_earning), 0)
		FROM admin_earnings
		WHERE driver_id = $1 AND payout_id IS NULL`,
		driverID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("unpaid total for driver %s: %w", driverID, err)
	}
	return total, nil
}

// ========================================
// PAYOUTS
// ========================================

// CreatePayout inserts a payout and claims the given earnings rows inside one
// transaction. The claim updates only rows still unclaimed, so an earning can
// never join two payouts; a shortfall aborts the whole batch.
func (r *Repository) CreatePayout(ctx context.Context, payout *models.Payout) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin payout tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO payouts (id, driver_id, amount, status, reference)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		payout.ID, payout.DriverID, payout.Amount, payout.Status, payout.Reference,
	).Scan(&payout.CreatedAt, &payout.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE admin_earnings
		SET payout_id = $1, updated_at = NOW()
		WHERE id = ANY($2) AND payout_id IS NULL`,
		payout.ID, payout.RelatedEarnings,
	)
	if err != nil {
		return fmt.Errorf("claim earnings for payout: %w", err)
	}
	if int(tag.RowsAffected()) != len(payout.RelatedEarnings) {
		return fmt.Errorf("payout claimed %d of %d earnings, another batch got there first",
			tag.RowsAffected(), len(payout.RelatedEarnings))
	}

	return tx.Commit(ctx)
}

// PayableEarnings returns the unclaimed earnings for a driver, oldest first.
func (r *Repository) PayableEarnings(ctx context.Context, driverID uuid.UUID) ([]models.AdminEarnings, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, ride_id, driver_id, rider_id, gross_fare, platform_fee,
		       driver_earning, ride_date, payment_status, payout_id, created_at, updated_at
		FROM admin_earnings
		WHERE driver_id = $1 AND payout_id IS NULL
		ORDER BY ride_date ASC`,
		driverID,
	)
	if err != nil {
		return nil, fmt.Errorf("payable earnings for driver %s: %w", driverID, err)
	}
	defer rows.Close()

	var out []models.AdminEarnings
	for rows.Next() {
		var e models.AdminEarnings
		if err := rows.Scan(&e.ID, &e.RideID, &e.DriverID, &e.RiderID, &e.GrossFare,
			&e.PlatformFee, &e.DriverEarning, &e.RideDate, &e.PaymentStatus,
			&e.PayoutID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan earnings row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdatePayoutStatus moves a payout between lifecycle states. A failed payout
// releases its earnings so a later batch can pick them up.
func (r *Repository) UpdatePayoutStatus(ctx context.Context, payoutID uuid.UUID, status models.PayoutStatus) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin payout status tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payouts SET status = $2, updated_at = NOW() WHERE id = $1`,
		payoutID, status,
	)
	if err != nil {
		return fmt.Errorf("update payout status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}

	if status == models.PayoutStatusFailed || status == models.PayoutStatusCancelled {
		_, err = tx.Exec(ctx, `
			UPDATE admin_earnings SET payout_id = NULL, updated_at = NOW()
			WHERE payout_id = $1`,
			payoutID,
		)
		if err != nil {
			return fmt.Errorf("release earnings from payout: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// DriversWithPayableBalance returns driver IDs whose unclaimed earnings meet
// the threshold.
func (r *Repository) DriversWithPayableBalance(ctx context.Context, threshold float64) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT driver_id
		FROM admin_earnings
		WHERE payout_id IS NULL
		GROUP BY driver_id
		HAVING SUM(driver_earning) >= $1`,
		threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("drivers with payable balance: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan driver id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
