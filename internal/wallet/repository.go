package wallet

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
	// ErrInsufficientBalance is returned when a debit would take the
	// wallet below zero.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")

	// ErrDuplicateRidePayment is returned when a hybrid ride payment
	// already exists for the ride.
	ErrDuplicateRidePayment = errors.New("ride already charged to wallet")

	// ErrUserNotFound is returned when a user id resolves to nothing.
	ErrUserNotFound = errors.New("user not found")
)

// Repository handles database operations for the wallet ledger
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new wallet repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Apply writes one ledger entry and the matching balance change in a
// single transaction. The user row is locked for the duration so the
// entry's balance_before/balance_after always chain correctly.
func (r *Repository) Apply(ctx context.Context, txn *models.WalletTransaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin wallet transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance float64
	err = tx.QueryRow(ctx, `
		SELECT wallet_balance FROM users WHERE id = $1 FOR UPDATE
	`, txn.UserID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock wallet balance: %w", err)
	}

	// One hybrid ride payment per ride, checked under the row lock.
	if txn.Type == models.WalletRidePayment && txn.RideID != nil && txn.HybridPayment {
		var exists bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM wallet_transactions
				WHERE ride_id = $1 AND type = $2 AND hybrid_payment = TRUE
			)
		`, txn.RideID, models.WalletRidePayment).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check ride payment: %w", err)
		}
		if exists {
			return ErrDuplicateRidePayment
		}
	}

	txn.BalanceBefore = balance
	if txn.Type.IsDebit() {
		if balance < txn.Amount {
			return ErrInsufficientBalance
		}
		txn.BalanceAfter = models.Round2(balance - txn.Amount)
	} else {
		txn.BalanceAfter = models.Round2(balance + txn.Amount)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users SET wallet_balance = $1, updated_at = NOW() WHERE id = $2
	`, txn.BalanceAfter, txn.UserID)
	if err != nil {
		return fmt.Errorf("update wallet balance: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO wallet_transactions (
			id, user_id, type, amount, balance_before, balance_after,
			status, ride_id, hybrid_payment, description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, txn.ID, txn.UserID, txn.Type, txn.Amount, txn.BalanceBefore,
		txn.BalanceAfter, txn.Status, txn.RideID, txn.HybridPayment,
		txn.Description).Scan(&txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}

	return tx.Commit(ctx)
}

// Balance returns a user's current wallet balance.
func (r *Repository) Balance(ctx context.Context, userID uuid.UUID) (float64, error) {
	var balance float64
	err := r.db.QueryRow(ctx, `
		SELECT wallet_balance FROM users WHERE id = $1
	`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get wallet balance: %w", err)
	}
	return balance, nil
}

// RidePaymentExists reports whether a hybrid ride payment is already
// recorded for the ride.
func (r *Repository) RidePaymentExists(ctx context.Context, rideID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions
			WHERE ride_id = $1 AND type = $2 AND hybrid_payment = TRUE
		)
	`, rideID, models.WalletRidePayment).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ride payment: %w", err)
	}
	return exists, nil
}

// TransactionsForUser lists ledger entries newest first.
func (r *Repository) TransactionsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.WalletTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after,
		       status, ride_id, hybrid_payment, description, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore,
			&t.BalanceAfter, &t.Status, &t.RideID, &t.HybridPayment,
			&t.Description, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
