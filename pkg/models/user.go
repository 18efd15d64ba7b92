package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole is the authenticated role carried in socket auth claims.
type UserRole string

const (
	RoleRider  UserRole = "rider"
	RoleDriver UserRole = "driver"
	RoleAdmin  UserRole = "admin"
)

// User represents a rider: identity plus wallet.
type User struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	FirstName     string     `json:"first_name" db:"first_name"`
	LastName      string     `json:"last_name" db:"last_name"`
	PhoneNumber   string     `json:"phone_number" db:"phone_number"`
	SocketID      *string    `json:"socket_id,omitempty" db:"socket_id"`
	WalletBalance float64    `json:"wallet_balance" db:"wallet_balance"`
	ReferralCode  *string    `json:"referral_code,omitempty" db:"referral_code"`
	ReferredBy    *uuid.UUID `json:"referred_by,omitempty" db:"referred_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}
