package payments

import (
	"context"
	"errors"
	"math"
)

// GatewayPaymentStatus is the remote processor's view of a payment.
type GatewayPaymentStatus string

const (
	GatewayPaymentCreated    GatewayPaymentStatus = "created"
	GatewayPaymentAuthorized GatewayPaymentStatus = "authorized"
	GatewayPaymentCaptured   GatewayPaymentStatus = "captured"
	GatewayPaymentFailed     GatewayPaymentStatus = "failed"
	GatewayPaymentRefunded   GatewayPaymentStatus = "refunded"
)

// ErrPaymentNotFound is returned when a payment id is unknown to the
// gateway.
var ErrPaymentNotFound = errors.New("gateway payment not found")

// Order is a gateway-side collection intent.
type Order struct {
	ID               string
	AmountMinorUnits int64
	Notes            map[string]string
}

// Payment is the gateway's record of a capture attempt.
type Payment struct {
	ID               string
	OrderID          string
	Status           GatewayPaymentStatus
	AmountMinorUnits int64
	Notes            map[string]string
}

// Refund is the gateway's record of returned funds.
type Refund struct {
	ID               string
	PaymentID        string
	AmountMinorUnits int64
}

// Gateway is the opaque payment-processor contract. Amounts are always in
// minor units (cents).
type Gateway interface {
	CreateOrder(ctx context.Context, amountMinorUnits int64, notes map[string]string) (*Order, error)
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)
	VerifyWebhookSignature(rawBody []byte, signature string) bool
	Refund(ctx context.Context, paymentID string, amountMinorUnits int64) (*Refund, error)
}

// MinorUnits converts a major-unit amount to integer minor units. Rounding
// is half-away-from-zero in both directions so negative adjustments carry
// the same magnitude as their positive counterparts.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// MajorUnits converts minor units back to a major-unit amount.
func MajorUnits(minor int64) float64 {
	return float64(minor) / 100
}
