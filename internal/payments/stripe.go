package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/velora/dispatch/pkg/resilience"
)

// StripeGateway implements Gateway over the Stripe API. All calls run
// through a circuit breaker so a processor outage degrades to fast
// failures instead of piling up blocked finalizers.
type StripeGateway struct {
	webhookSecret string
	breaker       *resilience.CircuitBreaker
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{
		webhookSecret: webhookSecret,
		breaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "stripe",
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		}, nil),
	}
}

// CreateOrder opens a payment intent for the amount.
func (g *StripeGateway) CreateOrder(ctx context.Context, amountMinorUnits int64, notes map[string]string) (*Order, error) {
	result, err := g.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		params := &stripe.PaymentIntentParams{
			Amount:   stripe.Int64(amountMinorUnits),
			Currency: stripe.String(string(stripe.CurrencyUSD)),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
		}
		for k, v := range notes {
			params.AddMetadata(k, v)
		}
		return paymentintent.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	pi := result.(*stripe.PaymentIntent)
	return &Order{
		ID:               pi.ID,
		AmountMinorUnits: pi.Amount,
		Notes:            notes,
	}, nil
}

// FetchPayment loads the current state of a payment intent.
func (g *StripeGateway) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	result, err := g.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return paymentintent.Get(paymentID, nil)
	})
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.HTTPStatusCode == 404 {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}

	pi := result.(*stripe.PaymentIntent)
	notes := make(map[string]string, len(pi.Metadata))
	for k, v := range pi.Metadata {
		notes[k] = v
	}
	return &Payment{
		ID:               pi.ID,
		Status:           mapIntentStatus(pi.Status),
		AmountMinorUnits: pi.Amount,
		Notes:            notes,
	}, nil
}

// VerifyWebhookSignature checks a webhook payload against the endpoint
// secret.
func (g *StripeGateway) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	_, err := webhook.ConstructEvent(rawBody, signature, g.webhookSecret)
	return err == nil
}

// Refund returns funds against a captured payment intent.
func (g *StripeGateway) Refund(ctx context.Context, paymentID string, amountMinorUnits int64) (*Refund, error) {
	result, err := g.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return refund.New(&stripe.RefundParams{
			PaymentIntent: stripe.String(paymentID),
			Amount:        stripe.Int64(amountMinorUnits),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}

	r := result.(*stripe.Refund)
	return &Refund{
		ID:               r.ID,
		PaymentID:        paymentID,
		AmountMinorUnits: r.Amount,
	}, nil
}

func mapIntentStatus(status stripe.PaymentIntentStatus) GatewayPaymentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return GatewayPaymentCaptured
	case stripe.PaymentIntentStatusRequiresCapture:
		return GatewayPaymentAuthorized
	case stripe.PaymentIntentStatusCanceled:
		return GatewayPaymentFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusProcessing:
		return GatewayPaymentCreated
	default:
		return GatewayPaymentFailed
	}
}
