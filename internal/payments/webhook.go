package payments

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/models"
)

// maxWebhookBody caps gateway payloads; real events are a few KB.
const maxWebhookBody = 256 * 1024

const eventPaymentSucceeded = "payment_intent.succeeded"

// WalletCrediter posts external deposits to a rider's wallet.
type WalletCrediter interface {
	TopUp(ctx context.Context, userID uuid.UUID, amount float64, description string) (*models.WalletTransaction, error)
}

// CaptureStore records confirmed gateway captures against rides.
type CaptureStore interface {
	GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error)
	UpdatePaymentCapture(ctx context.Context, rideID uuid.UUID, walletAmount, gatewayAmount float64, gatewayPaymentID *string, status models.PaymentStatus) error
}

// WebhookHandler ingests gateway webhooks: capture confirmations for ride
// orders opened at booking, and wallet top-up credits. Authentication is
// the gateway signature, not a bearer token.
type WebhookHandler struct {
	gateway Gateway
	wallet  WalletCrediter
	rides   CaptureStore
}

// NewWebhookHandler creates the gateway webhook handler.
func NewWebhookHandler(gateway Gateway, wallet WalletCrediter, rides CaptureStore) *WebhookHandler {
	return &WebhookHandler{gateway: gateway, wallet: wallet, rides: rides}
}

// webhookEvent is the slice of the gateway payload this service acts on.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   int64             `json:"amount"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Handle processes one webhook delivery. Unknown event types and unparsable
// metadata are acknowledged so the gateway stops retrying them.
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "failed to read webhook body")
		return
	}
	if !h.gateway.VerifyWebhookSignature(body, c.GetHeader("Stripe-Signature")) {
		common.ErrorResponse(c, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "malformed webhook payload")
		return
	}
	if event.Type != eventPaymentSucceeded {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	obj := event.Data.Object
	switch {
	case obj.Metadata["ride_id"] != "":
		rideID, err := uuid.Parse(obj.Metadata["ride_id"])
		if err != nil {
			logger.Warn("webhook carries unparsable ride id",
				zap.String("payment_id", obj.ID),
				zap.String("ride_id", obj.Metadata["ride_id"]))
			break
		}
		if err := h.recordRideCapture(c.Request.Context(), rideID, obj.ID, MajorUnits(obj.Amount)); err != nil {
			// 5xx makes the gateway redeliver once the store recovers.
			logger.Error("failed to record ride capture",
				zap.String("ride_id", rideID.String()), zap.Error(err))
			common.ErrorResponse(c, http.StatusInternalServerError, "failed to record capture")
			return
		}
	case obj.Metadata["purpose"] == "wallet_topup" && obj.Metadata["user_id"] != "":
		userID, err := uuid.Parse(obj.Metadata["user_id"])
		if err != nil {
			logger.Warn("webhook carries unparsable user id",
				zap.String("payment_id", obj.ID),
				zap.String("user_id", obj.Metadata["user_id"]))
			break
		}
		if _, err := h.wallet.TopUp(c.Request.Context(), userID, MajorUnits(obj.Amount), "Wallet top-up "+obj.ID); err != nil {
			logger.Error("failed to credit wallet top-up",
				zap.String("user_id", userID.String()), zap.Error(err))
			common.ErrorResponse(c, http.StatusInternalServerError, "failed to credit top-up")
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// recordRideCapture marks the gateway leg of a ride collected. The wallet
// leg recorded at booking is preserved as-is.
func (h *WebhookHandler) recordRideCapture(ctx context.Context, rideID uuid.UUID, paymentID string, amount float64) error {
	ride, err := h.rides.GetRideByID(ctx, rideID)
	if err != nil {
		return err
	}
	return h.rides.UpdatePaymentCapture(ctx, rideID,
		ride.WalletAmountUsed, amount, &paymentID, models.PaymentStatusCompleted)
}
