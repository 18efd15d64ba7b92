package earnings

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/models"
)

// PayoutStore is the repository surface the payout builder uses.
type PayoutStore interface {
	CurrentSettings(ctx context.Context) (*models.Settings, error)
	DriversWithPayableBalance(ctx context.Context, threshold float64) ([]uuid.UUID, error)
	PayableEarnings(ctx context.Context, driverID uuid.UUID) ([]models.AdminEarnings, error)
	CreatePayout(ctx context.Context, payout *models.Payout) error
	UpdatePayoutStatus(ctx context.Context, payoutID uuid.UUID, status models.PayoutStatus) error
}

// PayoutService batches unclaimed driver earnings into disbursements once
// they clear the configured threshold.
type PayoutService struct {
	store PayoutStore
}

// NewPayoutService creates a payout service.
func NewPayoutService(store PayoutStore) *PayoutService {
	return &PayoutService{store: store}
}

// BuildPayouts creates a pending payout for every driver whose unclaimed
// earnings meet the threshold. Drivers whose batch fails are skipped and
// picked up on the next run.
func (s *PayoutService) BuildPayouts(ctx context.Context) ([]models.Payout, error) {
	settings, err := s.store.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}

	drivers, err := s.store.DriversWithPayableBalance(ctx, settings.MinPayoutThreshold)
	if err != nil {
		return nil, err
	}

	var payouts []models.Payout
	for _, driverID := range drivers {
		payout, err := s.buildForDriver(ctx, driverID)
		if err != nil {
			logger.Warn("payout batch failed for driver",
				zap.String("driver_id", driverID.String()),
				zap.Error(err))
			continue
		}
		payouts = append(payouts, *payout)
	}
	return payouts, nil
}

// Run builds payout batches on a fixed cadence until the context ends.
func (s *PayoutService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.BuildPayouts(ctx); err != nil {
				logger.Error("payout batch run failed", zap.Error(err))
			}
		}
	}
}

// PayoutForDriver builds a payout for one driver on demand, enforcing the
// threshold.
func (s *PayoutService) PayoutForDriver(ctx context.Context, driverID uuid.UUID) (*models.Payout, error) {
	settings, err := s.store.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}

	earnings, err := s.store.PayableEarnings(ctx, driverID)
	if err != nil {
		return nil, err
	}

	total := 0.0
	for _, e := range earnings {
		total += e.DriverEarning
	}
	total = models.Round2(total)
	if total < settings.MinPayoutThreshold {
		return nil, common.NewBadRequestError(
			fmt.Sprintf("minimum payout is %.2f, current balance is %.2f",
				settings.MinPayoutThreshold, total), nil)
	}

	return s.create(ctx, driverID, total, earnings)
}

// MarkCompleted finishes a payout after the disbursement clears.
func (s *PayoutService) MarkCompleted(ctx context.Context, payoutID uuid.UUID) error {
	return s.store.UpdatePayoutStatus(ctx, payoutID, models.PayoutStatusCompleted)
}

// MarkFailed fails a payout and releases its earnings for a later batch.
func (s *PayoutService) MarkFailed(ctx context.Context, payoutID uuid.UUID) error {
	return s.store.UpdatePayoutStatus(ctx, payoutID, models.PayoutStatusFailed)
}

func (s *PayoutService) buildForDriver(ctx context.Context, driverID uuid.UUID) (*models.Payout, error) {
	earnings, err := s.store.PayableEarnings(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if len(earnings) == 0 {
		return nil, fmt.Errorf("no payable earnings for driver %s", driverID)
	}

	total := 0.0
	for _, e := range earnings {
		total += e.DriverEarning
	}
	return s.create(ctx, driverID, models.Round2(total), earnings)
}

func (s *PayoutService) create(ctx context.Context, driverID uuid.UUID, amount float64, earnings []models.AdminEarnings) (*models.Payout, error) {
	related := make([]uuid.UUID, len(earnings))
	for i, e := range earnings {
		related[i] = e.ID
	}

	payout := &models.Payout{
		ID:              uuid.New(),
		DriverID:        driverID,
		Amount:          amount,
		Status:          models.PayoutStatusPending,
		RelatedEarnings: related,
		Reference:       payoutReference(),
	}
	if err := s.store.CreatePayout(ctx, payout); err != nil {
		return nil, err
	}

	logger.Info("payout created",
		zap.String("payout_id", payout.ID.String()),
		zap.String("driver_id", driverID.String()),
		zap.Float64("amount", amount),
		zap.Int("earnings", len(related)))
	return payout, nil
}

// payoutReference creates a short human-readable disbursement reference.
func payoutReference() string {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	ref := make([]byte, 10)
	for i := range ref {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		ref[i] = chars[n.Int64()]
	}
	return "PAY-" + string(ref)
}
