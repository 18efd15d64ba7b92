package dispatch

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/velora/dispatch/internal/presence"
	"github.com/velora/dispatch/pkg/config"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/metrics"
	"github.com/velora/dispatch/pkg/models"
)

// CandidateSource finds dispatchable drivers around a point.
type CandidateSource interface {
	Nearby(ctx context.Context, loc models.Location, radiusKm float64, limit int) ([]presence.Candidate, error)
}

// Matcher performs the progressive-radius driver search. Each radius in
// the schedule is tried in order; the first radius that yields any
// eligible candidate wins the round.
type Matcher struct {
	source CandidateSource
	cfg    config.DispatchConfig
}

// NewMatcher creates a matcher over a candidate source.
func NewMatcher(source CandidateSource, cfg config.DispatchConfig) *Matcher {
	return &Matcher{source: source, cfg: cfg}
}

// Match returns the candidates for one round and the radius that produced
// them. Candidates already in the ride's rejected set, drivers not serving
// the booking type, and drivers at or inside minKm are excluded. A non-zero
// minKm marks territory a previous round already canvassed: an expanded
// sweep solicits only drivers beyond it. Ordering is distance ascending,
// ties broken by higher rating, then earlier last-seen.
func (m *Matcher) Match(ctx context.Context, ride *models.Ride, radiiKm []float64, minKm float64) ([]presence.Candidate, float64, error) {
	var radiusUsed float64
	for _, radius := range radiiKm {
		radiusUsed = radius
		if radius <= minKm {
			continue
		}
		// Over-fetch: filtering below can discard members.
		found, err := m.source.Nearby(ctx, ride.Pickup, radius, m.cfg.MaxCandidates*2)
		if err != nil {
			return nil, radius, err
		}

		eligible := make([]presence.Candidate, 0, len(found))
		for _, c := range found {
			if c.DistanceKm <= minKm {
				continue
			}
			if ride.WasRejected(c.Driver.ID) {
				continue
			}
			if !c.Driver.ServesBookingType(ride.BookingType) {
				continue
			}
			eligible = append(eligible, c)
		}
		if len(eligible) == 0 {
			continue
		}

		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].DistanceKm != eligible[j].DistanceKm {
				return eligible[i].DistanceKm < eligible[j].DistanceKm
			}
			if eligible[i].Driver.Rating != eligible[j].Driver.Rating {
				return eligible[i].Driver.Rating > eligible[j].Driver.Rating
			}
			return eligible[i].Driver.LastSeen.Before(eligible[j].Driver.LastSeen)
		})
		if len(eligible) > m.cfg.MaxCandidates {
			eligible = eligible[:m.cfg.MaxCandidates]
		}

		logger.Debug("matching round found candidates",
			zap.String("ride_id", ride.ID.String()),
			zap.Float64("radius_km", radius),
			zap.Int("candidates", len(eligible)))
		metrics.DispatchCandidates.Observe(float64(len(eligible)))
		return eligible, radius, nil
	}
	return nil, radiusUsed, nil
}
