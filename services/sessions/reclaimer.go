package sessions

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// The predicate is re-evaluated per row when the update commits, so a
// heartbeat that lands first keeps its session open.
const reclaimSQL = `UPDATE file_sessions SET ended_at = last_activity
WHERE ended_at IS NULL AND last_activity <= ?
RETURNING id`

const reclaimAllSQL = `UPDATE file_sessions SET ended_at = last_activity
WHERE ended_at IS NULL
RETURNING id`

// maxAgeHours is roughly the largest hour count a time.Duration can hold.
const maxAgeHours = float64(math.MaxInt64) / float64(time.Hour)

// MaxAgeFromHours converts a caller-supplied hour count into a max age for
// ReclaimStale. Zero is allowed and means every open session.
func MaxAgeFromHours(hours float64) (time.Duration, error) {
	if math.IsNaN(hours) || hours < 0 {
		return 0, newError(ErrInvalidInput, "max age hours must be a non-negative number")
	}
	d := hours * float64(time.Hour)
	if d >= float64(math.MaxInt64) {
		return 0, newError(ErrInvalidInput, fmt.Sprintf("max age hours is too large, at most %.0f", math.Floor(maxAgeHours)))
	}
	return time.Duration(d), nil
}

// ReclaimStale closes every open session whose last activity is at least
// maxAge old, recording its last activity as its end. A zero maxAge closes
// all open sessions.
func (s *Service) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("%w: negative max age %s", ErrInvalidInput, maxAge)
	}
	started := time.Now()
	cutoff := s.now().Add(-maxAge)

	var reclaimed []sessionModel
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		var ids []struct{ ID uuid.UUID }
		q := tx.Raw(reclaimSQL, cutoff)
		if maxAge == 0 {
			q = tx.Raw(reclaimAllSQL)
		}
		if err := q.Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		keys := make([]uuid.UUID, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, id.ID)
		}
		if err := tx.Where("id IN ?", keys).Find(&reclaimed).Error; err != nil {
			return err
		}

		for _, row := range reclaimed {
			details := map[string]any{"reason": "reclaimed", "max_age_seconds": int64(maxAge / time.Second)}
			if err := appendEvent(tx, row.ID, EventClose, row.HashAfter, row.LastActivity, details); err != nil {
				return err
			}
		}
		return nil
	})
	reclaimDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale sessions: %w", err)
	}

	if len(reclaimed) == 0 {
		return 0, nil
	}
	sessionsReclaimed.Add(float64(len(reclaimed)))

	s.log.Info().Int("count", len(reclaimed)).Dur("max_age", maxAge).Msg("reclaimed stale sessions")
	for _, row := range reclaimed {
		s.publish(ctx, SubjectSessionReclaimed, map[string]any{
			"session_id": row.ID,
			"ended_at":   row.LastActivity.UTC(),
			"reason":     "reclaimed",
		})
	}
	return len(reclaimed), nil
}

// Reclaimer periodically sweeps stale sessions.
type Reclaimer struct {
	svc      *Service
	interval time.Duration
	maxAge   time.Duration
	log      zerolog.Logger
}

// NewReclaimer returns a sweeper. A non-positive interval disables Run; an
// enabled sweeper with a non-positive max age refuses to start.
func NewReclaimer(svc *Service, interval, maxAge time.Duration, log zerolog.Logger) *Reclaimer {
	return &Reclaimer{
		svc:      svc,
		interval: interval,
		maxAge:   maxAge,
		log:      log.With().Str("component", "reclaimer").Logger(),
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.log.Info().Msg("reclaimer disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	if r.maxAge <= 0 {
		return fmt.Errorf("%w: got %s", ErrNoReclaimAge, r.maxAge)
	}

	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reclaimer) sweep(ctx context.Context) {
	n, err := r.svc.ReclaimStale(ctx, r.maxAge)
	if err != nil {
		r.log.Error().Err(err).Msg("reclaim sweep failed")
		return
	}
	r.log.Debug().Int("reclaimed", n).Msg("reclaim sweep finished")
}
