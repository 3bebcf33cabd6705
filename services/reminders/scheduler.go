package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ranis765/file-monitoring-system/pkg/db"
	"github.com/ranis765/file-monitoring-system/services/sessions"
)

var remindersSent = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "filemon",
	Name:      "reminders_sent_total",
	Help:      "Pending-comment reminders published.",
})

// PendingSource yields closed sessions that still need a comment.
type PendingSource interface {
	PendingComments(ctx context.Context, since time.Time) ([]sessions.PendingUser, error)
}

// Options controls reminder cadence.
type Options struct {
	Interval time.Duration
	Window   time.Duration
	Cooldown time.Duration
	Clock    func() time.Time
}

// Scheduler nudges users about their uncommented sessions. Delivery is left
// to whoever consumes the reminder subject.
type Scheduler struct {
	db     *gorm.DB
	source PendingSource
	pub    sessions.Publisher
	opts   Options
	log    zerolog.Logger
}

type reminderModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid"`
	SessionIDs datatypes.JSON
	SentAt     time.Time
}

func (reminderModel) TableName() string { return "sent_reminders" }

// Reminder is the payload published for one user.
type Reminder struct {
	UserID   uuid.UUID        `json:"user_id"`
	Username string           `json:"username"`
	Email    *string          `json:"email,omitempty"`
	Count    int              `json:"count"`
	Sessions []PendingSession `json:"sessions"`
	SentAt   time.Time        `json:"sent_at"`
}

// PendingSession is one uncommented session inside a reminder.
type PendingSession struct {
	SessionID uuid.UUID  `json:"session_id"`
	FilePath  string     `json:"file_path"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// New validates dependencies and returns a scheduler.
func New(gormDB *gorm.DB, source PendingSource, pub sessions.Publisher, opts Options, log zerolog.Logger) (*Scheduler, error) {
	if gormDB == nil {
		return nil, errors.New("gorm db is required")
	}
	if source == nil {
		return nil, errors.New("pending source is required")
	}
	if opts.Window <= 0 {
		return nil, errors.New("reminder window must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Scheduler{
		db:     gormDB,
		source: source,
		pub:    pub,
		opts:   opts,
		log:    log.With().Str("component", "reminders").Logger(),
	}, nil
}

// Run sends reminders on every tick until ctx is cancelled. A non-positive
// interval or a missing publisher disables it.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.Interval <= 0 || s.pub == nil {
		s.log.Info().Msg("reminders disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("reminder run failed")
			}
		}
	}
}

// RunOnce publishes one reminder per user with pending sessions whose last
// reminder is older than the cooldown. It returns the number sent.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if s.pub == nil {
		return 0, errors.New("no publisher configured")
	}

	now := s.opts.Clock().UTC().Truncate(time.Microsecond)
	pending, err := s.source.PendingComments(ctx, now.Add(-s.opts.Window))
	if err != nil {
		return 0, fmt.Errorf("load pending comments: %w", err)
	}

	sent := 0
	for _, user := range pending {
		due, err := s.due(ctx, user.UserID, now)
		if err != nil {
			return sent, err
		}
		if !due {
			continue
		}

		reminder := buildReminder(user, now)
		if err := s.pub.Publish(ctx, sessions.SubjectRemindersPending, reminder); err != nil {
			s.log.Warn().Err(err).Str("username", user.Username).Msg("publish reminder")
			continue
		}
		if err := s.record(ctx, reminder); err != nil {
			return sent, err
		}

		sent++
		remindersSent.Inc()
		s.log.Info().Str("username", user.Username).Int("sessions", reminder.Count).Msg("reminder sent")
	}
	return sent, nil
}

func (s *Scheduler) due(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	if s.opts.Cooldown <= 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var count int64
	err := s.db.WithContext(ctx).Model(&reminderModel{}).
		Where("user_id = ? AND sent_at > ?", userID, now.Add(-s.opts.Cooldown)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check last reminder: %w", err)
	}
	return count == 0, nil
}

func (s *Scheduler) record(ctx context.Context, reminder Reminder) error {
	ids := make([]uuid.UUID, 0, len(reminder.Sessions))
	for _, session := range reminder.Sessions {
		ids = append(ids, session.SessionID)
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	row := reminderModel{
		ID:         uuid.New(),
		UserID:     reminder.UserID,
		SessionIDs: datatypes.JSON(payload),
		SentAt:     reminder.SentAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record reminder: %w", err)
	}
	return nil
}

func buildReminder(user sessions.PendingUser, now time.Time) Reminder {
	r := Reminder{
		UserID:   user.UserID,
		Username: user.Username,
		Email:    user.Email,
		Count:    len(user.Sessions),
		SentAt:   now,
	}
	for _, session := range user.Sessions {
		r.Sessions = append(r.Sessions, PendingSession{
			SessionID: session.ID,
			FilePath:  session.FilePath,
			EndedAt:   session.EndedAt,
		})
	}
	return r
}
