package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ranis765/file-monitoring-system/pkg/db"
)

const (
	defaultHistoryWindow = 24 * time.Hour
	defaultHistoryLimit  = 50
)

// Publisher receives lifecycle notifications after a transaction commits.
// *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Options tunes policy decisions that are not fixed by the data model.
type Options struct {
	// AllowOpenSessionComments lets a comment attach before the session ends.
	AllowOpenSessionComments bool
	// HistoryWindow bounds how far back UserHistory looks for closed sessions.
	HistoryWindow time.Duration
	// HistoryLimit caps the number of recent sessions in UserHistory.
	HistoryLimit int
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// Service owns the session lifecycle: identities, the ledger, its events,
// comments, reclamation and the read-side queries.
type Service struct {
	db   *gorm.DB
	pub  Publisher
	log  zerolog.Logger
	opts Options
}

// New wires the service. pub may be nil when no bus is configured.
func New(gormDB *gorm.DB, pub Publisher, log zerolog.Logger, opts Options) (*Service, error) {
	if gormDB == nil {
		return nil, errors.New("gorm db is required")
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Service{
		db:   gormDB,
		pub:  pub,
		log:  log.With().Str("component", "sessions").Logger(),
		opts: opts,
	}, nil
}

func (s *Service) now() time.Time {
	return normalizeTime(s.opts.Clock())
}

// at resolves an optional client timestamp to a normalized instant.
func (s *Service) at(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return normalizeTime(t)
}

func (s *Service) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	return classify(s.db.WithContext(ctx).Transaction(fn))
}

func (s *Service) read(ctx context.Context, fn func(orm *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	return classify(fn(s.db.WithContext(ctx)))
}
