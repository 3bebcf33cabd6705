package api

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ranis765/file-monitoring-system/services/sessions"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxAgeHours    = 2
)

// Store holds external dependencies required by the API layer. DB is
// optional; without it the stats endpoint reports unavailable.
type Store struct {
	DB  *pgxpool.Pool
	ORM *gorm.DB
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	RatePerMinute  int
	RequestTimeout time.Duration
	ReclaimMaxAge  time.Duration
}

// API exposes the session service over HTTP.
type API struct {
	store  *Store
	svc    *sessions.Service
	config Config
	log    zerolog.Logger
}

// New initialises the API layer with sane defaults applied to the provided configuration.
func New(store *Store, svc *sessions.Service, cfg Config, log zerolog.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if svc == nil {
		return nil, errors.New("session service is required")
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReclaimMaxAge <= 0 {
		cfg.ReclaimMaxAge = defaultMaxAgeHours * time.Hour
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return &API{
		store:  store,
		svc:    svc,
		config: cfg,
		log:    log.With().Str("component", "api").Logger(),
	}, nil
}
