package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ranis765/file-monitoring-system/pkg/bus"
	"github.com/ranis765/file-monitoring-system/pkg/config"
	"github.com/ranis765/file-monitoring-system/pkg/db"
	"github.com/ranis765/file-monitoring-system/pkg/telemetry"
	"github.com/ranis765/file-monitoring-system/services/api"
	"github.com/ranis765/file-monitoring-system/services/reminders"
	"github.com/ranis765/file-monitoring-system/services/sessions"
)

const serviceName = "filemon-sessions-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Level:       cfg.LogLevel,
		Out:         os.Stdout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	if err := run(ctx, cfg, logger, middleware); err != nil {
		logger.Fatal().Err(err).Msg("sessions api stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, middleware func(http.Handler) http.Handler) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		results, err := db.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		logger.Info().Int("applied", len(results)).Msg("migrations complete")
	}

	orm, err := db.OpenORM(pool)
	if err != nil {
		return err
	}

	var pub sessions.Publisher
	if cfg.NATSURL != "" {
		b, err := connectBus(cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		pub = b
	} else {
		logger.Warn().Msg("NATS_URL not set, lifecycle events will not be published")
	}

	svc, err := sessions.New(orm, pub, logger, sessions.Options{
		AllowOpenSessionComments: cfg.AllowOpenSessionComments,
		HistoryWindow:            cfg.HistoryWindow,
		HistoryLimit:             cfg.HistoryLimit,
	})
	if err != nil {
		return err
	}

	scheduler, err := reminders.New(orm, svc, pub, reminders.Options{
		Interval: cfg.ReminderInterval,
		Window:   cfg.ReminderWindow,
		Cooldown: cfg.ReminderCooldown,
	}, logger)
	if err != nil {
		return err
	}

	handler, err := newHandler(pool, orm, svc, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(sessions.NewReclaimer(svc, cfg.ReclaimInterval, cfg.ReclaimMaxAge, logger).Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(scheduler.Run(gctx))
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("starting sessions api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newHandler(pool *pgxpool.Pool, orm *gorm.DB, svc *sessions.Service, cfg config.Config, logger zerolog.Logger) (http.Handler, error) {
	a, err := api.New(&api.Store{DB: pool, ORM: orm}, svc, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RatePerMinute:  cfg.RatePerMinute,
		ReclaimMaxAge:  cfg.ReclaimMaxAge,
	}, logger)
	if err != nil {
		return nil, err
	}
	return a.Routes()
}

func connectBus(cfg config.Config, logger zerolog.Logger) (*bus.Bus, error) {
	b, err := bus.New(cfg.NATSURL,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	if err := b.EnsureStream(cfg.NATSStream, sessions.Subjects()); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
