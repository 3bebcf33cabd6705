package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ranis765/file-monitoring-system/pkg/bus"
	"github.com/ranis765/file-monitoring-system/pkg/config"
	"github.com/ranis765/file-monitoring-system/pkg/db"
	"github.com/ranis765/file-monitoring-system/pkg/telemetry"
	"github.com/ranis765/file-monitoring-system/services/sessions"
)

// app carries what the commands need. Tests swap openService for a
// SQLite-backed service.
type app struct {
	cfg         config.Config
	log         zerolog.Logger
	setup       func(ctx context.Context, a *app) error
	openService func(ctx context.Context, a *app) (*sessions.Service, func(), error)
}

func newApp() *app {
	return &app{
		setup:       loadEnv,
		openService: openPostgresService,
	}
}

func loadEnv(ctx context.Context, a *app) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(telemetry.Options{
		ServiceName: "sessionctl",
		Level:       cfg.LogLevel,
		Console:     true,
		Out:         os.Stderr,
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger
	return nil
}

func openPostgresService(ctx context.Context, a *app) (*sessions.Service, func(), error) {
	if a.cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	svc, err := sessions.New(orm, nil, a.log, sessions.Options{
		AllowOpenSessionComments: a.cfg.AllowOpenSessionComments,
		HistoryWindow:            a.cfg.HistoryWindow,
		HistoryLimit:             a.cfg.HistoryLimit,
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc, pool.Close, nil
}

func (a *app) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *sessions.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := a.openService(ctx, a)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, svc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Operate the file session tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.setup == nil {
				return nil
			}
			return a.setup(cmd.Context(), a)
		},
	}

	cmd.AddCommand(newMigrateCommand(a))
	cmd.AddCommand(newReclaimCommand(a))
	cmd.AddCommand(newActiveCommand(a))
	cmd.AddCommand(newHistoryCommand(a))
	cmd.AddCommand(newTimelineCommand(a))
	cmd.AddCommand(newWatchCommand(a))
	return cmd
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			pool, err := db.Open(cmd.Context(), a.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			results, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d %s (%s)\n", r.Source.Version, r.Source.Path, r.Duration)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
}

func newReclaimCommand(a *app) *cobra.Command {
	var maxAgeHours float64

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Close sessions whose last activity is older than the max age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge := a.cfg.ReclaimMaxAge
			if cmd.Flags().Changed("max-age-hours") {
				d, err := sessions.MaxAgeFromHours(maxAgeHours)
				if err != nil {
					return fmt.Errorf("--max-age-hours: %w", err)
				}
				maxAge = d
			}

			return a.withService(cmd, func(ctx context.Context, svc *sessions.Service) error {
				count, err := svc.ReclaimStale(ctx, maxAge)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"reclaimed":       count,
					"max_age_seconds": int64(maxAge / time.Second),
				})
			})
		},
	}

	cmd.Flags().Float64Var(&maxAgeHours, "max-age-hours", 0, "Inactivity threshold in hours; 0 closes every open session")
	return cmd
}

func newActiveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "active [pattern]",
		Short: "List open sessions, optionally filtered by a path prefix or glob",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			return a.withService(cmd, func(ctx context.Context, svc *sessions.Service) error {
				editors, err := svc.ActiveEditors(ctx, pattern)
				if err != nil {
					return err
				}
				if editors == nil {
					editors = []sessions.ActiveEditor{}
				}
				return writeJSON(cmd.OutOrStdout(), editors)
			})
		},
	}
}

func newHistoryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <username>",
		Short: "Show a user's open and recently closed sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *sessions.Service) error {
				history, err := svc.UserHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), history)
			})
		},
	}
}

func newTimelineCommand(a *app) *cobra.Command {
	var (
		changeType string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show sessions grouped by day with their comments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *sessions.Service) error {
				days, err := svc.ChangeTimeline(ctx, sessions.TimelineFilter{
					ChangeType: changeType,
					Limit:      limit,
					Offset:     offset,
				})
				if err != nil {
					return err
				}
				if days == nil {
					days = []sessions.TimelineDay{}
				}
				return writeJSON(cmd.OutOrStdout(), days)
			})
		},
	}

	cmd.Flags().StringVar(&changeType, "change-type", "", "Only sessions commented with this change type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of sessions")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of newest sessions to skip")
	return cmd
}

func newWatchCommand(a *app) *cobra.Command {
	var (
		subject string
		durable string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print lifecycle events from the bus as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}
			b, err := bus.New(a.cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			if err := b.EnsureStream(a.cfg.NATSStream, sessions.Subjects()); err != nil {
				return fmt.Errorf("ensure stream: %w", err)
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, subject, durable, func(_ context.Context, subj string, data []byte) error {
				return printEvent(out, subj, data)
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "filemon.>", "Subject filter")
	cmd.Flags().StringVar(&durable, "durable", "", "Durable consumer name; empty only shows new events")
	return cmd
}

func printEvent(w io.Writer, subject string, data []byte) error {
	line := struct {
		Subject string          `json:"subject"`
		Payload json.RawMessage `json:"payload"`
	}{Subject: subject, Payload: data}
	if !json.Valid(data) {
		raw, err := json.Marshal(string(data))
		if err != nil {
			return err
		}
		line.Payload = raw
	}
	return json.NewEncoder(w).Encode(line)
}
