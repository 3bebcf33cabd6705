package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the session service and its CLI.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DatabaseURL    string   `env:"DATABASE_URL"`
	NATSURL        string   `env:"NATS_URL"`
	NATSStream     string   `env:"NATS_STREAM,default=FILEMON"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RatePerMinute  int      `env:"RATE_LIMIT_PER_MINUTE,default=600"`
	MigrateOnStart bool     `env:"MIGRATE_ON_START,default=true"`

	AllowOpenSessionComments bool          `env:"COMMENTS_ALLOW_OPEN,default=false"`
	HistoryWindow            time.Duration `env:"HISTORY_WINDOW,default=24h"`
	HistoryLimit             int           `env:"HISTORY_LIMIT,default=50"`

	ReclaimInterval time.Duration `env:"RECLAIM_INTERVAL,default=5m"`
	ReclaimMaxAge   time.Duration `env:"RECLAIM_MAX_AGE,default=2h"`

	ReminderInterval time.Duration `env:"REMINDER_INTERVAL,default=15m"`
	ReminderWindow   time.Duration `env:"REMINDER_WINDOW,default=168h"`
	ReminderCooldown time.Duration `env:"REMINDER_COOLDOWN,default=4h"`
}

// Load returns a Config populated from environment variables, falling back to
// the YAML file named by CONFIG_FILE.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom resolves configuration through env. Values found in env win over
// the file.
func LoadFrom(ctx context.Context, env envconfig.Lookuper) (Config, error) {
	lookuper := env
	if path, ok := env.Lookup("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		fileValues, err := readFile(strings.TrimSpace(path))
		if err != nil {
			return Config{}, err
		}
		lookuper = envconfig.MultiLookuper(env, envconfig.MapLookuper(fileValues))
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.ReclaimInterval < 0, c.ReminderInterval < 0:
		return errors.New("config: intervals must not be negative")
	case c.ReclaimMaxAge < 0:
		return errors.New("config: RECLAIM_MAX_AGE must not be negative")
	case c.ReclaimInterval > 0 && c.ReclaimMaxAge == 0:
		return errors.New("config: RECLAIM_MAX_AGE must be positive while RECLAIM_INTERVAL enables the sweeper")
	case c.ReminderWindow <= 0:
		return errors.New("config: REMINDER_WINDOW must be positive")
	case c.HistoryWindow <= 0:
		return errors.New("config: HISTORY_WINDOW must be positive")
	case c.RatePerMinute < 0:
		return errors.New("config: RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

// readFile flattens a YAML document keyed by environment variable names.
// Lists become comma-separated values.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[strings.ToUpper(key)] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config: key %s: nested values are not supported", key)
		default:
			out[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return out, nil
}
