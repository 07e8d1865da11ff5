// Package arena parses arena command flags and starts the service runtime.
package arena

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/arena/internal/platform/cmd"
	server "github.com/louisbranch/arena/internal/services/arena/app"
)

// Config holds arena command configuration.
type Config struct {
	Port              int           `env:"ARENA_PORT" envDefault:"8080"`
	Addr              string        `env:"ARENA_ADDR"`
	DBPath            string        `env:"ARENA_DB_PATH" envDefault:"data/arena.db"`
	EngineURL         string        `env:"ARENA_ENGINE_URL"`
	EngineTimeout     time.Duration `env:"ARENA_ENGINE_TIMEOUT" envDefault:"2m"`
	EngineMaxAttempts uint          `env:"ARENA_ENGINE_MAX_ATTEMPTS" envDefault:"3"`
	Ruleset           string        `env:"ARENA_RULESET" envDefault:"standard-v1"`
	StuckAfter        time.Duration `env:"ARENA_STUCK_AFTER" envDefault:"10m"`
	SweepInterval     time.Duration `env:"ARENA_SWEEP_INTERVAL" envDefault:"1m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The arena server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The arena server listen address (overrides -port)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.EngineURL, "engine-url", cfg.EngineURL, "The resolution engine base URL")
	fs.StringVar(&cfg.Ruleset, "ruleset", cfg.Ruleset, "The rule set name committed on matches")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) listenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return fmt.Sprintf(":%d", c.Port)
}

// Run starts the arena service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceArena, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			Addr:              cfg.listenAddr(),
			DBPath:            cfg.DBPath,
			EngineURL:         cfg.EngineURL,
			EngineTimeout:     cfg.EngineTimeout,
			EngineMaxAttempts: cfg.EngineMaxAttempts,
			Ruleset:           cfg.Ruleset,
			StuckAfter:        cfg.StuckAfter,
			SweepInterval:     cfg.SweepInterval,
		})
	})
}
