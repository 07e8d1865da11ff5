// Package app wires the arena service together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/arena/internal/services/arena/api/rest"
	"github.com/louisbranch/arena/internal/services/arena/domain"
	"github.com/louisbranch/arena/internal/services/arena/engine"
	"github.com/louisbranch/arena/internal/services/arena/match"
	"github.com/louisbranch/arena/internal/services/arena/matchmaker"
	"github.com/louisbranch/arena/internal/services/arena/resolver"
	"github.com/louisbranch/arena/internal/services/arena/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Config holds the runtime settings for the arena service.
type Config struct {
	// Addr is the host:port the HTTP server listens on.
	Addr string
	// DBPath is the SQLite database file path.
	DBPath string
	// EngineURL is the base URL of the resolution engine.
	EngineURL string
	// EngineTimeout bounds a single engine call.
	EngineTimeout time.Duration
	// EngineMaxAttempts caps engine calls per match.
	EngineMaxAttempts uint
	// Ruleset names the rule set in force; its commitment is stamped on
	// every match.
	Ruleset string
	// StuckAfter is how long a match may sit unresolved before the
	// sweeper fails it.
	StuckAfter time.Duration
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("listen address is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("database path is required")
	}
	if strings.TrimSpace(c.EngineURL) == "" {
		return fmt.Errorf("engine url is required")
	}
	if strings.TrimSpace(c.Ruleset) == "" {
		return fmt.Errorf("ruleset is required")
	}
	return nil
}

// Run starts the arena service and blocks until ctx is canceled or the
// server fails. In-flight resolution jobs are drained before return.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close storage: %v", err)
		}
	}()

	engineClient, err := engine.NewClient(cfg.EngineURL, cfg.EngineTimeout)
	if err != nil {
		return fmt.Errorf("configure engine client: %w", err)
	}

	jobs := resolver.New(store, engineClient, resolver.Config{
		MaxAttempts: cfg.EngineMaxAttempts,
		StuckAfter:  cfg.StuckAfter,
	})
	machine := match.NewMachine(store, store, jobs, domain.Commit(cfg.Ruleset))
	handler := rest.NewHandler(matchmaker.New(store), machine)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		jobs.RunSweeper(groupCtx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(stopCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	err = g.Wait()

	// Detached resolution jobs outlive their requests; drain them so every
	// match dispatched before shutdown still reaches a terminal state.
	jobs.Wait()
	return err
}
