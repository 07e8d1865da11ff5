// Package resolver runs the asynchronous resolution of matches.
//
// Resolution is detached from the triggering request: once a match enters
// resolving, the job runs to a terminal state on its own, surviving the
// caller's disconnect. Every job ends in exactly one terminal write, either
// the engine outcome or a recorded failure.
package resolver

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/arena/internal/platform/errors"
	"github.com/louisbranch/arena/internal/services/arena/domain"
	"github.com/louisbranch/arena/internal/services/arena/engine"
	"github.com/louisbranch/arena/internal/services/arena/storage"
)

// Config tunes retry and sweep behavior.
type Config struct {
	// MaxAttempts caps engine calls per match, including the first.
	MaxAttempts uint
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// StuckAfter is how long a match may sit in resolving before the
	// sweeper fails it. Covers jobs lost to a process crash.
	StuckAfter time.Duration
	// SweepLimit caps matches failed per sweep pass.
	SweepLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 10 * time.Minute
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 50
	}
	return c
}

// Resolver drives resolving matches to a terminal state.
type Resolver struct {
	matches storage.MatchStore
	engine  engine.Engine
	cfg     Config
	tracer  trace.Tracer
	clock   func() time.Time
	wg      sync.WaitGroup
}

// New creates a resolver over the match store and engine.
func New(matches storage.MatchStore, eng engine.Engine, cfg Config) *Resolver {
	return &Resolver{
		matches: matches,
		engine:  eng,
		cfg:     cfg.withDefaults(),
		tracer:  otel.Tracer("arena/resolver"),
		clock:   time.Now,
	}
}

// Dispatch starts the resolution job for a match already transitioned into
// resolving. The job is detached from the request context so a client
// disconnect cannot abort it; Wait blocks until in-flight jobs finish.
func (r *Resolver) Dispatch(ctx context.Context, match domain.Match) {
	detached := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.resolve(detached, match)
	}()
}

// Wait blocks until all dispatched jobs have finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func (r *Resolver) resolve(ctx context.Context, match domain.Match) {
	ctx, span := r.tracer.Start(ctx, "resolver.resolve", trace.WithAttributes(
		attribute.String("match.id", match.ID),
		attribute.String("session.id", match.SessionID),
	))
	defer span.End()

	result, err := r.callEngine(ctx, match)
	if err != nil {
		span.SetStatus(codes.Error, "engine unavailable")
		span.RecordError(err)
		r.fail(ctx, match.ID, string(apperrors.CodeEngineUnavailable),
			fmt.Sprintf("engine call failed after %d attempts: %v", r.cfg.MaxAttempts, err))
		return
	}

	// The engine reports its own commitments over what it simulated. A
	// mismatch with what the participants confirmed means the outcome does
	// not belong to this match.
	if result.CommitmentA != match.CommitmentA || result.CommitmentB != match.CommitmentB {
		span.SetStatus(codes.Error, "commitment mismatch")
		r.fail(ctx, match.ID, string(apperrors.CodeIntegrityViolation),
			"engine commitments do not match stored commitments")
		return
	}

	if result.Err != "" {
		// The simulation itself rejected the submissions. Not retryable
		// and not an infrastructure fault, so no error code is recorded.
		r.fail(ctx, match.ID, "", result.Err)
		return
	}

	outcome := domain.Outcome{
		Result:           result.Outcome,
		WinnerID:         result.WinnerID,
		WinnerCommitment: result.WinnerCommitment,
	}
	if err := r.matches.CompleteMatch(ctx, match.ID, outcome); err != nil {
		span.SetStatus(codes.Error, "complete write failed")
		span.RecordError(err)
		log.Printf("resolver: complete match %s: %v", match.ID, err)
		return
	}
	span.SetAttributes(attribute.String("match.outcome", result.Outcome))
}

func (r *Resolver) callEngine(ctx context.Context, match domain.Match) (engine.Result, error) {
	in := engine.Input{
		ParticipantA: match.ParticipantA,
		SubmissionA:  match.SubmissionA,
		ParticipantB: match.ParticipantB,
		SubmissionB:  match.SubmissionB,
	}
	op := func() (engine.Result, error) {
		return r.engine.Resolve(ctx, in)
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.InitialBackoff
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
	)
}

// fail writes the terminal failed state. A failed write here leaves the
// match in resolving for the sweeper to pick up later.
func (r *Resolver) fail(ctx context.Context, matchID, errorCode, reason string) {
	if err := r.matches.FailMatch(ctx, matchID, errorCode, reason); err != nil {
		log.Printf("resolver: fail match %s: %v", matchID, err)
	}
}

// SweepStuck fails matches that have sat in resolving past the configured
// window, typically because the process crashed mid-job. It returns how
// many matches were failed.
func (r *Resolver) SweepStuck(ctx context.Context) (int, error) {
	cutoff := r.clock().Add(-r.cfg.StuckAfter)
	stuck, err := r.matches.ListStuckResolving(ctx, cutoff, r.cfg.SweepLimit)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageUnavailable, "list stuck matches", err)
	}
	failed := 0
	for _, match := range stuck {
		if err := r.matches.FailMatch(ctx, match.ID, string(apperrors.CodeEngineUnavailable), "resolution abandoned"); err != nil {
			log.Printf("resolver: sweep match %s: %v", match.ID, err)
			continue
		}
		failed++
	}
	return failed, nil
}

// RunSweeper runs SweepStuck on the given interval until ctx is canceled.
func (r *Resolver) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.SweepStuck(ctx); err != nil {
				log.Printf("resolver: sweep: %v", err)
			} else if n > 0 {
				log.Printf("resolver: swept %d stuck matches", n)
			}
		}
	}
}
