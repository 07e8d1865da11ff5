// Package storage defines the persistence interfaces for the arena service.
//
// All mutation goes through single-row conditional updates: an operation
// describes the exact prior state it expects and the store reports whether
// that state still held at the instant of the write. Concurrent submissions
// are linearized by these conditions rather than by caller-side locking.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/arena/internal/services/arena/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateMatch indicates a match already exists for the session.
var ErrDuplicateMatch = errors.New("match already exists for session")

// SessionStore persists pairing sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)

	// JoinSession binds requester as participant B, conditional on the
	// session being open and not created by requester. It reports whether
	// the conditional update matched a row.
	JoinSession(ctx context.Context, id, requester string) (bool, error)

	// FindOpenSession returns an open session whose creator differs from
	// exclude, or ErrNotFound when no such session exists.
	FindOpenSession(ctx context.Context, exclude string) (domain.Session, error)
}

// MatchStore persists match state.
type MatchStore interface {
	// CreateMatch inserts a new match. It returns ErrDuplicateMatch when a
	// match already exists for the same session.
	CreateMatch(ctx context.Context, match domain.Match) error
	GetMatchBySession(ctx context.Context, sessionID string) (domain.Match, error)

	// RecordSubmission writes one submission slot and advances the match to
	// next, conditional on the match still being in expect. It reports
	// whether the conditional update matched.
	RecordSubmission(ctx context.Context, matchID string, expect domain.State, slot domain.Slot, submission, commitment string, next domain.State) (bool, error)

	// BeginResolution transitions the match from expect into resolving.
	// The compare-and-swap on the exact prior state guarantees at most one
	// caller wins when duplicate confirmation submissions race.
	BeginResolution(ctx context.Context, matchID string, expect domain.State) (bool, error)

	// CompleteMatch commits the engine outcome and purges raw submissions.
	// The update is keyed by id alone: once resolving, no submission path
	// can touch the match, so no further condition is needed.
	CompleteMatch(ctx context.Context, matchID string, outcome domain.Outcome) error

	// FailMatch marks the match failed with a reason and purges raw
	// submissions. Keyed by id alone, like CompleteMatch.
	FailMatch(ctx context.Context, matchID, errorCode, reason string) error

	// FindTerminalMatch looks up a terminal match by the replay-guard
	// triple, returning ErrNotFound when none exists.
	FindTerminalMatch(ctx context.Context, participantA, commitmentA, commitmentB string) (domain.Match, error)

	// ListCompletedMatches returns complete matches, newest first.
	ListCompletedMatches(ctx context.Context, limit int) ([]domain.Match, error)

	// ListStuckResolving returns resolving matches whose last update is at
	// or before cutoff, oldest first.
	ListStuckResolving(ctx context.Context, cutoff time.Time, limit int) ([]domain.Match, error)
}

// Store combines the session and match stores.
type Store interface {
	SessionStore
	MatchStore
}
