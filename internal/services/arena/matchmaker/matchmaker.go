// Package matchmaker pairs participants into sessions.
package matchmaker

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/arena/internal/platform/errors"
	"github.com/louisbranch/arena/internal/platform/id"
	"github.com/louisbranch/arena/internal/services/arena/domain"
	"github.com/louisbranch/arena/internal/services/arena/storage"
)

// maxJoinAttempts bounds the open-session search when concurrent joiners
// race for the same session. Each lost race re-runs the search; after the
// last attempt the requester falls back to creating a new session.
const maxJoinAttempts = 3

// Matchmaker implements the join protocol over the session store.
type Matchmaker struct {
	sessions storage.SessionStore
	newID    func() (string, error)
	clock    func() time.Time
}

// New creates a matchmaker backed by the session store.
func New(sessions storage.SessionStore) *Matchmaker {
	return &Matchmaker{
		sessions: sessions,
		newID:    id.NewID,
		clock:    time.Now,
	}
}

// Join pairs the requester into a session and returns its id.
//
// With a target session id, the join is a single conditional update against
// that session; a miss is classified into a specific failure reason. Without
// a target, open sessions are searched first unless forceNew is set, and a
// lost race against another joiner retries the search before falling back to
// creating a fresh session.
func (m *Matchmaker) Join(ctx context.Context, requesterID, targetSessionID string, forceNew bool) (string, error) {
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return "", apperrors.New(apperrors.CodeValidation, "requester id is required")
	}

	if targetSessionID = strings.TrimSpace(targetSessionID); targetSessionID != "" {
		return m.joinTarget(ctx, requesterID, targetSessionID)
	}

	if !forceNew {
		if sessionID, ok, err := m.joinAnyOpen(ctx, requesterID); err != nil {
			return "", err
		} else if ok {
			return sessionID, nil
		}
	}

	return m.createSession(ctx, requesterID)
}

func (m *Matchmaker) joinTarget(ctx context.Context, requesterID, sessionID string) (string, error) {
	matched, err := m.sessions.JoinSession(ctx, sessionID, requesterID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorageUnavailable, "join session", err)
	}
	if matched {
		return sessionID, nil
	}

	// The conditional update missed. One classifying read distinguishes
	// not-found, already-a-member, and full; if the session changed between
	// the update and this read, fall back to the generic reason.
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", apperrors.WithMetadata(apperrors.CodeSessionNotFound, "session does not exist",
				map[string]string{"SessionID": sessionID})
		}
		return "", apperrors.Wrap(apperrors.CodeStorageUnavailable, "load session", err)
	}
	switch {
	case session.Has(requesterID):
		return "", apperrors.New(apperrors.CodeAlreadyInSession, "requester is already in this session")
	case !session.Open():
		return "", apperrors.New(apperrors.CodeSessionFull, "session is full")
	default:
		return "", apperrors.New(apperrors.CodeSessionNotJoinable, "session is not joinable")
	}
}

func (m *Matchmaker) joinAnyOpen(ctx context.Context, requesterID string) (string, bool, error) {
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		session, err := m.sessions.FindOpenSession(ctx, requesterID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", false, nil
			}
			return "", false, apperrors.Wrap(apperrors.CodeStorageUnavailable, "search open sessions", err)
		}

		matched, err := m.sessions.JoinSession(ctx, session.ID, requesterID)
		if err != nil {
			return "", false, apperrors.Wrap(apperrors.CodeStorageUnavailable, "join open session", err)
		}
		if matched {
			return session.ID, true, nil
		}
		// Another joiner filled the slot first; search again.
	}
	return "", false, nil
}

func (m *Matchmaker) createSession(ctx context.Context, requesterID string) (string, error) {
	sessionID, err := m.newID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "generate session id", err)
	}
	session, err := domain.NewSession(sessionID, requesterID, m.clock())
	if err != nil {
		return "", err
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorageUnavailable, "create session", err)
	}
	return sessionID, nil
}
