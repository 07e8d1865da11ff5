// Package match owns the per-session turn and commitment protocol.
//
// A participant may revise their submission any time it is their turn; the
// explicit signal to proceed is resending the exact value already stored,
// which matches the stored commitment and triggers resolution. The
// transition into resolving is a compare-and-swap on the exact prior state,
// so concurrent duplicate confirmations elect at most one resolution job.
package match

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

// maxSubmitAttempts bounds re-reads when concurrent submissions invalidate
// the observed match state.
const maxSubmitAttempts = 3

// Status reports what a submission did.
type Status string

const (
	// StatusRecorded means the submission was stored and the turn advanced.
	StatusRecorded Status = "recorded"
	// StatusResolving means the submission confirmed a stored commitment
	// and resolution has begun.
	StatusResolving Status = "resolving"
)

// Ack acknowledges an accepted submission.
type Ack struct {
	MatchID string
	Status  Status
}

// Dispatcher launches the asynchronous resolution job for a match. The
// match passed in carries the raw submissions captured at trigger time.
type Dispatcher interface {
	Dispatch(ctx context.Context, match domain.Match)
}

// Machine validates submissions and drives match state.
type Machine struct {
	sessions          storage.SessionStore
	matches           storage.MatchStore
	dispatcher        Dispatcher
	rulesetCommitment string
	newID             func() (string, error)
	clock             func() time.Time
}

// NewMachine creates the match state machine.
func NewMachine(sessions storage.SessionStore, matches storage.MatchStore, dispatcher Dispatcher, rulesetCommitment string) *Machine {
	return &Machine{
		sessions:          sessions,
		matches:           matches,
		dispatcher:        dispatcher,
		rulesetCommitment: rulesetCommitment,
		newID:             id.NewID,
		clock:             time.Now,
	}
}

// Submit records a participant's submission for the session's match.
func (m *Machine) Submit(ctx context.Context, sessionID, participantID, submission string) (Ack, error) {
	sessionID = strings.TrimSpace(sessionID)
	participantID = strings.TrimSpace(participantID)
	if sessionID == "" {
		return Ack{}, apperrors.New(apperrors.CodeValidation, "session id is required")
	}
	if participantID == "" {
		return Ack{}, apperrors.New(apperrors.CodeValidation, "participant id is required")
	}
	if submission == "" {
		return Ack{}, apperrors.New(apperrors.CodeValidation, "submission is required")
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Ack{}, apperrors.WithMetadata(apperrors.CodeNotFound, "session does not exist",
				map[string]string{"SessionID": sessionID})
		}
		return Ack{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "load session", err)
	}
	if !session.Complete() {
		return Ack{}, apperrors.New(apperrors.CodeSessionIncomplete, "session does not have both participants")
	}
	if !session.Has(participantID) {
		return Ack{}, apperrors.New(apperrors.CodeNotInSession, "participant is not in this session")
	}

	for attempt := 0; attempt < maxSubmitAttempts; attempt++ {
		ack, retry, err := m.submitOnce(ctx, session, participantID, submission)
		if err != nil {
			return Ack{}, err
		}
		if !retry {
			return ack, nil
		}
	}
	return Ack{}, apperrors.New(apperrors.CodeConflict, "concurrent submission, retry")
}

// submitOnce runs one read-validate-write pass. retry is true when a
// conditional write missed because another submission landed first; the
// caller re-reads and tries again.
func (m *Machine) submitOnce(ctx context.Context, session domain.Session, participantID, submission string) (Ack, bool, error) {
	match, err := m.matches.GetMatchBySession(ctx, session.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return m.createMatch(ctx, session, participantID, submission)
		}
		return Ack{}, false, apperrors.Wrap(apperrors.CodeStorageUnavailable, "load match", err)
	}

	switch {
	case match.State == domain.StateResolving:
		return Ack{}, false, apperrors.New(apperrors.CodeMatchInProgress, "match is resolving")
	case match.State.Terminal():
		return Ack{}, false, apperrors.New(apperrors.CodeMatchComplete, "match is finished")
	}

	if match.TurnOf() != participantID {
		return Ack{}, false, apperrors.New(apperrors.CodeNotYourTurn, "it is not your turn")
	}

	slot, ok := match.SlotOf(participantID)
	if !ok {
		return Ack{}, false, apperrors.New(apperrors.CodeNotInSession, "participant is not in this match")
	}
	commitment := domain.Commit(submission)

	if stored := match.Commitment(slot); stored != "" && stored == commitment {
		// Confirmation: the participant resent the exact stored value.
		matched, err := m.matches.BeginResolution(ctx, match.ID, match.State)
		if err != nil {
			return Ack{}, false, apperrors.Wrap(apperrors.CodeStorageUnavailable, "begin resolution", err)
		}
		if !matched {
			return Ack{}, true, nil
		}
		match.State = domain.StateResolving
		m.dispatcher.Dispatch(ctx, match)
		return Ack{MatchID: match.ID, Status: StatusResolving}, false, nil
	}

	// First or revised submission for this slot: store it and hand the
	// turn to the other participant.
	next := domain.AwaitingState(slot.Opposite())
	matched, err := m.matches.RecordSubmission(ctx, match.ID, match.State, slot, submission, commitment, next)
	if err != nil {
		return Ack{}, false, apperrors.Wrap(apperrors.CodeStorageUnavailable, "record submission", err)
	}
	if !matched {
		return Ack{}, true, nil
	}
	return Ack{MatchID: match.ID, Status: StatusRecorded}, false, nil
}

// createMatch handles the first submission for a full session. The new
// match starts waiting on the other participant. A duplicate-insert error
// means a concurrent first submission won; the caller re-reads.
func (m *Machine) createMatch(ctx context.Context, session domain.Session, participantID, submission string) (Ack, bool, error) {
	matchID, err := m.newID()
	if err != nil {
		return Ack{}, false, apperrors.Wrap(apperrors.CodeUnknown, "generate match id", err)
	}

	now := m.clock().UTC()
	match := domain.Match{
		ID:                matchID,
		SessionID:         session.ID,
		ParticipantA:      session.ParticipantA,
		ParticipantB:      session.ParticipantB,
		RulesetCommitment: m.rulesetCommitment,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	commitment := domain.Commit(submission)
	if participantID == session.ParticipantA {
		match.SubmissionA = submission
		match.CommitmentA = commitment
		match.State = domain.StateAwaitingB
	} else {
		match.SubmissionB = submission
		match.CommitmentB = commitment
		match.State = domain.StateAwaitingA
	}

	if err := m.matches.CreateMatch(ctx, match); err != nil {
		if errors.Is(err, storage.ErrDuplicateMatch) {
			return Ack{}, true, nil
		}
		return Ack{}, false, apperrors.Wrap(apperrors.CodeStorageUnavailable, "create match", err)
	}
	return Ack{MatchID: matchID, Status: StatusRecorded}, false, nil
}

// PlayAutomated creates a match against an automated opponent with both
// submissions supplied up front. There is no live second participant to
// wait on, so the match is created already resolving and the job starts
// immediately. A replay of the same triple is rejected once a prior match
// is terminal.
func (m *Machine) PlayAutomated(ctx context.Context, participantID, submission, opponentID, opponentSubmission string) (Ack, error) {
	participantID = strings.TrimSpace(participantID)
	opponentID = strings.TrimSpace(opponentID)
	if participantID == "" || opponentID == "" {
		return Ack{}, apperrors.New(apperrors.CodeValidation, "participant and opponent ids are required")
	}
	if participantID == opponentID {
		return Ack{}, apperrors.New(apperrors.CodeValidation, "participant cannot play themselves")
	}
	if submission == "" || opponentSubmission == "" {
		return Ack{}, apperrors.New(apperrors.CodeValidation, "both submissions are required")
	}

	commitmentA := domain.Commit(submission)
	commitmentB := domain.Commit(opponentSubmission)

	_, err := m.matches.FindTerminalMatch(ctx, participantID, commitmentA, commitmentB)
	if err == nil {
		return Ack{}, apperrors.New(apperrors.CodeAlreadyPlayed, "this pairing was already played")
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Ack{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "check replay guard", err)
	}

	sessionID, err := m.newID()
	if err != nil {
		return Ack{}, apperrors.Wrap(apperrors.CodeUnknown, "generate session id", err)
	}
	now := m.clock().UTC()
	session := domain.Session{
		ID:           sessionID,
		ParticipantA: participantID,
		ParticipantB: opponentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return Ack{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "create session", err)
	}

	matchID, err := m.newID()
	if err != nil {
		return Ack{}, apperrors.Wrap(apperrors.CodeUnknown, "generate match id", err)
	}
	match := domain.Match{
		ID:                matchID,
		SessionID:         sessionID,
		ParticipantA:      participantID,
		ParticipantB:      opponentID,
		SubmissionA:       submission,
		CommitmentA:       commitmentA,
		SubmissionB:       opponentSubmission,
		CommitmentB:       commitmentB,
		RulesetCommitment: m.rulesetCommitment,
		State:             domain.StateResolving,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.matches.CreateMatch(ctx, match); err != nil {
		return Ack{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "create match", err)
	}

	m.dispatcher.Dispatch(ctx, match)
	return Ack{MatchID: matchID, Status: StatusResolving}, nil
}

// CompletedMatch is the public view of a finished match: identifiers and
// raw submissions are stripped, only participants, commitments and the
// outcome remain.
type CompletedMatch struct {
	ParticipantA      string
	ParticipantB      string
	RulesetCommitment string
	Result            string
	WinnerID          string
	WinnerCommitment  string
}

// CompletedMatches lists finished matches in their stripped public view.
func (m *Machine) CompletedMatches(ctx context.Context, limit int) ([]CompletedMatch, error) {
	matches, err := m.matches.ListCompletedMatches(ctx, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageUnavailable, "list completed matches", err)
	}
	views := make([]CompletedMatch, 0, len(matches))
	for _, match := range matches {
		views = append(views, CompletedMatch{
			ParticipantA:      match.ParticipantA,
			ParticipantB:      match.ParticipantB,
			RulesetCommitment: match.RulesetCommitment,
			Result:            match.Result,
			WinnerID:          match.WinnerID,
			WinnerCommitment:  match.WinnerCommitment,
		})
	}
	return views, nil
}
