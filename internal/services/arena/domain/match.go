package domain

import "time"

// State is the lifecycle state of a match.
type State string

const (
	// StateAwaitingA means the match is waiting on participant A's next submission.
	StateAwaitingA State = "awaiting_a"
	// StateAwaitingB means the match is waiting on participant B's next submission.
	StateAwaitingB State = "awaiting_b"
	// StateResolving means the resolution job has been started. Entered at
	// most once per match.
	StateResolving State = "resolving"
	// StateComplete means the engine produced a result.
	StateComplete State = "complete"
	// StateFailed means resolution ended without a usable result.
	StateFailed State = "failed"
)

// Terminal reports whether the state accepts no further submissions.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Valid reports whether s is one of the known match states.
func (s State) Valid() bool {
	switch s {
	case StateAwaitingA, StateAwaitingB, StateResolving, StateComplete, StateFailed:
		return true
	}
	return false
}

// Slot identifies which participant's submission a write targets.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Match records one resolved-or-resolving contest between the two
// participants of a session. Raw submissions are purged once the match is
// terminal; only their commitments are retained.
type Match struct {
	ID                string
	SessionID         string
	ParticipantA      string
	ParticipantB      string
	SubmissionA       string
	CommitmentA       string
	SubmissionB       string
	CommitmentB       string
	RulesetCommitment string
	State             State
	Result            string
	WinnerID          string
	WinnerCommitment  string
	ErrorCode         string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Outcome is the terminal result committed onto a match after the engine
// returns successfully.
type Outcome struct {
	Result           string
	WinnerID         string
	WinnerCommitment string
}

// SlotOf returns the submission slot owned by the participant.
func (m Match) SlotOf(participantID string) (Slot, bool) {
	switch participantID {
	case m.ParticipantA:
		return SlotA, true
	case m.ParticipantB:
		return SlotB, true
	}
	return "", false
}

// TurnOf returns the participant whose submission the match is waiting on.
// It returns empty for states with no live turn.
func (m Match) TurnOf() string {
	switch m.State {
	case StateAwaitingA:
		return m.ParticipantA
	case StateAwaitingB:
		return m.ParticipantB
	}
	return ""
}

// Submission returns the stored raw submission for the slot.
func (m Match) Submission(slot Slot) string {
	if slot == SlotA {
		return m.SubmissionA
	}
	return m.SubmissionB
}

// Commitment returns the stored commitment for the slot.
func (m Match) Commitment(slot Slot) string {
	if slot == SlotA {
		return m.CommitmentA
	}
	return m.CommitmentB
}

// AwaitingState returns the state that waits on the slot's participant.
func AwaitingState(slot Slot) State {
	if slot == SlotA {
		return StateAwaitingA
	}
	return StateAwaitingB
}

// Opposite returns the other submission slot.
func (s Slot) Opposite() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}
