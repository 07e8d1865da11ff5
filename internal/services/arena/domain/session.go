// Package domain holds the session and match records for the arena service.
package domain

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/arena/internal/platform/errors"
)

// Session pairs two participants ahead of match creation. ParticipantB is
// empty until a second participant joins; once set it never changes.
type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Open reports whether the session still has a free slot.
func (s Session) Open() bool {
	return s.ParticipantB == ""
}

// Complete reports whether both participants are bound.
func (s Session) Complete() bool {
	return s.ParticipantA != "" && s.ParticipantB != ""
}

// Has reports whether the participant is a member of the session.
func (s Session) Has(participantID string) bool {
	return participantID != "" &&
		(s.ParticipantA == participantID || s.ParticipantB == participantID)
}

// NewSession creates an open session owned by the requesting participant.
func NewSession(id, participantA string, now time.Time) (Session, error) {
	if strings.TrimSpace(id) == "" {
		return Session{}, apperrors.New(apperrors.CodeValidation, "session id is required")
	}
	if strings.TrimSpace(participantA) == "" {
		return Session{}, apperrors.New(apperrors.CodeValidation, "participant id is required")
	}
	now = now.UTC()
	return Session{
		ID:           id,
		ParticipantA: participantA,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
