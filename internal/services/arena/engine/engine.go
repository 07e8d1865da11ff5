// Package engine defines the verifiable computation collaborator interface.
//
// The engine is external to this service: given both participants and their
// raw submissions it simulates the contest and returns a provable result.
// Calls may take seconds and may fail transiently; callers own retries.
package engine

import "context"

// Input carries the two submissions captured at trigger time.
type Input struct {
	ParticipantA string `json:"participant_a"`
	SubmissionA  string `json:"submission_a"`
	ParticipantB string `json:"participant_b"`
	SubmissionB  string `json:"submission_b"`
}

// Result is the engine's provable outcome.
//
// CommitmentA and CommitmentB are the engine's own commitments over the
// submissions it simulated; the resolver checks them against the ones stored
// on the match before trusting the outcome. Err carries a domain-level
// failure reported by the simulation itself, as opposed to a transport
// failure of the call.
type Result struct {
	CommitmentA      string `json:"commitment_a"`
	CommitmentB      string `json:"commitment_b"`
	Outcome          string `json:"outcome"`
	WinnerID         string `json:"winner_id,omitempty"`
	WinnerCommitment string `json:"winner_commitment,omitempty"`
	Err              string `json:"error,omitempty"`
}

// Engine resolves a match from two submissions.
type Engine interface {
	Resolve(ctx context.Context, in Input) (Result, error)
}
