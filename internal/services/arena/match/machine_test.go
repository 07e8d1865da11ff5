package match

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/arena/internal/platform/errors"
	"github.com/louisbranch/arena/internal/services/arena/domain"
	"github.com/louisbranch/arena/internal/services/arena/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	matches  map[string]domain.Match

	// createMatchErrs is consumed one error per CreateMatch call, letting a
	// test inject a duplicate-insert race on the first attempt.
	createMatchErrs []error
	// submissionMisses forces the next N conditional writes to miss.
	submissionMisses int
	getMatchErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]domain.Session{},
		matches:  map[string]domain.Match{},
	}
}

func (f *fakeStore) CreateSession(_ context.Context, session domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (f *fakeStore) JoinSession(context.Context, string, string) (bool, error) {
	return false, errors.New("not used")
}

func (f *fakeStore) FindOpenSession(context.Context, string) (domain.Session, error) {
	return domain.Session{}, errors.New("not used")
}

func (f *fakeStore) CreateMatch(_ context.Context, match domain.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createMatchErrs) > 0 {
		err := f.createMatchErrs[0]
		f.createMatchErrs = f.createMatchErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, existing := range f.matches {
		if existing.SessionID == match.SessionID {
			return storage.ErrDuplicateMatch
		}
	}
	f.matches[match.ID] = match
	return nil
}

func (f *fakeStore) GetMatchBySession(_ context.Context, sessionID string) (domain.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getMatchErr != nil {
		return domain.Match{}, f.getMatchErr
	}
	for _, match := range f.matches {
		if match.SessionID == sessionID {
			return match, nil
		}
	}
	return domain.Match{}, storage.ErrNotFound
}

func (f *fakeStore) RecordSubmission(_ context.Context, matchID string, expect domain.State, slot domain.Slot, submission, commitment string, next domain.State) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submissionMisses > 0 {
		f.submissionMisses--
		return false, nil
	}
	match, ok := f.matches[matchID]
	if !ok || match.State != expect {
		return false, nil
	}
	if slot == domain.SlotA {
		match.SubmissionA = submission
		match.CommitmentA = commitment
	} else {
		match.SubmissionB = submission
		match.CommitmentB = commitment
	}
	match.State = next
	f.matches[matchID] = match
	return true, nil
}

func (f *fakeStore) BeginResolution(_ context.Context, matchID string, expect domain.State) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submissionMisses > 0 {
		f.submissionMisses--
		return false, nil
	}
	match, ok := f.matches[matchID]
	if !ok || match.State != expect {
		return false, nil
	}
	match.State = domain.StateResolving
	f.matches[matchID] = match
	return true, nil
}

func (f *fakeStore) CompleteMatch(_ context.Context, matchID string, outcome domain.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	match := f.matches[matchID]
	match.State = domain.StateComplete
	match.Result = outcome.Result
	match.WinnerID = outcome.WinnerID
	match.WinnerCommitment = outcome.WinnerCommitment
	match.SubmissionA = ""
	match.SubmissionB = ""
	f.matches[matchID] = match
	return nil
}

func (f *fakeStore) FailMatch(_ context.Context, matchID, errorCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	match := f.matches[matchID]
	match.State = domain.StateFailed
	match.ErrorCode = errorCode
	match.Error = reason
	match.SubmissionA = ""
	match.SubmissionB = ""
	f.matches[matchID] = match
	return nil
}

func (f *fakeStore) FindTerminalMatch(_ context.Context, participantA, commitmentA, commitmentB string) (domain.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, match := range f.matches {
		if match.State.Terminal() && match.ParticipantA == participantA &&
			match.CommitmentA == commitmentA && match.CommitmentB == commitmentB {
			return match, nil
		}
	}
	return domain.Match{}, storage.ErrNotFound
}

func (f *fakeStore) ListCompletedMatches(_ context.Context, limit int) ([]domain.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Match
	for _, match := range f.matches {
		if match.State == domain.StateComplete {
			out = append(out, match)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListStuckResolving(context.Context, time.Time, int) ([]domain.Match, error) {
	return nil, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []domain.Match
}

func (f *fakeDispatcher) Dispatch(_ context.Context, match domain.Match) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, match)
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func newTestMachine(store *fakeStore, dispatcher *fakeDispatcher) *Machine {
	counter := 0
	return &Machine{
		sessions:          store,
		matches:           store,
		dispatcher:        dispatcher,
		rulesetCommitment: "ruleset-v1",
		newID: func() (string, error) {
			counter++
			return "id-" + strconv.Itoa(counter), nil
		},
		clock: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func fullSession(store *fakeStore, id, a, b string) {
	store.sessions[id] = domain.Session{
		ID: id, ParticipantA: a, ParticipantB: b,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
}

func TestSubmitValidation(t *testing.T) {
	m := newTestMachine(newFakeStore(), &fakeDispatcher{})

	cases := []struct {
		name                              string
		sessionID, participant, submitted string
	}{
		{"missing session", "", "p1", "deck"},
		{"missing participant", "s1", " ", "deck"},
		{"missing submission", "s1", "p1", ""},
	}
	for _, tc := range cases {
		_, err := m.Submit(context.Background(), tc.sessionID, tc.participant, tc.submitted)
		if !apperrors.IsCode(err, apperrors.CodeValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestSubmitSessionChecks(t *testing.T) {
	store := newFakeStore()
	store.sessions["open"] = domain.Session{ID: "open", ParticipantA: "p1"}
	fullSession(store, "full", "p1", "p2")
	m := newTestMachine(store, &fakeDispatcher{})

	if _, err := m.Submit(context.Background(), "missing", "p1", "deck"); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("missing session: got %v", err)
	}
	if _, err := m.Submit(context.Background(), "open", "p1", "deck"); !apperrors.IsCode(err, apperrors.CodeSessionIncomplete) {
		t.Fatalf("incomplete session: got %v", err)
	}
	if _, err := m.Submit(context.Background(), "full", "p3", "deck"); !apperrors.IsCode(err, apperrors.CodeNotInSession) {
		t.Fatalf("outsider: got %v", err)
	}
}

func TestSubmitCreatesMatchOnFirstSubmission(t *testing.T) {
	store := newFakeStore()
	fullSession(store, "s1", "p1", "p2")
	m := newTestMachine(store, &fakeDispatcher{})

	ack, err := m.Submit(context.Background(), "s1", "p2", "deck-b")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Status != StatusRecorded {
		t.Fatalf("status = %q, want %q", ack.Status, StatusRecorded)
	}
	created := store.matches[ack.MatchID]
	if created.State != domain.StateAwaitingA {
		t.Fatalf("state = %q, want awaiting a after b's submission", created.State)
	}
	if created.SubmissionB != "deck-b" || created.CommitmentB != domain.Commit("deck-b") {
		t.Fatalf("unexpected slot b: %+v", created)
	}
	if created.RulesetCommitment != "ruleset-v1" {
		t.Fatalf("ruleset commitment = %q", created.RulesetCommitment)
	}
}

func TestSubmitAdvancesTurn(t *testing.T) {
	store := newFakeStore()
	fullSession(store, "s1", "p1", "p2")
	m := newTestMachine(store, &fakeDispatcher{})

	first, err := m.Submit(context.Background(), "s1", "p1", "deck-a")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if store.matches[first.MatchID].State != domain.StateAwaitingB {
		t.Fatal("expected turn handed to participant b")
	}

	if _, err := m.Submit(context.Background(), "s1", "p1", "deck-a2"); !apperrors.IsCode(err, apperrors.CodeNotYourTurn) {
		t.Fatalf("out of turn: got %v", err)
	}

	second, err := m.Submit(context.Background(), "s1", "p2", "deck-b")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Status != StatusRecorded {
		t.Fatalf("status = %q, want recorded for a fresh value", second.Status)
	}
	if store.matches[second.MatchID].State != domain.StateAwaitingA {
		t.Fatal("expected turn handed back to participant a")
	}
}

func TestSubmitRevisionOverwritesSlot(t *testing.T) {
	store := newFakeStore()
	fullSession(store, "s1", "p1", "p2")
	m := newTestMachine(store, &fakeDispatcher{})

	ack, _ := m.Submit(context.Background(), "s1", "p1", "deck-a")
	if _, err := m.Submit(context.Background(), "s1", "p2", "deck-b"); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	// Back on a's turn with a different value: revise, do not resolve.
	revised, err := m.Submit(context.Background(), "s1", "p1", "deck-a-v2")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.Status != StatusRecorded {
		t.Fatalf("status = %q, want recorded for a revision", revised.Status)
	}
	match := store.matches[ack.MatchID]
	if match.SubmissionA != "deck-a-v2" || match.CommitmentA != domain.Commit("deck-a-v2") {
		t.Fatalf("slot a not revised: %+v", match)
	}
	if match.State != domain.StateAwaitingB {
		t.Fatalf("state = %q, want awaiting b", match.State)
	}
}

func TestSubmitConfirmationTriggersResolution(t *testing.T) {
	store := newFakeStore()
	fullSession(store, "s1", "p1", "p2")
	dispatcher := &fakeDispatcher{}
	m := newTestMachine(store, dispatcher)

	m.Submit(context.Background(), "s1", "p1", "deck-a")
	m.Submit(context.Background(), "s1", "p2", "deck-b")

	ack, err := m.Submit(context.Background(), "s1", "p1", "deck-a")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if ack.Status != StatusResolving {
		t.Fatalf("status = %q, want %q", ack.Status, StatusResolving)
	}
	if store.matches[ack.MatchID].State != domain.StateResolving {
		t.Fatal("match not resolving")
	}
	if dispatcher.count() != 1 {
		t.Fatalf("dispatched = %d, want 1", dispatcher.count())
	}
	got := dispatcher.dispatched[0]
	if got.SubmissionA != "deck-a" || got.SubmissionB != "deck-b" {
		t.Fatalf("dispatched match missing submissions: %+v", got)
	}
}

func TestSubmitRejectsWhileResolvingAndWhenTerminal(t *testing.T) {
	store := newFakeStore()
	fullSession(store, "s1", "p1", "p2")
	m := newTestMachine(store, &fakeDispatcher{})

	store.matches["m1"] = domain.Match{
		ID: "m1", SessionID: "s1", ParticipantA: "p1", ParticipantB: "p2",
		State: domain.StateResolving,
	}
	if _, err := m.Submit(context.Background(), "s1", "p1", "deck"); !apperrors.IsCode(err, apperrors.CodeMatchInProgress) {
		t.Fatalf("resolving: got %v", err)
	}

	store.matches["m1"] = domain.Match{
		ID: "m1", SessionID: "s1", ParticipantA: "p1", ParticipantB: "p2",
		State: domain.StateComplete,
	}
	if _, err := m.Submit(context.Background(), "s1", "p1", "deck"); !apperrors.IsCode(err, apperrors.CodeMatchComplete) {
		t.Fatalf("terminal: got %v", err)
	}
}

func TestSubmitRetriesLostCreateRace(t *testing.T) {
	store := newFakeStore()
	fullSession(store, "s1", "p1", "p2")
	m := newTestMachine(store, &fakeDispatcher{})

	// First create hits a duplicate insert, as if p2 created concurrently.
	// Seed the match the winner would have written so the re-read finds it.
	store.createMatchErrs = []error{storage.ErrDuplicateMatch}
	store.matches["m1"] = domain.Match{
		ID: "m1", SessionID: "s1", ParticipantA: "p1", ParticipantB: "p2",
		SubmissionB: "deck-b", CommitmentB: domain.Commit("deck-b"),
		State: domain.StateAwaitingA,
	}

	ack, err := m.Submit(context.Background(), "s1", "p1", "deck-a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.MatchID != "m1" || ack.Status != StatusRecorded {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if store.matches["m1"].SubmissionA != "deck-a" {
		t.Fatal("submission not recorded on the surviving match")
	}
}

func TestSubmitGivesUpAfterRepeatedMisses(t *testing.T) {
	store := newFakeStore()
	fullSession(store, "s1", "p1", "p2")
	m := newTestMachine(store, &fakeDispatcher{})

	store.matches["m1"] = domain.Match{
		ID: "m1", SessionID: "s1", ParticipantA: "p1", ParticipantB: "p2",
		State: domain.StateAwaitingA,
	}
	store.submissionMisses = maxSubmitAttempts

	_, err := m.Submit(context.Background(), "s1", "p1", "deck-a")
	if !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Fatalf("expected conflict after exhausted retries, got %v", err)
	}
}

func TestSubmitWrapsStorageErrors(t *testing.T) {
	store := newFakeStore()
	fullSession(store, "s1", "p1", "p2")
	store.getMatchErr = errors.New("db gone")
	m := newTestMachine(store, &fakeDispatcher{})

	_, err := m.Submit(context.Background(), "s1", "p1", "deck")
	if !apperrors.IsCode(err, apperrors.CodeStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestPlayAutomated(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	m := newTestMachine(store, dispatcher)

	ack, err := m.PlayAutomated(context.Background(), "p1", "deck-a", "npc-7", "deck-npc")
	if err != nil {
		t.Fatalf("play automated: %v", err)
	}
	if ack.Status != StatusResolving {
		t.Fatalf("status = %q, want %q", ack.Status, StatusResolving)
	}

	match := store.matches[ack.MatchID]
	if match.State != domain.StateResolving {
		t.Fatalf("state = %q, want resolving", match.State)
	}
	if match.ParticipantB != "npc-7" || match.SubmissionB != "deck-npc" {
		t.Fatalf("opponent slot not filled: %+v", match)
	}
	session := store.sessions[match.SessionID]
	if !session.Complete() || session.ParticipantA != "p1" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("dispatched = %d, want 1", dispatcher.count())
	}
}

func TestPlayAutomatedValidation(t *testing.T) {
	m := newTestMachine(newFakeStore(), &fakeDispatcher{})

	cases := []struct {
		name                 string
		participant, sub     string
		opponent, opponentSb string
	}{
		{"missing participant", "", "deck", "npc", "deck"},
		{"missing opponent", "p1", "deck", "", "deck"},
		{"self play", "p1", "deck", "p1", "deck"},
		{"missing submission", "p1", "", "npc", "deck"},
		{"missing opponent submission", "p1", "deck", "npc", ""},
	}
	for _, tc := range cases {
		_, err := m.PlayAutomated(context.Background(), tc.participant, tc.sub, tc.opponent, tc.opponentSb)
		if !apperrors.IsCode(err, apperrors.CodeValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestPlayAutomatedRejectsReplay(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeDispatcher{})

	// A terminal match with the same triple blocks the replay.
	store.matches["old"] = domain.Match{
		ID: "old", SessionID: "s-old", ParticipantA: "p1", ParticipantB: "npc-7",
		CommitmentA: domain.Commit("deck-a"), CommitmentB: domain.Commit("deck-npc"),
		State: domain.StateComplete,
	}

	_, err := m.PlayAutomated(context.Background(), "p1", "deck-a", "npc-7", "deck-npc")
	if !apperrors.IsCode(err, apperrors.CodeAlreadyPlayed) {
		t.Fatalf("expected already played, got %v", err)
	}
}

func TestPlayAutomatedAllowsReplayAfterNonTerminalOnly(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeDispatcher{})

	// A still-resolving match with the same triple does not trigger the guard.
	store.matches["live"] = domain.Match{
		ID: "live", SessionID: "s-live", ParticipantA: "p1", ParticipantB: "npc-7",
		CommitmentA: domain.Commit("deck-a"), CommitmentB: domain.Commit("deck-npc"),
		State: domain.StateResolving,
	}

	if _, err := m.PlayAutomated(context.Background(), "p1", "deck-a", "npc-7", "deck-npc"); err != nil {
		t.Fatalf("play automated: %v", err)
	}
}

func TestCompletedMatchesStripsPrivateFields(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeDispatcher{})

	store.matches["done"] = domain.Match{
		ID: "done", SessionID: "s1", ParticipantA: "p1", ParticipantB: "p2",
		CommitmentA: "ca", CommitmentB: "cb", RulesetCommitment: "ruleset-v1",
		State: domain.StateComplete, Result: "p1_wins", WinnerID: "p1", WinnerCommitment: "ca",
	}
	store.matches["failed"] = domain.Match{
		ID: "failed", SessionID: "s2", ParticipantA: "p3", ParticipantB: "p4",
		State: domain.StateFailed,
	}

	views, err := m.CompletedMatches(context.Background(), 10)
	if err != nil {
		t.Fatalf("completed matches: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	view := views[0]
	if view.ParticipantA != "p1" || view.Result != "p1_wins" || view.WinnerCommitment != "ca" {
		t.Fatalf("unexpected view: %+v", view)
	}
}
