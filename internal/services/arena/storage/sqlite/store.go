// Package sqlite provides a SQLite-backed arena storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/arena/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/arena/internal/services/arena/domain"
	"github.com/louisbranch/arena/internal/services/arena/storage"
	"github.com/louisbranch/arena/internal/services/arena/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists arena sessions and matches in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite arena store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateSession inserts one session record.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.ParticipantA) == "" {
		return fmt.Errorf("participant a is required")
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (id, participant_a, participant_b, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session.ID,
		session.ParticipantA,
		session.ParticipantB,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Session{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, participant_a, participant_b, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		id,
	)
	return scanSession(row)
}

// JoinSession binds requester as participant B with a single conditional
// update. The filter rejects full sessions and self-joins at the instant of
// the write, which is what linearizes two concurrent joiners.
func (s *Store) JoinSession(ctx context.Context, id, requester string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(requester) == "" {
		return false, fmt.Errorf("requester is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE sessions SET participant_b = ?, updated_at = ?
		 WHERE id = ? AND participant_b = '' AND participant_a <> ?`,
		requester,
		toMillis(time.Now()),
		id,
		requester,
	)
	if err != nil {
		return false, fmt.Errorf("join session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("join session rows affected: %w", err)
	}
	return affected == 1, nil
}

// FindOpenSession returns the oldest open session not created by exclude.
func (s *Store) FindOpenSession(ctx context.Context, exclude string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Session{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, participant_a, participant_b, created_at, updated_at
		 FROM sessions
		 WHERE participant_b = '' AND participant_a <> ?
		 ORDER BY created_at ASC
		 LIMIT 1`,
		exclude,
	)
	return scanSession(row)
}

// CreateMatch inserts one match record. The UNIQUE constraint on session_id
// turns concurrent first submissions into one winner and one
// ErrDuplicateMatch, which callers resolve by re-reading.
func (s *Store) CreateMatch(ctx context.Context, match domain.Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(match.ID) == "" {
		return fmt.Errorf("match id is required")
	}
	if strings.TrimSpace(match.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if !match.State.Valid() {
		return fmt.Errorf("invalid match state %q", match.State)
	}
	createdAt := match.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := match.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO matches (
		   id, session_id, participant_a, participant_b,
		   submission_a, commitment_a, submission_b, commitment_b,
		   ruleset_commitment, state, result, winner_id, winner_commitment,
		   error_code, error, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		match.ID,
		match.SessionID,
		match.ParticipantA,
		match.ParticipantB,
		match.SubmissionA,
		match.CommitmentA,
		match.SubmissionB,
		match.CommitmentB,
		match.RulesetCommitment,
		string(match.State),
		match.Result,
		match.WinnerID,
		match.WinnerCommitment,
		match.ErrorCode,
		match.Error,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateMatch
		}
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

// GetMatchBySession loads the match for a session.
func (s *Store) GetMatchBySession(ctx context.Context, sessionID string) (domain.Match, error) {
	if err := ctx.Err(); err != nil {
		return domain.Match{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Match{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		matchSelect+` WHERE session_id = ?`,
		sessionID,
	)
	return scanMatch(row)
}

// RecordSubmission writes one slot and advances the turn, conditional on the
// match still being in the expected state.
func (s *Store) RecordSubmission(ctx context.Context, matchID string, expect domain.State, slot domain.Slot, submission, commitment string, next domain.State) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	if !expect.Valid() || !next.Valid() {
		return false, fmt.Errorf("invalid state transition %q -> %q", expect, next)
	}

	submissionColumn := "submission_a"
	commitmentColumn := "commitment_a"
	if slot == domain.SlotB {
		submissionColumn = "submission_b"
		commitmentColumn = "commitment_b"
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE matches SET `+submissionColumn+` = ?, `+commitmentColumn+` = ?, state = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		submission,
		commitment,
		string(next),
		toMillis(time.Now()),
		matchID,
		string(expect),
	)
	if err != nil {
		return false, fmt.Errorf("record submission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record submission rows affected: %w", err)
	}
	return affected == 1, nil
}

// BeginResolution is the compare-and-swap into resolving. Matching on the
// exact prior state guarantees at most one winner among concurrent duplicate
// confirmation submissions.
func (s *Store) BeginResolution(ctx context.Context, matchID string, expect domain.State) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE matches SET state = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(domain.StateResolving),
		toMillis(time.Now()),
		matchID,
		string(expect),
	)
	if err != nil {
		return false, fmt.Errorf("begin resolution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("begin resolution rows affected: %w", err)
	}
	return affected == 1, nil
}

// CompleteMatch commits the engine outcome and purges raw submissions.
func (s *Store) CompleteMatch(ctx context.Context, matchID string, outcome domain.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE matches SET
		   state = ?, result = ?, winner_id = ?, winner_commitment = ?,
		   submission_a = '', submission_b = '', updated_at = ?
		 WHERE id = ?`,
		string(domain.StateComplete),
		outcome.Result,
		outcome.WinnerID,
		outcome.WinnerCommitment,
		toMillis(time.Now()),
		matchID,
	)
	if err != nil {
		return fmt.Errorf("complete match: %w", err)
	}
	return nil
}

// FailMatch marks the match failed and purges raw submissions.
func (s *Store) FailMatch(ctx context.Context, matchID, errorCode, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE matches SET
		   state = ?, error_code = ?, error = ?,
		   submission_a = '', submission_b = '', updated_at = ?
		 WHERE id = ?`,
		string(domain.StateFailed),
		errorCode,
		reason,
		toMillis(time.Now()),
		matchID,
	)
	if err != nil {
		return fmt.Errorf("fail match: %w", err)
	}
	return nil
}

// FindTerminalMatch looks up a terminal match by the replay-guard triple.
func (s *Store) FindTerminalMatch(ctx context.Context, participantA, commitmentA, commitmentB string) (domain.Match, error) {
	if err := ctx.Err(); err != nil {
		return domain.Match{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Match{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		matchSelect+`
		 WHERE participant_a = ? AND commitment_a = ? AND commitment_b = ?
		   AND state IN (?, ?)
		 LIMIT 1`,
		participantA,
		commitmentA,
		commitmentB,
		string(domain.StateComplete),
		string(domain.StateFailed),
	)
	return scanMatch(row)
}

// ListCompletedMatches returns complete matches, newest first.
func (s *Store) ListCompletedMatches(ctx context.Context, limit int) ([]domain.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		matchSelect+`
		 WHERE state = ?
		 ORDER BY updated_at DESC
		 LIMIT ?`,
		string(domain.StateComplete),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list completed matches: %w", err)
	}
	defer rows.Close()
	return collectMatches(rows)
}

// ListStuckResolving returns resolving matches last touched at or before cutoff.
func (s *Store) ListStuckResolving(ctx context.Context, cutoff time.Time, limit int) ([]domain.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		matchSelect+`
		 WHERE state = ? AND updated_at <= ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		string(domain.StateResolving),
		toMillis(cutoff),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck resolving: %w", err)
	}
	defer rows.Close()
	return collectMatches(rows)
}

const matchSelect = `SELECT
	 id, session_id, participant_a, participant_b,
	 submission_a, commitment_a, submission_b, commitment_b,
	 ruleset_commitment, state, result, winner_id, winner_commitment,
	 error_code, error, created_at, updated_at
	 FROM matches`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var session domain.Session
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &session.ParticipantA, &session.ParticipantB, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}

func scanMatch(row rowScanner) (domain.Match, error) {
	var match domain.Match
	var state string
	var createdAt, updatedAt int64
	err := row.Scan(
		&match.ID, &match.SessionID, &match.ParticipantA, &match.ParticipantB,
		&match.SubmissionA, &match.CommitmentA, &match.SubmissionB, &match.CommitmentB,
		&match.RulesetCommitment, &state, &match.Result, &match.WinnerID, &match.WinnerCommitment,
		&match.ErrorCode, &match.Error, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Match{}, storage.ErrNotFound
		}
		return domain.Match{}, fmt.Errorf("scan match: %w", err)
	}
	match.State = domain.State(state)
	match.CreatedAt = fromMillis(createdAt)
	match.UpdatedAt = fromMillis(updatedAt)
	return match, nil
}

func collectMatches(rows *sql.Rows) ([]domain.Match, error) {
	var matches []domain.Match
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}
