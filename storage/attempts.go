package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetAttemptRetention configures the automatic attempt pruning horizon.
func (s *Store) SetAttemptRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultAttemptRetention
	}
	s.attemptRetention = retention
}

// RecordAttempt inserts an attempt or updates the existing row. The start
// time of an existing row is kept, and empty peer fields never overwrite
// known ones.
func (s *Store) RecordAttempt(attempt Attempt) error {
	if strings.TrimSpace(attempt.AttemptID) == "" {
		return errors.New("attempt_id is required")
	}
	if err := validateAttemptKind(attempt.Kind); err != nil {
		return err
	}
	if attempt.State == "" {
		return errors.New("state is required")
	}
	if attempt.Role == "" {
		attempt.Role = "unknown"
	}
	now := nowUnixMilli()
	if attempt.UpdatedAt == 0 {
		attempt.UpdatedAt = now
	}
	if attempt.StartedAt == 0 {
		attempt.StartedAt = attempt.UpdatedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO attempts (
			attempt_id,
			kind,
			role,
			state,
			failure_kind,
			failure_message,
			peer_name,
			peer_code,
			session_id,
			started_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attempt_id) DO UPDATE SET
			role = CASE WHEN excluded.role != 'unknown' THEN excluded.role ELSE attempts.role END,
			state = excluded.state,
			failure_kind = excluded.failure_kind,
			failure_message = excluded.failure_message,
			peer_name = COALESCE(NULLIF(excluded.peer_name, ''), attempts.peer_name),
			peer_code = COALESCE(NULLIF(excluded.peer_code, ''), attempts.peer_code),
			session_id = COALESCE(NULLIF(excluded.session_id, ''), attempts.session_id),
			updated_at = excluded.updated_at`,
		attempt.AttemptID,
		attempt.Kind,
		attempt.Role,
		attempt.State,
		attempt.FailureKind,
		attempt.FailureMessage,
		attempt.PeerName,
		attempt.PeerCode,
		attempt.SessionID,
		attempt.StartedAt,
		attempt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt %q: %w", attempt.AttemptID, err)
	}

	if attempt.Terminal() && s.attemptRetention > 0 {
		cutoff := time.Now().Add(-s.attemptRetention).UnixMilli()
		if _, err := s.PruneAttempts(cutoff); err != nil {
			return fmt.Errorf("prune attempts: %w", err)
		}
	}

	return nil
}

// GetAttempt fetches one attempt by ID.
func (s *Store) GetAttempt(attemptID string) (*Attempt, error) {
	row := s.db.QueryRow(
		`SELECT `+attemptColumns+`
		FROM attempts
		WHERE attempt_id = ?`,
		attemptID,
	)
	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get attempt %q: %w", attemptID, err)
	}
	return attempt, nil
}

// GetAttempts returns recent attempts, newest first.
func (s *Store) GetAttempts(filter AttemptFilter) ([]Attempt, error) {
	if filter.Kind != "" {
		if err := validateAttemptKind(filter.Kind); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT ` + attemptColumns + ` FROM attempts`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, *filter.FromTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY updated_at DESC, attempt_id LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]Attempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		attempts = append(attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, nil
}

// PruneAttempts deletes finished attempts last updated before cutoff
// (unix millis). Attempts still in flight are kept.
func (s *Store) PruneAttempts(cutoff int64) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM attempts
		WHERE updated_at < ? AND state IN ('done', 'failed')`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune attempts rows affected: %w", err)
	}
	return deleted, nil
}

const attemptColumns = `
	attempt_id,
	kind,
	role,
	state,
	failure_kind,
	failure_message,
	peer_name,
	peer_code,
	session_id,
	started_at,
	updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*Attempt, error) {
	var attempt Attempt
	if err := row.Scan(
		&attempt.AttemptID,
		&attempt.Kind,
		&attempt.Role,
		&attempt.State,
		&attempt.FailureKind,
		&attempt.FailureMessage,
		&attempt.PeerName,
		&attempt.PeerCode,
		&attempt.SessionID,
		&attempt.StartedAt,
		&attempt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &attempt, nil
}
