// ABOUTME: Session persistence: creation, status transitions, end/review ordering
// ABOUTME: EndSession writes the status before the timestamp to close the active window

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = `id, team_id, channel_id, participant_id, experiment_id, version_id,
	status, consent_date, ended_at, reviewed_at, seed_task_id, state, external_id,
	created_at, updated_at`

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.TeamID,
		sess.ChannelID,
		sess.ParticipantID,
		sess.ExperimentID,
		sess.VersionID,
		string(sess.Status),
		nullableTime(sess.ConsentDate),
		nullableTime(sess.EndedAt),
		nullableTime(sess.ReviewedAt),
		sess.SeedTaskID,
		sess.State,
		sess.ExternalID,
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "external_id", sess.ExternalID)
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByExternalID retrieves a session by its public correlation id.
func (s *SQLiteStore) GetSessionByExternalID(ctx context.Context, externalID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`, externalID)
	return scanSession(row)
}

// FindOpenSession finds the most recent not-yet-ended session for a
// participant on a channel and experiment, if any. Global channels
// carry sessions for every experiment of a team, so the experiment is
// part of the lookup key.
func (s *SQLiteStore) FindOpenSession(ctx context.Context, channelID, participantID, experimentID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE channel_id = ? AND participant_id = ? AND experiment_id = ?
		   AND status NOT IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		channelID, participantID, experimentID,
		string(SessionStatusPendingReview), string(SessionStatusComplete))
	return scanSession(row)
}

// UpdateSessionStatus sets the session status.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return requireRow(res)
}

// RecordSessionConsent sets the consent timestamp together with the
// post-consent status.
func (s *SQLiteStore) RecordSessionConsent(ctx context.Context, id string, status SessionStatus, when time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, consent_date = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(when), formatTime(when), id)
	if err != nil {
		return fmt.Errorf("recording consent: %w", err)
	}
	return requireRow(res)
}

// EndSession transitions a session to pending_review and records the
// end timestamp. The status write happens first and separately: once it
// lands, no concurrent request can still treat the session as active,
// even if the timestamp write below is delayed.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, when time.Time) error {
	if err := s.UpdateSessionStatus(ctx, id, SessionStatusPendingReview); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(when), formatTime(when), id)
	if err != nil {
		return fmt.Errorf("recording session end: %w", err)
	}
	return nil
}

// MarkSessionReviewed completes a session after review submission.
func (s *SQLiteStore) MarkSessionReviewed(ctx context.Context, id string, when time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, reviewed_at = ?, updated_at = ? WHERE id = ?`,
		string(SessionStatusComplete), formatTime(when), formatTime(when), id)
	if err != nil {
		return fmt.Errorf("marking session reviewed: %w", err)
	}
	return requireRow(res)
}

// SetSessionSeedTask stores the handle of the enqueued seed-message task
// so clients can poll for the opening turn.
func (s *SQLiteStore) SetSessionSeedTask(ctx context.Context, id, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET seed_task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("setting seed task: %w", err)
	}
	return requireRow(res)
}

// UpdateSessionState replaces the opaque state blob.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id string, state []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
		state, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating session state: %w", err)
	}
	return requireRow(res)
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess        Session
		status      string
		consentDate sql.NullString
		endedAt     sql.NullString
		reviewedAt  sql.NullString
		state       []byte
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&sess.ID,
		&sess.TeamID,
		&sess.ChannelID,
		&sess.ParticipantID,
		&sess.ExperimentID,
		&sess.VersionID,
		&status,
		&consentDate,
		&endedAt,
		&reviewedAt,
		&sess.SeedTaskID,
		&state,
		&sess.ExternalID,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Status = ParseSessionStatus(status)
	sess.ConsentDate = scanNullableTime(consentDate)
	sess.EndedAt = scanNullableTime(endedAt)
	sess.ReviewedAt = scanNullableTime(reviewedAt)
	sess.State = state
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}
