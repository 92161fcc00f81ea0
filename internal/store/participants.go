// ABOUTME: Participant persistence: first-contact creation, lookup, user claiming
// ABOUTME: Uniqueness is (team, platform, identifier); races surface as ErrDuplicateParticipant

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const participantColumns = `id, team_id, platform, identifier, user_id, remote_id, name, created_at`

// CreateParticipant inserts a new participant. Returns
// ErrDuplicateParticipant when another request created the same
// (team, platform, identifier) first; callers re-read on that error.
func (s *SQLiteStore) CreateParticipant(ctx context.Context, p *Participant) error {
	query := `
		INSERT INTO participants (` + participantColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.TeamID,
		string(p.Platform),
		p.Identifier,
		p.UserID,
		p.RemoteID,
		p.Name,
		formatTime(p.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateParticipant
		}
		return fmt.Errorf("inserting participant: %w", err)
	}

	s.logger.Debug("created participant", "id", p.ID, "platform", p.Platform, "team", p.TeamID)
	return nil
}

// GetParticipant retrieves a participant by ID.
func (s *SQLiteStore) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	return scanParticipant(row)
}

// GetParticipantByIdentifier retrieves a participant by its
// platform-scoped handle.
func (s *SQLiteStore) GetParticipantByIdentifier(ctx context.Context, teamID string, platform Platform, identifier string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants
		 WHERE team_id = ? AND platform = ? AND identifier = ?`,
		teamID, string(platform), identifier)
	return scanParticipant(row)
}

// AttachParticipantUser claims an anonymous participant for an
// authenticated user. The identifier never changes; only user_id is set,
// and only if it was previously null.
func (s *SQLiteStore) AttachParticipantUser(ctx context.Context, participantID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET user_id = ? WHERE id = ? AND user_id IS NULL`,
		userID, participantID)
	if err != nil {
		return fmt.Errorf("attaching participant user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already claimed or missing; distinguish for the caller.
		if _, err := s.GetParticipant(ctx, participantID); err != nil {
			return err
		}
	}
	return nil
}

func scanParticipant(row rowScanner) (*Participant, error) {
	var (
		p         Participant
		platform  string
		userID    sql.NullString
		createdAt string
	)
	err := row.Scan(
		&p.ID,
		&p.TeamID,
		&platform,
		&p.Identifier,
		&userID,
		&p.RemoteID,
		&p.Name,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning participant: %w", err)
	}

	p.Platform = Platform(platform)
	p.CreatedAt = parseTime(createdAt)
	if userID.Valid {
		p.UserID = &userID.String
	}
	return &p, nil
}
