// ABOUTME: Channel persistence: create, lookup, extra_data queries, soft delete
// ABOUTME: Uniqueness races surface as ErrDuplicateChannel for callers to resolve

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const channelColumns = `id, team_id, platform, experiment_id, name, external_id,
	extra_data, messaging_provider_id, deleted, created_at, updated_at`

// CreateChannel inserts a new channel. Returns ErrDuplicateChannel when
// the insert violates the active-channel uniqueness index; callers treat
// that as "already exists" and re-read.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel) error {
	extra, err := json.Marshal(ch.ExtraData)
	if err != nil {
		return fmt.Errorf("encoding extra_data: %w", err)
	}

	query := `
		INSERT INTO channels (` + channelColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		ch.ID,
		ch.TeamID,
		string(ch.Platform),
		ch.ExperimentID,
		ch.Name,
		ch.ExternalID,
		string(extra),
		ch.MessagingProviderID,
		boolToInt(ch.Deleted),
		formatTime(ch.CreatedAt),
		formatTime(ch.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateChannel
		}
		return fmt.Errorf("inserting channel: %w", err)
	}

	s.logger.Debug("created channel", "id", ch.ID, "platform", ch.Platform, "team", ch.TeamID)
	return nil
}

// GetChannel retrieves a channel by ID, deleted or not.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// GetChannelByExternalID retrieves a non-deleted channel by its public id.
func (s *SQLiteStore) GetChannelByExternalID(ctx context.Context, externalID string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE external_id = ? AND deleted = 0`, externalID)
	return scanChannel(row)
}

// FindSingletonChannel finds the non-deleted channel for a (team,
// platform) pair. Intended for global platforms where the active-channel
// index guarantees at most one row.
func (s *SQLiteStore) FindSingletonChannel(ctx context.Context, teamID string, platform Platform) (*Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE team_id = ? AND platform = ? AND deleted = 0`,
		teamID, string(platform))
	return scanChannel(row)
}

// FindChannelsByExtraKey finds non-deleted channels of a platform whose
// extra_data[key] equals value, excluding excludeID (pass "" to exclude
// nothing). Used for platform-identifier conflict checks and widget
// token lookups.
func (s *SQLiteStore) FindChannelsByExtraKey(ctx context.Context, platform Platform, key, value, excludeID string) ([]*Channel, error) {
	query := `
		SELECT ` + channelColumns + ` FROM channels
		WHERE platform = ? AND deleted = 0
		  AND json_extract(extra_data, '$.' || ?) = ?
		  AND id != ?
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, string(platform), key, value, excludeID)
	if err != nil {
		return nil, fmt.Errorf("querying channels by extra key: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ListChannels returns all non-deleted channels for a team.
func (s *SQLiteStore) ListChannels(ctx context.Context, teamID string) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE team_id = ? AND deleted = 0 ORDER BY created_at`,
		teamID)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateChannelExtraData replaces a channel's extra_data blob.
func (s *SQLiteStore) UpdateChannelExtraData(ctx context.Context, id string, extraData map[string]any) error {
	extra, err := json.Marshal(extraData)
	if err != nil {
		return fmt.Errorf("encoding extra_data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET extra_data = ?, updated_at = ? WHERE id = ?`,
		string(extra), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating channel extra_data: %w", err)
	}
	return requireRow(res)
}

// SoftDeleteChannel marks a channel deleted. Rows are never physically
// removed so existing sessions keep a valid reference.
func (s *SQLiteStore) SoftDeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("soft deleting channel: %w", err)
	}
	return requireRow(res)
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*Channel, error) {
	var (
		ch        Channel
		platform  string
		extraRaw  string
		provider  sql.NullString
		deleted   int
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&ch.ID,
		&ch.TeamID,
		&platform,
		&ch.ExperimentID,
		&ch.Name,
		&ch.ExternalID,
		&extraRaw,
		&provider,
		&deleted,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel: %w", err)
	}

	ch.Platform = Platform(platform)
	ch.Deleted = deleted != 0
	ch.CreatedAt = parseTime(createdAt)
	ch.UpdatedAt = parseTime(updatedAt)
	if provider.Valid {
		ch.MessagingProviderID = &provider.String
	}
	if err := json.Unmarshal([]byte(extraRaw), &ch.ExtraData); err != nil {
		return nil, fmt.Errorf("decoding extra_data: %w", err)
	}
	return &ch, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow converts a zero-row update into ErrNotFound
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
