// ABOUTME: Team, user, API key, and experiment persistence
// ABOUTME: API key secrets are stored as bcrypt hashes, never plaintext

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateTeam inserts a new team.
func (s *SQLiteStore) CreateTeam(ctx context.Context, t *Team) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, name, slug, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Slug, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting team: %w", err)
	}
	return nil
}

// GetTeam retrieves a team by ID.
func (s *SQLiteStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	var (
		t         Team
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, created_at FROM teams WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Slug, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning team: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, team_id, email, name, staff, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.TeamID, u.Email, u.Name, boolToInt(u.Staff), formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		u         User
		staff     int
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, team_id, email, name, staff, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.TeamID, &u.Email, &u.Name, &staff, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Staff = staff != 0
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// CreateAPIKey inserts a new API key record.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, team_id, secret_hash, name, created_at, last_used_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.TeamID, k.SecretHash, k.Name,
		formatTime(k.CreatedAt), nullableTime(k.LastUsedAt), nullableTime(k.RevokedAt))
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetAPIKey retrieves an API key by its key id.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	var (
		k          APIKey
		createdAt  string
		lastUsedAt sql.NullString
		revokedAt  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, team_id, secret_hash, name, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE id = ?`, id).
		Scan(&k.ID, &k.UserID, &k.TeamID, &k.SecretHash, &k.Name, &createdAt, &lastUsedAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}
	k.CreatedAt = parseTime(createdAt)
	k.LastUsedAt = scanNullableTime(lastUsedAt)
	k.RevokedAt = scanNullableTime(revokedAt)
	return &k, nil
}

// TouchAPIKey records that a key was used. Best effort; callers ignore
// the error.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(when), id)
	return err
}

// RevokeAPIKey invalidates a key.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string, when time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(when), id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	return requireRow(res)
}

// CreateExperiment inserts a new experiment.
func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *Experiment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, team_id, name, external_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.TeamID, e.Name, e.ExternalID, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by ID.
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, team_id, name, external_id, created_at FROM experiments WHERE id = ?`, id)
	return scanExperiment(row)
}

// GetExperimentByExternalID retrieves an experiment by its public id.
func (s *SQLiteStore) GetExperimentByExternalID(ctx context.Context, externalID string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, team_id, name, external_id, created_at FROM experiments WHERE external_id = ?`, externalID)
	return scanExperiment(row)
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	var (
		e         Experiment
		createdAt string
	)
	err := row.Scan(&e.ID, &e.TeamID, &e.Name, &e.ExternalID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning experiment: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// CreateExperimentVersion inserts a new definition snapshot.
func (s *SQLiteStore) CreateExperimentVersion(ctx context.Context, v *ExperimentVersion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_versions (id, experiment_id, number, is_default, seed_message, pre_survey, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ExperimentID, v.Number, boolToInt(v.IsDefault), v.SeedMessage, boolToInt(v.PreSurvey),
		formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting experiment version: %w", err)
	}
	return nil
}

// GetDefaultVersion returns the experiment's default (working) version.
func (s *SQLiteStore) GetDefaultVersion(ctx context.Context, experimentID string) (*ExperimentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, number, is_default, seed_message, pre_survey, created_at
		 FROM experiment_versions WHERE experiment_id = ? AND is_default = 1`, experimentID)
	return scanVersion(row)
}

// GetVersionByNumber returns an explicitly requested version (test links).
func (s *SQLiteStore) GetVersionByNumber(ctx context.Context, experimentID string, number int) (*ExperimentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, number, is_default, seed_message, pre_survey, created_at
		 FROM experiment_versions WHERE experiment_id = ? AND number = ?`, experimentID, number)
	return scanVersion(row)
}

// GetVersion retrieves a version by ID.
func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*ExperimentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, number, is_default, seed_message, pre_survey, created_at
		 FROM experiment_versions WHERE id = ?`, id)
	return scanVersion(row)
}

func scanVersion(row rowScanner) (*ExperimentVersion, error) {
	var (
		v         ExperimentVersion
		isDefault int
		preSurvey int
		createdAt string
	)
	err := row.Scan(&v.ID, &v.ExperimentID, &v.Number, &isDefault, &v.SeedMessage, &preSurvey, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning experiment version: %w", err)
	}
	v.IsDefault = isDefault != 0
	v.PreSurvey = preSurvey != 0
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}
