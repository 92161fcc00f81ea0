// ABOUTME: Tests for session persistence
// ABOUTME: Covers open-session lookup, consent recording, and end/review ordering

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionFixture struct {
	store       *SQLiteStore
	team        *Team
	channel     *Channel
	participant *Participant
	experiment  *Experiment
	version     *ExperimentVersion
}

func setupSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	store := setupTestStore(t)
	team := createTestTeam(t, store)
	exp := createTestExperiment(t, store, team.ID)
	version := createTestVersion(t, store, exp.ID, 1, true)
	ch := createTestChannel(t, store, team.ID, PlatformTelegram, exp.ID)
	p := createTestParticipant(t, store, team.ID, PlatformTelegram, "555")
	return &sessionFixture{store: store, team: team, channel: ch, participant: p, experiment: exp, version: version}
}

func (f *sessionFixture) newSession(t *testing.T, status SessionStatus) *Session {
	t.Helper()
	return createTestSession(t, f.store, f.channel, f.participant.ID, f.experiment.ID, f.version.ID, status)
}

func TestStore_CreateAndGetSession(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	sess := f.newSession(t, SessionStatusSetup)

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusSetup, got.Status)
	assert.Nil(t, got.ConsentDate)
	assert.Nil(t, got.EndedAt)

	byExt, err := f.store.GetSessionByExternalID(ctx, sess.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byExt.ID)
}

func TestStore_FindOpenSession(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	_, err := f.store.FindOpenSession(ctx, f.channel.ID, f.participant.ID, f.experiment.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	sess := f.newSession(t, SessionStatusActive)

	got, err := f.store.FindOpenSession(ctx, f.channel.ID, f.participant.ID, f.experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// Another experiment's lookup must not see this session.
	_, err = f.store.FindOpenSession(ctx, f.channel.ID, f.participant.ID, "exp-other")
	assert.ErrorIs(t, err, ErrNotFound)

	// Ended sessions are not open.
	require.NoError(t, f.store.EndSession(ctx, sess.ID, time.Now()))
	_, err = f.store.FindOpenSession(ctx, f.channel.ID, f.participant.ID, f.experiment.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Completed sessions are not open either.
	done := f.newSession(t, SessionStatusComplete)
	_ = done
	_, err = f.store.FindOpenSession(ctx, f.channel.ID, f.participant.ID, f.experiment.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RecordSessionConsent(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	sess := f.newSession(t, SessionStatusSetup)
	when := time.Now()

	require.NoError(t, f.store.RecordSessionConsent(ctx, sess.ID, SessionStatusActive, when))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusActive, got.Status)
	require.NotNil(t, got.ConsentDate)
	assert.WithinDuration(t, when, *got.ConsentDate, time.Second)
}

func TestStore_EndSession(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	sess := f.newSession(t, SessionStatusActive)
	when := time.Now()

	require.NoError(t, f.store.EndSession(ctx, sess.ID, when))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusPendingReview, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, when, *got.EndedAt, time.Second)

	// Ending a missing session fails on the status write.
	assert.ErrorIs(t, f.store.EndSession(ctx, "missing", when), ErrNotFound)
}

func TestStore_MarkSessionReviewed(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	sess := f.newSession(t, SessionStatusPendingReview)
	when := time.Now()

	require.NoError(t, f.store.MarkSessionReviewed(ctx, sess.ID, when))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusComplete, got.Status)
	require.NotNil(t, got.ReviewedAt)
}

func TestStore_UnknownStatusRoundTrip(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	sess := f.newSession(t, SessionStatusActive)

	// Simulate a legacy row with an unrecognized status value.
	_, err := f.store.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'archived_v1' WHERE id = ?`, sess.ID)
	require.NoError(t, err)

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusUnknown, got.Status)
}

func TestStore_SetSessionSeedTaskAndState(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	sess := f.newSession(t, SessionStatusSetup)

	require.NoError(t, f.store.SetSessionSeedTask(ctx, sess.ID, "task-42"))
	require.NoError(t, f.store.UpdateSessionState(ctx, sess.ID, []byte(`{"step":3}`)))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-42", got.SeedTaskID)
	assert.JSONEq(t, `{"step":3}`, string(got.State))
}
