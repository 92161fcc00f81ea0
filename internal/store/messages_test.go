// ABOUTME: Tests for message history persistence
// ABOUTME: Covers since-cursor filtering, ordering, and limits

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_MessagesSinceAndLimit(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	sess := f.newSession(t, SessionStatusActive)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		role := MessageRoleParticipant
		if i%2 == 1 {
			role = MessageRoleAssistant
		}
		require.NoError(t, f.store.SaveMessage(ctx, &Message{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	// All messages, oldest first.
	all, err := f.store.GetSessionMessagesSince(ctx, sess.ID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "turn 0", all[0].Content)
	assert.Equal(t, "turn 4", all[4].Content)

	// The since cursor is strict: messages at exactly the cursor are
	// excluded.
	since, err := f.store.GetSessionMessagesSince(ctx, sess.ID, all[2].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "turn 3", since[0].Content)

	// Limit truncates from the oldest end.
	limited, err := f.store.GetSessionMessagesSince(ctx, sess.ID, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "turn 0", limited[0].Content)
}

func TestStore_MessagesScopedToSession(t *testing.T) {
	f := setupSessionFixture(t)
	ctx := context.Background()

	a := f.newSession(t, SessionStatusActive)
	require.NoError(t, f.store.EndSession(ctx, a.ID, time.Now()))
	b := f.newSession(t, SessionStatusActive)

	require.NoError(t, f.store.SaveMessage(ctx, &Message{
		ID: uuid.New().String(), SessionID: a.ID, Role: MessageRoleParticipant,
		Content: "in a", CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.SaveMessage(ctx, &Message{
		ID: uuid.New().String(), SessionID: b.ID, Role: MessageRoleParticipant,
		Content: "in b", CreatedAt: time.Now(),
	}))

	got, err := f.store.GetSessionMessagesSince(ctx, b.ID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "in b", got[0].Content)
}
