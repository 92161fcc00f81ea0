// ABOUTME: Tests for the dispatch core
// ABOUTME: Blocking and cooperative paths must persist identical message pairs

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convogrid/convogrid/internal/engine"
	"github.com/convogrid/convogrid/internal/httperr"
	"github.com/convogrid/convogrid/internal/store"
)

// memoryMessageStore collects saved messages.
type memoryMessageStore struct {
	mu       sync.Mutex
	messages []*store.Message
	failNext bool
}

func (m *memoryMessageStore) SaveMessage(_ context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("disk full")
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memoryMessageStore) bySession(sessionID string) []*store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	return out
}

// failingResponder always fails with the given error.
type failingResponder struct{ err error }

func (f *failingResponder) Respond(context.Context, *engine.Request) (*engine.Response, error) {
	return nil, f.err
}

func testSession(id string) *store.Session {
	return &store.Session{
		ID:           id,
		ExperimentID: "exp-1",
		VersionID:    "v-1",
		ExternalID:   "ext-" + id,
		Status:       store.SessionStatusActive,
	}
}

func TestDispatcher_ProcessRecordsBothTurns(t *testing.T) {
	ms := &memoryMessageStore{}
	d := New(ms, engine.Echo{}, nil)

	reply, err := d.Process(context.Background(), &Inbound{
		Session:           testSession("s-1"),
		Content:           "hello",
		PlatformMessageID: "tg-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", reply.Content)

	msgs := ms.bySession("s-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, store.MessageRoleParticipant, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "tg-42", msgs[0].PlatformMessageID)
	assert.Equal(t, store.MessageRoleAssistant, msgs[1].Role)
}

func TestDispatcher_SeedSkipsInboundTurn(t *testing.T) {
	ms := &memoryMessageStore{}
	d := New(ms, engine.Echo{}, nil)

	reply, err := d.Process(context.Background(), &Inbound{
		Session: testSession("s-1"),
		Content: "Welcome to the study",
		Seed:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the study", reply.Content)

	msgs := ms.bySession("s-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageRoleAssistant, msgs[0].Role)
}

func TestDispatcher_InboundPersistsEvenWhenProcessingFails(t *testing.T) {
	ms := &memoryMessageStore{}
	d := New(ms, &failingResponder{err: errors.New("definition error")}, nil)

	_, err := d.Process(context.Background(), &Inbound{
		Session: testSession("s-1"),
		Content: "hello",
	})
	require.Error(t, err)

	// The participant turn is on record; no reply is.
	msgs := ms.bySession("s-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageRoleParticipant, msgs[0].Role)
}

func TestDispatcher_ExhaustedTransientBecomesUpstreamError(t *testing.T) {
	ms := &memoryMessageStore{}
	d := New(ms, &failingResponder{err: &engine.TransientError{Err: errors.New("rate limited")}}, nil)

	_, err := d.Process(context.Background(), &Inbound{
		Session: testSession("s-1"),
		Content: "hello",
	})
	var upstream *httperr.TransientUpstreamError
	assert.ErrorAs(t, err, &upstream)
}

func TestDispatcher_BlockingAndCooperativeMatch(t *testing.T) {
	blockingStore := &memoryMessageStore{}
	pooledStore := &memoryMessageStore{}

	blocking := New(blockingStore, engine.Echo{}, nil)
	pooled := NewPool(New(pooledStore, engine.Echo{}, nil), nil, 2, 8, nil)
	defer pooled.Close()

	ctx := context.Background()

	_, err := blocking.Process(ctx, &Inbound{Session: testSession("s-1"), Content: "same input"})
	require.NoError(t, err)

	handle, err := pooled.Enqueue(ctx, &Inbound{Session: testSession("s-1"), Content: "same input"})
	require.NoError(t, err)
	res, err := pooled.Await(ctx, handle, 0)
	require.NoError(t, err)
	require.Equal(t, TaskStatusCompleted, res.Status)

	a := blockingStore.bySession("s-1")
	b := pooledStore.bySession("s-1")
	require.Len(t, a, 2)
	require.Len(t, b, 2)
	for i := range a {
		assert.Equal(t, a[i].Role, b[i].Role)
		assert.Equal(t, a[i].Content, b[i].Content)
	}
}
