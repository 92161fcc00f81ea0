// ABOUTME: The single logical "accept inbound message for session" operation
// ABOUTME: Both adapters call this core so blocking and cooperative behavior never drift

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convogrid/convogrid/internal/engine"
	"github.com/convogrid/convogrid/internal/httperr"
	"github.com/convogrid/convogrid/internal/store"
)

// DispatchStore defines what the dispatcher needs from storage
type DispatchStore interface {
	SaveMessage(ctx context.Context, m *store.Message) error
}

// Inbound is one message accepted for a session.
type Inbound struct {
	Session           *store.Session
	Content           string
	PlatformMessageID string
	// Seed marks a configured opening message: no participant turn is
	// appended, only the generated reply.
	Seed bool
}

// Dispatcher runs the core dispatch sequence: append the inbound
// message, invoke conversation processing, persist the reply.
//
// Message ordering follows arrival order as observed by the append-only
// store; concurrent inbound messages for the same session are not
// serialized here. Callers needing strict ordering must add their own
// exclusion.
type Dispatcher struct {
	store     DispatchStore
	responder engine.Responder
	logger    *slog.Logger
}

// New creates the dispatch core.
func New(s DispatchStore, responder engine.Responder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     s,
		responder: responder,
		logger:    logger.With("component", "dispatch"),
	}
}

// Process is the blocking adapter: it runs the dispatch sequence to
// completion on the caller's goroutine. Used where request/response
// latency is bounded (widgets, direct API calls).
func (d *Dispatcher) Process(ctx context.Context, in *Inbound) (*store.Message, error) {
	if in.Session == nil {
		return nil, fmt.Errorf("session is required")
	}

	// Record first, then act: the inbound turn is persisted before
	// conversation processing so a record exists even when processing
	// fails.
	if !in.Seed {
		inboundMsg := &store.Message{
			ID:                uuid.New().String(),
			SessionID:         in.Session.ID,
			Role:              store.MessageRoleParticipant,
			Content:           in.Content,
			PlatformMessageID: in.PlatformMessageID,
			CreatedAt:         time.Now(),
		}
		if err := d.store.SaveMessage(ctx, inboundMsg); err != nil {
			return nil, fmt.Errorf("recording inbound message: %w", err)
		}
	}

	resp, err := d.responder.Respond(ctx, &engine.Request{
		SessionID:    in.Session.ID,
		ExperimentID: in.Session.ExperimentID,
		VersionID:    in.Session.VersionID,
		Content:      in.Content,
		Seed:         in.Seed,
	})
	if err != nil {
		if engine.IsTransient(err) {
			// Retries are already exhausted by the engine wrapper.
			return nil, &httperr.TransientUpstreamError{Err: err}
		}
		return nil, fmt.Errorf("conversation processing: %w", err)
	}

	reply := &store.Message{
		ID:        uuid.New().String(),
		SessionID: in.Session.ID,
		Role:      store.MessageRoleAssistant,
		Content:   resp.Content,
		CreatedAt: time.Now(),
	}
	if err := d.store.SaveMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("recording reply: %w", err)
	}

	d.logger.Debug("dispatched message",
		"session", in.Session.ExternalID,
		"seed", in.Seed,
		"reply_id", reply.ID)
	return reply, nil
}
