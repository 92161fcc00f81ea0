// ABOUTME: Inbound webhook ingestion: normalize, dedupe, resolve session, enqueue
// ABOUTME: Handlers acknowledge immediately; processing happens on the worker pool

package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convogrid/convogrid/internal/dedupe"
	"github.com/convogrid/convogrid/internal/dispatch"
	"github.com/convogrid/convogrid/internal/session"
	"github.com/convogrid/convogrid/internal/store"
)

// maxPayloadBytes bounds webhook payload size.
const maxPayloadBytes = 1 << 20

// HandlerStore defines what webhook ingestion needs from storage
type HandlerStore interface {
	GetChannelByExternalID(ctx context.Context, externalID string) (*store.Channel, error)
}

// Enqueuer accepts dispatch work fire-and-forget.
type Enqueuer interface {
	Enqueue(ctx context.Context, in *dispatch.Inbound) (string, error)
}

// Handler ingests platform webhooks. Delivery semantics are
// at-least-once: the platform retries on non-2xx, the deduper drops
// redeliveries we already accepted.
type Handler struct {
	store       HandlerStore
	resolver    *session.Resolver
	machine     *session.Machine
	executor    Enqueuer
	deduper     *dedupe.Deduper
	normalizers map[store.Platform]Normalizer
	logger      *slog.Logger
}

// NewHandler creates the webhook handler.
func NewHandler(s HandlerStore, resolver *session.Resolver, machine *session.Machine, executor Enqueuer, deduper *dedupe.Deduper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       s,
		resolver:    resolver,
		machine:     machine,
		executor:    executor,
		deduper:     deduper,
		normalizers: Normalizers(),
		logger:      logger.With("component", "webhook"),
	}
}

// Routes mounts the per-platform webhook endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{platform}/{channel_external_id}", h.handleInbound)
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	platform := store.Platform(chi.URLParam(r, "platform"))
	channelExternalID := chi.URLParam(r, "channel_external_id")
	ctx := r.Context()

	normalizer, ok := h.normalizers[platform]
	if !ok {
		http.Error(w, "unknown platform", http.StatusNotFound)
		return
	}

	ch, err := h.store.GetChannelByExternalID(ctx, channelExternalID)
	if err != nil || ch.Platform != platform {
		// Unknown and mismatched channels look identical from outside.
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "reading payload", http.StatusBadRequest)
		return
	}

	in, err := normalizer.Normalize(r, ch, body)
	if err == ErrIgnored {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		h.logger.Warn("webhook rejected", "platform", platform, "channel", channelExternalID, "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if in.ChallengeResponse != "" {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, in.ChallengeResponse)
		return
	}

	if in.MessageID != "" {
		key := string(platform) + ":" + channelExternalID + ":" + in.MessageID
		if h.deduper.Seen(key) {
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	sess, err := h.resolver.StartOrResume(ctx, session.StartRequest{
		Channel:               ch,
		ParticipantIdentifier: in.ParticipantIdentifier,
		ParticipantName:       in.ParticipantName,
		RemoteID:              in.RemoteID,
	})
	if err != nil {
		h.logger.Error("resolving session failed", "platform", platform, "error", err)
		http.Error(w, "session resolution failed", http.StatusInternalServerError)
		return
	}

	// Messaging the bot is the consent act on messaging platforms.
	if sess.Status == store.SessionStatusSetup || sess.Status == store.SessionStatusPending {
		if _, _, err := h.machine.RecordConsent(ctx, sess); err != nil {
			h.logger.Error("recording implicit consent failed", "session", sess.ExternalID, "error", err)
			http.Error(w, "session resolution failed", http.StatusInternalServerError)
			return
		}
	}

	// Fire and forget: the platform got its ack, the executor owns the
	// work from here (at-least-once).
	if _, err := h.executor.Enqueue(ctx, &dispatch.Inbound{
		Session:           sess,
		Content:           in.Text,
		PlatformMessageID: in.MessageID,
	}); err != nil {
		h.logger.Error("enqueue failed", "session", sess.ExternalID, "error", err)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}
