// ABOUTME: Channel management and API key issuing endpoints
// ABOUTME: Credentialed-only; widget embeds cannot manage channels

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convogrid/convogrid/internal/auth"
	"github.com/convogrid/convogrid/internal/httperr"
	"github.com/convogrid/convogrid/internal/store"
)

// ChannelView is the JSON shape of a channel.
type ChannelView struct {
	ID        string         `json:"id"`
	Platform  string         `json:"platform"`
	Name      string         `json:"name"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// CreateChannelRequest is the JSON request body for POST /api/channels.
type CreateChannelRequest struct {
	Platform     string         `json:"platform"`
	ExperimentID string         `json:"experiment_id"`
	Name         string         `json:"name"`
	ExtraData    map[string]any `json:"extra_data"`
}

// requireUser rejects non-credentialed callers.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity := auth.FromContext(r.Context())
	if identity == nil || identity.User == nil {
		httperr.Write(w, s.logger, &httperr.PermissionError{Reason: "credentialed access required"})
		return nil, false
	}
	return identity, true
}

// handleListChannels handles GET /api/channels.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	channels, err := s.store.ListChannels(r.Context(), identity.TeamID)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	views := make([]ChannelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, channelView(ch))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": views})
}

// handleCreateChannel handles POST /api/channels.
func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, s.logger, &httperr.ValidationError{Fields: map[string]string{"body": "invalid JSON"}})
		return
	}

	var experimentID string
	if req.ExperimentID != "" {
		experiment, err := s.store.GetExperimentByExternalID(ctx, req.ExperimentID)
		if err != nil || experiment.TeamID != identity.TeamID {
			httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "experiment"})
			return
		}
		experimentID = experiment.ID
	}

	ch, err := s.registry.Create(ctx, identity.TeamID, store.Platform(req.Platform), experimentID, req.Name, req.ExtraData)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, channelView(ch))
}

// handleDeleteChannel handles DELETE /api/channels/{channel_external_id}.
func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	ch, err := s.store.GetChannelByExternalID(ctx, chi.URLParam(r, "channel_external_id"))
	if err != nil || ch.TeamID != identity.TeamID {
		httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "channel"})
		return
	}
	if err := s.registry.SoftDelete(ctx, ch.ID); err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIssueKey handles POST /api/keys. Staff only; the plaintext key
// appears in this response and nowhere else.
func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !identity.Staff() {
		httperr.Write(w, s.logger, &httperr.PermissionError{Reason: "staff permission required"})
		return
	}
	ctx := r.Context()

	var req struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		httperr.Write(w, s.logger, &httperr.ValidationError{Fields: map[string]string{"name": "required"}})
		return
	}

	owner := identity.User
	if req.UserID != "" {
		u, err := s.store.GetUser(ctx, req.UserID)
		if err != nil || u.TeamID != identity.TeamID {
			httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "user"})
			return
		}
		owner = u
	}

	plaintext, key, err := auth.IssueAPIKey(ctx, s.store, owner, req.Name)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"key_id": key.ID,
		"key":    plaintext,
		"name":   key.Name,
	})
}

func channelView(ch *store.Channel) ChannelView {
	extra := make(map[string]any, len(ch.ExtraData))
	for k, v := range ch.ExtraData {
		// Secrets stay out of list responses.
		switch k {
		case "widget_token", "bot_token", "secret_token":
			extra[k] = "…"
		default:
			extra[k] = v
		}
	}
	return ChannelView{
		ID:        ch.ExternalID,
		Platform:  string(ch.Platform),
		Name:      ch.Name,
		ExtraData: extra,
		CreatedAt: ch.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}
