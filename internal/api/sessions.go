// ABOUTME: Session lifecycle and messaging handlers
// ABOUTME: start-session 201, send-message 202, poll 200; state mismatches redirect

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/convogrid/convogrid/internal/auth"
	"github.com/convogrid/convogrid/internal/dispatch"
	"github.com/convogrid/convogrid/internal/httperr"
	"github.com/convogrid/convogrid/internal/session"
	"github.com/convogrid/convogrid/internal/store"
)

const (
	defaultPollLimit = 50
	maxPollLimit     = 200
)

// StartSessionRequest is the JSON request body for POST /api/sessions.
type StartSessionRequest struct {
	ExperimentID          string `json:"experiment_id"`
	ParticipantIdentifier string `json:"participant_identifier,omitempty"`
	// Version requests a specific definition snapshot (test links).
	Version *int `json:"version,omitempty"`
}

// StartSessionResponse is the JSON response for POST /api/sessions.
type StartSessionResponse struct {
	SessionID   string             `json:"session_id"`
	Status      string             `json:"status"`
	SeedTaskID  string             `json:"seed_task_id,omitempty"`
	Experiment  ExperimentSummary  `json:"experiment"`
	Participant ParticipantSummary `json:"participant"`
}

// ExperimentSummary echoes the conversation definition a session bound.
type ExperimentSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ParticipantSummary identifies the session's participant.
type ParticipantSummary struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
}

// SendMessageResponse is the JSON response for POST messages.
type SendMessageResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// MessageView is one message in a poll response.
type MessageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// PollResponse is the JSON response for GET messages.
type PollResponse struct {
	Messages      []MessageView `json:"messages"`
	HasMore       bool          `json:"has_more"`
	SessionStatus string        `json:"session_status"`
}

// handleStartSession handles POST /api/sessions with status 201.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := auth.FromContext(ctx)

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, s.logger, &httperr.ValidationError{Fields: map[string]string{"body": "invalid JSON"}})
		return
	}
	if req.ExperimentID == "" {
		httperr.Write(w, s.logger, &httperr.ValidationError{Fields: map[string]string{"experiment_id": "required"}})
		return
	}

	experiment, err := s.store.GetExperimentByExternalID(ctx, req.ExperimentID)
	if err != nil {
		httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "experiment"})
		return
	}
	if experiment.TeamID != identity.TeamID {
		// Cross-team experiments are invisible, not forbidden.
		httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "experiment"})
		return
	}

	start := session.StartRequest{
		ExperimentID:          experiment.ID,
		ParticipantIdentifier: req.ParticipantIdentifier,
		VersionNumber:         req.Version,
	}

	switch identity.Method {
	case "embed":
		start.Channel = identity.Channel
	default:
		ch, err := s.registry.GetOrCreateSingleton(ctx, identity.TeamID, store.PlatformAPI)
		if err != nil {
			httperr.Write(w, s.logger, err)
			return
		}
		start.Channel = ch
		start.User = identity.User
		if start.ParticipantIdentifier == "" {
			start.ParticipantIdentifier = identity.User.Email
		}
	}

	sess, err := s.resolver.StartOrResume(ctx, start)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}

	// A credentialed API call is itself the consent act; widget and web
	// sessions consent explicitly via the consent endpoint.
	if identity.Method == "api_key" &&
		(sess.Status == store.SessionStatusSetup || sess.Status == store.SessionStatusPending) {
		if _, _, err := s.machine.RecordConsent(ctx, sess); err != nil {
			httperr.Write(w, s.logger, err)
			return
		}
	}

	participant, err := s.store.GetParticipant(ctx, sess.ParticipantID)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, StartSessionResponse{
		SessionID:  sess.ExternalID,
		Status:     string(sess.Status),
		SeedTaskID: sess.SeedTaskID,
		Experiment: ExperimentSummary{ID: experiment.ExternalID, Name: experiment.Name},
		Participant: ParticipantSummary{
			ID:         participant.ID,
			Identifier: participant.Identifier,
		},
	})
}

// handleConsent handles POST /api/sessions/{session_id}/consent. This
// is the only place the access cookie is issued.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.loadOwnedSession(w, r, false)
	if !ok {
		return
	}

	status, redirect, err := s.machine.RecordConsent(ctx, sess)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	if redirect != "" {
		writeRedirect(w, redirect, sess)
		return
	}

	if err := s.signer.Issue(ctx, w, sess); err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleCompleteSurvey handles POST /api/sessions/{session_id}/pre-survey.
func (s *Server) handleCompleteSurvey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.loadOwnedSession(w, r, true)
	if !ok {
		return
	}

	redirect, err := s.machine.CompleteSurvey(ctx, sess)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	if redirect != "" {
		writeRedirect(w, redirect, sess)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(sess.Status)})
}

// handleSendMessage handles POST /api/sessions/{session_id}/messages
// with status 202. The reply is produced on the worker pool; the caller
// gets a task handle and, when the bounded wait expires, falls back to
// polling.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.loadOwnedSession(w, r, true)
	if !ok {
		return
	}

	if redirect, accepted := session.CheckState(sess, store.SessionStatusActive); !accepted {
		writeRedirect(w, redirect, sess)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		httperr.Write(w, s.logger, &httperr.ValidationError{Fields: map[string]string{"content": "required"}})
		return
	}

	taskID, err := s.executor.Enqueue(ctx, &dispatch.Inbound{
		Session: sess,
		Content: req.Content,
	})
	if err != nil {
		httperr.Write(w, s.logger, &httperr.TransientUpstreamError{Err: err})
		return
	}

	result, err := s.executor.Await(ctx, taskID, s.awaitTimeout)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SendMessageResponse{
		TaskID: taskID,
		Status: string(result.Status),
	})
}

// handlePollMessages handles GET /api/sessions/{session_id}/messages.
func (s *Server) handlePollMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.loadOwnedSession(w, r, true)
	if !ok {
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httperr.Write(w, s.logger, &httperr.ValidationError{Fields: map[string]string{"since": "must be RFC 3339"}})
			return
		}
		since = parsed
	}
	limit := defaultPollLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httperr.Write(w, s.logger, &httperr.ValidationError{Fields: map[string]string{"limit": "must be a positive integer"}})
			return
		}
		limit = min(n, maxPollLimit)
	}

	// Fetch one extra row to detect whether more remain.
	messages, err := s.store.GetSessionMessagesSince(ctx, sess.ID, since, limit+1)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	sessionStatus := "active"
	if session.IsEnded(sess.Status) {
		sessionStatus = "ended"
	}
	writeJSON(w, http.StatusOK, PollResponse{
		Messages:      views,
		HasMore:       hasMore,
		SessionStatus: sessionStatus,
	})
}

// handleEndSession handles POST /api/sessions/{session_id}/end.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.loadOwnedSession(w, r, true)
	if !ok {
		return
	}

	redirect, err := s.machine.End(ctx, sess)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	if redirect != "" {
		writeRedirect(w, redirect, sess)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(sess.Status)})
}

// handleReview handles POST /api/sessions/{session_id}/review.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.loadOwnedSession(w, r, true)
	if !ok {
		return
	}

	redirect, err := s.machine.Review(ctx, sess)
	if err != nil {
		httperr.Write(w, s.logger, err)
		return
	}
	if redirect != "" {
		writeRedirect(w, redirect, sess)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(sess.Status)})
}

// handleTaskStatus handles GET /api/sessions/{session_id}/tasks/{task_id}.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadOwnedSession(w, r, true)
	if !ok {
		return
	}

	taskID := chi.URLParam(r, "task_id")
	result, err := s.executor.Status(taskID)
	if err != nil || result.SessionID != sess.ID {
		// A handle belonging to another session is indistinguishable
		// from a missing one.
		httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "task"})
		return
	}
	writeJSON(w, http.StatusOK, SendMessageResponse{
		TaskID: taskID,
		Status: string(result.Status),
	})
}

// loadOwnedSession resolves the session in the URL and enforces access.
// With requireGrant, anonymous callers must hold a valid access cookie;
// the session owner and staff bypass it. All failures are not-found so
// unauthorized callers cannot probe for session existence.
func (s *Server) loadOwnedSession(w http.ResponseWriter, r *http.Request, requireGrant bool) (*store.Session, bool) {
	ctx := r.Context()
	identity := auth.FromContext(ctx)

	sess, err := s.store.GetSessionByExternalID(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "session"})
		return nil, false
	}

	// The authenticated surface must belong to the session.
	switch identity.Method {
	case "embed":
		if identity.Channel == nil || identity.Channel.ID != sess.ChannelID {
			httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "session"})
			return nil, false
		}
	default:
		if identity.TeamID != sess.TeamID {
			httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "session"})
			return nil, false
		}
	}

	if requireGrant {
		var user *store.User
		if identity.User != nil {
			user = identity.User
		}
		if err := s.signer.Verify(ctx, r, sess, user); err != nil {
			httperr.Write(w, s.logger, &httperr.NotFoundError{Resource: "session"})
			return nil, false
		}
	}
	return sess, true
}
