// ABOUTME: Chainable widget embed-key authenticator for the public API surface
// ABOUTME: Absent X-Embed-Key is "no opinion" so API keys may still authenticate

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convogrid/convogrid/internal/httperr"
	"github.com/convogrid/convogrid/internal/store"
	"github.com/convogrid/convogrid/internal/widget"
)

// EmbedKeyHeader carries the widget auth token.
const EmbedKeyHeader = "X-Embed-Key"

// maxBodyPeek bounds how much of the body is read to find the target
// experiment id.
const maxBodyPeek = 1 << 20

// EmbedSessionStore resolves continuing-conversation sessions and the
// experiment named by a new-session request.
type EmbedSessionStore interface {
	GetSessionByExternalID(ctx context.Context, externalID string) (*store.Session, error)
	GetExperimentByExternalID(ctx context.Context, externalID string) (*store.Experiment, error)
}

// EmbedAuthenticator adapts the widget authenticator into the request
// chain. The target experiment is resolved from the request body on new
// sessions, or from the session named in the URL on continuing ones.
type EmbedAuthenticator struct {
	widget   *widget.Authenticator
	sessions EmbedSessionStore
	logger   *slog.Logger
}

// NewEmbedAuthenticator creates the chainable embed authenticator.
func NewEmbedAuthenticator(w *widget.Authenticator, sessions EmbedSessionStore, logger *slog.Logger) *EmbedAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbedAuthenticator{
		widget:   w,
		sessions: sessions,
		logger:   logger.With("component", "embed-auth"),
	}
}

// Authenticate validates the embed key when present. A request without
// the header yields no opinion, never a failure.
func (a *EmbedAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	token := r.Header.Get(EmbedKeyHeader)
	if token == "" {
		return nil, nil
	}

	target, err := a.resolveTarget(r)
	if err != nil {
		return nil, err
	}

	ch, err := a.widget.Authenticate(r.Context(), token,
		r.Header.Get("Origin"), r.Header.Get("Referer"), target)
	if err != nil {
		switch err {
		case widget.ErrMissingOrigin:
			return nil, &httperr.AuthenticationError{Reason: "missing origin"}
		case widget.ErrInvalidConfig:
			return nil, &httperr.ValidationError{Fields: map[string]string{
				"experiment_id": "an experiment or session is required to authenticate an embed",
			}}
		case widget.ErrInvalidEmbedKey:
			return nil, &httperr.AuthenticationError{Reason: "invalid embed key"}
		default:
			return nil, err
		}
	}

	return &Identity{
		TeamID:  ch.TeamID,
		Channel: ch,
		Method:  "embed",
	}, nil
}

// resolveTarget finds the experiment the embed is for: a session named
// in the URL wins, otherwise the experiment_id in the request body.
func (a *EmbedAuthenticator) resolveTarget(r *http.Request) (widget.Target, error) {
	if sessionID := chi.URLParam(r, "session_id"); sessionID != "" {
		sess, err := a.sessions.GetSessionByExternalID(r.Context(), sessionID)
		if err != nil {
			if err == store.ErrNotFound {
				return widget.Target{}, &httperr.NotFoundError{Resource: "session"}
			}
			return widget.Target{}, err
		}
		return widget.Target{Session: sess}, nil
	}

	externalID, err := peekExperimentID(r)
	if err != nil || externalID == "" {
		return widget.Target{}, &httperr.ValidationError{Fields: map[string]string{
			"body": "request body must be JSON with an experiment_id",
		}}
	}
	experiment, err := a.sessions.GetExperimentByExternalID(r.Context(), externalID)
	if err != nil {
		if err == store.ErrNotFound {
			return widget.Target{}, &httperr.NotFoundError{Resource: "experiment"}
		}
		return widget.Target{}, err
	}
	return widget.Target{ExperimentID: experiment.ID}, nil
}

// peekExperimentID reads experiment_id from the JSON body and restores
// the body for the handler.
func peekExperimentID(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", io.EOF
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var probe struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", err
	}
	return probe.ExperimentID, nil
}
