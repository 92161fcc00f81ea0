// ABOUTME: Public HTTP API: session lifecycle, messaging, channel management
// ABOUTME: chi router with CORS for widget embeds and the OR-composed auth chain

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/convogrid/convogrid/internal/auth"
	"github.com/convogrid/convogrid/internal/channel"
	"github.com/convogrid/convogrid/internal/dispatch"
	"github.com/convogrid/convogrid/internal/grant"
	"github.com/convogrid/convogrid/internal/session"
	"github.com/convogrid/convogrid/internal/store"
)

// Store defines what the API handlers need from storage
type Store interface {
	GetSessionByExternalID(ctx context.Context, externalID string) (*store.Session, error)
	GetSessionMessagesSince(ctx context.Context, sessionID string, since time.Time, limit int) ([]*store.Message, error)
	GetParticipant(ctx context.Context, id string) (*store.Participant, error)
	GetExperiment(ctx context.Context, id string) (*store.Experiment, error)
	GetExperimentByExternalID(ctx context.Context, externalID string) (*store.Experiment, error)
	GetChannelByExternalID(ctx context.Context, externalID string) (*store.Channel, error)
	ListChannels(ctx context.Context, teamID string) ([]*store.Channel, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	CreateAPIKey(ctx context.Context, k *store.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*store.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, when time.Time) error
}

// Executor is the cooperative dispatcher as seen by the API.
type Executor interface {
	Enqueue(ctx context.Context, in *dispatch.Inbound) (string, error)
	Await(ctx context.Context, handle string, timeout time.Duration) (dispatch.Result, error)
	Status(handle string) (dispatch.Result, error)
}

// Server wires the API handlers to their collaborators.
type Server struct {
	store        Store
	registry     *channel.Registry
	resolver     *session.Resolver
	machine      *session.Machine
	signer       *grant.Signer
	executor     Executor
	awaitTimeout time.Duration
	logger       *slog.Logger
}

// NewServer creates the API server.
func NewServer(s Store, registry *channel.Registry, resolver *session.Resolver, machine *session.Machine, signer *grant.Signer, executor Executor, awaitTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if awaitTimeout <= 0 {
		awaitTimeout = dispatch.DefaultAwaitTimeout
	}
	return &Server{
		store:        s,
		registry:     registry,
		resolver:     resolver,
		machine:      machine,
		signer:       signer,
		executor:     executor,
		awaitTimeout: awaitTimeout,
		logger:       logger.With("component", "api"),
	}
}

// Routes mounts the API under /api with the authenticator chain.
func (s *Server) Routes(r chi.Router, authenticators ...auth.Authenticator) {
	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			// Browsers reject credentialed responses with a wildcard
			// origin, and widget requests carry the access cookie. Echo
			// the caller's origin; the widget domain allow-list is what
			// actually gates embed access.
			AllowOriginFunc:  func(_ *http.Request, _ string) bool { return true },
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", auth.EmbedKeyHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(auth.Chain(s.logger, authenticators...))

		r.Post("/sessions", s.handleStartSession)
		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Post("/consent", s.handleConsent)
			r.Post("/pre-survey", s.handleCompleteSurvey)
			r.Post("/messages", s.handleSendMessage)
			r.Get("/messages", s.handlePollMessages)
			r.Post("/end", s.handleEndSession)
			r.Post("/review", s.handleReview)
			r.Get("/tasks/{task_id}", s.handleTaskStatus)
		})

		r.Get("/channels", s.handleListChannels)
		r.Post("/channels", s.handleCreateChannel)
		r.Delete("/channels/{channel_external_id}", s.handleDeleteChannel)
		r.Post("/keys", s.handleIssueKey)
	})
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeRedirect sends the caller to the canonical route for the
// session's actual state. State mismatches are never errors.
func writeRedirect(w http.ResponseWriter, route session.Route, sess *store.Session) {
	path := session.RoutePath(route, sess.ExternalID)
	w.Header().Set("Location", path)
	writeJSON(w, http.StatusSeeOther, map[string]string{
		"redirect": path,
		"status":   string(sess.Status),
	})
}
