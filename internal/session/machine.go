// ABOUTME: Session lifecycle state machine with canonical-route redirects
// ABOUTME: Out-of-state requests redirect to the state's handler instead of failing

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/convogrid/convogrid/internal/store"
)

// Route names the canonical handler for a session state. Requests that
// arrive at the wrong handler are redirected here rather than rejected.
type Route string

const (
	RouteConsent   Route = "consent"
	RoutePreSurvey Route = "pre-survey"
	RouteChat      Route = "chat"
	RouteReview    Route = "review"
	RouteComplete  Route = "complete"
)

// canonicalRoutes maps each state to the route that handles it.
var canonicalRoutes = map[store.SessionStatus]Route{
	store.SessionStatusSetup:            RouteConsent,
	store.SessionStatusPending:          RouteConsent,
	store.SessionStatusPendingPreSurvey: RoutePreSurvey,
	store.SessionStatusActive:           RouteChat,
	store.SessionStatusPendingReview:    RouteReview,
	store.SessionStatusComplete:         RouteComplete,
}

// CanonicalRoute returns the route that owns a state. Unknown states go
// to consent, the safest place to recover a legacy session.
func CanonicalRoute(status store.SessionStatus) Route {
	if r, ok := canonicalRoutes[status]; ok {
		return r
	}
	return RouteConsent
}

// RoutePath resolves a route to its URL for a session.
func RoutePath(route Route, sessionExternalID string) string {
	return fmt.Sprintf("/api/sessions/%s/%s", sessionExternalID, route)
}

// CheckState reports whether a session is in one of the accepted states.
// When it is not, the returned route points at the canonical handler for
// the session's actual state so the caller can redirect.
func CheckState(sess *store.Session, accepted ...store.SessionStatus) (Route, bool) {
	for _, st := range accepted {
		if sess.Status == st {
			return "", true
		}
	}
	return CanonicalRoute(sess.Status), false
}

// IsEnded reports whether the session has left active conversation.
func IsEnded(status store.SessionStatus) bool {
	return status == store.SessionStatusPendingReview || status == store.SessionStatusComplete
}

// MachineStore defines what the state machine needs from storage
type MachineStore interface {
	GetVersion(ctx context.Context, id string) (*store.ExperimentVersion, error)
	RecordSessionConsent(ctx context.Context, id string, status store.SessionStatus, when time.Time) error
	UpdateSessionStatus(ctx context.Context, id string, status store.SessionStatus) error
	EndSession(ctx context.Context, id string, when time.Time) error
	MarkSessionReviewed(ctx context.Context, id string, when time.Time) error
}

// Machine drives session lifecycle transitions.
type Machine struct {
	store  MachineStore
	logger *slog.Logger
}

// NewMachine creates a session state machine.
func NewMachine(s MachineStore, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  s,
		logger: logger.With("component", "session"),
	}
}

// RecordConsent moves a pre-consent session forward: to the pre-survey
// when the bound version configures one, directly to active otherwise.
// Returns the new status, or a redirect route when the session is past
// consent.
func (m *Machine) RecordConsent(ctx context.Context, sess *store.Session) (store.SessionStatus, Route, error) {
	if route, ok := CheckState(sess, store.SessionStatusSetup, store.SessionStatusPending); !ok {
		return sess.Status, route, nil
	}

	version, err := m.store.GetVersion(ctx, sess.VersionID)
	if err != nil {
		return sess.Status, "", fmt.Errorf("loading bound version: %w", err)
	}

	next := store.SessionStatusActive
	if version.PreSurvey {
		next = store.SessionStatusPendingPreSurvey
	}
	if err := m.store.RecordSessionConsent(ctx, sess.ID, next, time.Now()); err != nil {
		return sess.Status, "", err
	}

	m.logger.Info("consent recorded", "session", sess.ExternalID, "status", next)
	sess.Status = next
	return next, "", nil
}

// CompleteSurvey moves a session from the pre-survey into active
// conversation.
func (m *Machine) CompleteSurvey(ctx context.Context, sess *store.Session) (Route, error) {
	if route, ok := CheckState(sess, store.SessionStatusPendingPreSurvey); !ok {
		return route, nil
	}
	if err := m.store.UpdateSessionStatus(ctx, sess.ID, store.SessionStatusActive); err != nil {
		return "", err
	}
	sess.Status = store.SessionStatusActive
	return "", nil
}

// End moves an active session to pending review.
func (m *Machine) End(ctx context.Context, sess *store.Session) (Route, error) {
	if route, ok := CheckState(sess, store.SessionStatusActive); !ok {
		return route, nil
	}
	if err := m.store.EndSession(ctx, sess.ID, time.Now()); err != nil {
		return "", err
	}
	m.logger.Info("session ended", "session", sess.ExternalID)
	sess.Status = store.SessionStatusPendingReview
	return "", nil
}

// Review completes a session after its review is submitted. Complete is
// terminal.
func (m *Machine) Review(ctx context.Context, sess *store.Session) (Route, error) {
	if route, ok := CheckState(sess, store.SessionStatusPendingReview); !ok {
		return route, nil
	}
	if err := m.store.MarkSessionReviewed(ctx, sess.ID, time.Now()); err != nil {
		return "", err
	}
	sess.Status = store.SessionStatusComplete
	return "", nil
}
