// ABOUTME: Signed session-access cookie for anonymous participants
// ABOUTME: Issued only at consent; verified by exact-tuple comparison against the live row

package grant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/convogrid/convogrid/internal/store"
)

// CookieName is the session-access cookie.
const CookieName = "chat_session_access"

// audience namespaces these tokens away from any other JWT use.
const audience = "convogrid/session-access"

// DefaultMaxAge is roughly six months.
const DefaultMaxAge = 182 * 24 * time.Hour

// ErrDenied is returned for every verification failure: missing cookie,
// bad signature, expiry, or tuple mismatch. Callers translate it to a
// not-found response so an unauthorized caller learns nothing about
// whether the session exists.
var ErrDenied = errors.New("session access denied")

// Grant is the cookie payload. It is never trusted as stored truth: on
// every verification the same tuple is recomputed from the current
// session row and compared field by field.
type Grant struct {
	ExperimentID  string `json:"experiment_id"`
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
}

type claims struct {
	jwt.RegisteredClaims
	Grant Grant `json:"grant"`
}

// ParticipantLookup resolves the participant a session belongs to.
type ParticipantLookup interface {
	GetParticipant(ctx context.Context, id string) (*store.Participant, error)
}

// Signer issues and verifies session-access cookies.
type Signer struct {
	secret       []byte
	maxAge       time.Duration
	participants ParticipantLookup
}

// NewSigner creates a signer with a dedicated secret. The secret must
// not be shared with any other token use.
func NewSigner(secret []byte, maxAge time.Duration, participants ParticipantLookup) *Signer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Signer{secret: secret, maxAge: maxAge, participants: participants}
}

// grantFor recomputes the access tuple from the current session row.
func (s *Signer) grantFor(ctx context.Context, sess *store.Session) (Grant, error) {
	participant, err := s.participants.GetParticipant(ctx, sess.ParticipantID)
	if err != nil {
		return Grant{}, fmt.Errorf("loading participant: %w", err)
	}
	g := Grant{
		ExperimentID:  sess.ExperimentID,
		SessionID:     sess.ID,
		ParticipantID: sess.ParticipantID,
	}
	if participant.UserID != nil {
		g.UserID = *participant.UserID
	}
	return g, nil
}

// Issue signs a grant for the session and sets the cookie. Called only
// when consent is recorded, never on a bare read.
func (s *Signer) Issue(ctx context.Context, w http.ResponseWriter, sess *store.Session) error {
	g, err := s.grantFor(ctx, sess)
	if err != nil {
		return err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
		},
		Grant: g,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return fmt.Errorf("signing access grant: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(s.maxAge.Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Verify checks that the request may access the session.
//
// An authenticated user who owns the session, or one with staff
// permission, bypasses the cookie entirely. Everyone else must present
// a cookie whose signature verifies and whose payload exactly equals
// the tuple recomputed from the current session row. Any mismatch —
// stale mutation, cross-session reuse — returns ErrDenied.
func (s *Signer) Verify(ctx context.Context, r *http.Request, sess *store.Session, user *store.User) error {
	if user != nil {
		if user.Staff {
			return nil
		}
		participant, err := s.participants.GetParticipant(ctx, sess.ParticipantID)
		if err == nil && participant.UserID != nil && *participant.UserID == user.ID {
			return nil
		}
	}

	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ErrDenied
	}
	presented, err := s.Unsign(cookie.Value)
	if err != nil {
		return ErrDenied
	}

	expected, err := s.grantFor(ctx, sess)
	if err != nil {
		return ErrDenied
	}
	if presented != expected {
		return ErrDenied
	}
	return nil
}

// Unsign validates a raw cookie value and returns its grant. Rejects
// bad signatures, wrong audiences, and expired tokens.
func (s *Signer) Unsign(value string) (Grant, error) {
	var c claims
	token, err := jwt.ParseWithClaims(value, &c, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithAudience(audience))
	if err != nil || !token.Valid {
		return Grant{}, ErrDenied
	}
	return c.Grant, nil
}
