// ABOUTME: Data types and sentinel errors for convogrid persistence
// ABOUTME: Defines Channel, Participant, Session, Message and friends

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChannel is returned when a channel insert violates the
// active-channel uniqueness index
var ErrDuplicateChannel = errors.New("channel already exists")

// ErrDuplicateParticipant is returned when a participant insert loses a
// first-contact race for the same (team, platform, identifier)
var ErrDuplicateParticipant = errors.New("participant already exists")

// Platform identifies a delivery surface a channel is bound to.
type Platform string

const (
	PlatformTelegram        Platform = "telegram"
	PlatformWhatsApp        Platform = "whatsapp"
	PlatformFacebook        Platform = "facebook"
	PlatformSureAdhere      Platform = "sureadhere"
	PlatformSlack           Platform = "slack"
	PlatformCommCareConnect Platform = "commcare_connect"
	PlatformEmbeddedWidget  Platform = "embedded_widget"
	PlatformAPI             Platform = "api"
	PlatformWeb             Platform = "web"
	PlatformEvaluations     Platform = "evaluations"
)

// SessionStatus is the lifecycle state of a session. The zero value is
// not valid; unrecognized stored values map to SessionStatusUnknown.
type SessionStatus string

const (
	SessionStatusSetup            SessionStatus = "setup"
	SessionStatusPending          SessionStatus = "pending"
	SessionStatusPendingPreSurvey SessionStatus = "pending_pre_survey"
	SessionStatusActive           SessionStatus = "active"
	SessionStatusPendingReview    SessionStatus = "pending_review"
	SessionStatusComplete         SessionStatus = "complete"
	SessionStatusUnknown          SessionStatus = "unknown"
)

// ParseSessionStatus maps a stored status string to a SessionStatus,
// falling back to SessionStatusUnknown for legacy or corrupt rows.
func ParseSessionStatus(s string) SessionStatus {
	switch SessionStatus(s) {
	case SessionStatusSetup, SessionStatusPending, SessionStatusPendingPreSurvey,
		SessionStatusActive, SessionStatusPendingReview, SessionStatusComplete:
		return SessionStatus(s)
	default:
		return SessionStatusUnknown
	}
}

// Team is a tenant. Everything below is scoped to a team.
type Team struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

// User is a human account belonging to a team.
type User struct {
	ID        string
	TeamID    string
	Email     string
	Name      string
	Staff     bool
	CreatedAt time.Time
}

// APIKey is a long-lived credential. The plaintext secret is shown once
// at creation; only a bcrypt hash is stored. Lookup is by key id.
type APIKey struct {
	ID         string
	UserID     string
	TeamID     string
	SecretHash string
	Name       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Experiment is a conversation definition owned by a team.
type Experiment struct {
	ID         string
	TeamID     string
	Name       string
	ExternalID string
	CreatedAt  time.Time
}

// ExperimentVersion is an immutable snapshot of a conversation
// definition. Sessions bind to exactly one version.
type ExperimentVersion struct {
	ID           string
	ExperimentID string
	Number       int
	IsDefault    bool
	SeedMessage  string
	PreSurvey    bool
	CreatedAt    time.Time
}

// Channel binds an experiment to one delivery platform. extra_data
// holds platform-specific configuration (bot tokens, allowed domains).
// Channels are soft-deleted only; sessions keep referencing them.
type Channel struct {
	ID                  string
	TeamID              string
	Platform            Platform
	ExperimentID        string
	Name                string
	ExternalID          string
	ExtraData           map[string]any
	MessagingProviderID *string
	Deleted             bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AllowedDomains returns the widget allow-list from extra_data, nil if
// none is configured.
func (c *Channel) AllowedDomains() []string {
	raw, ok := c.ExtraData["allowed_domains"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ExtraString returns a string value from extra_data, empty if absent
// or not a string.
func (c *Channel) ExtraString(key string) string {
	s, _ := c.ExtraData[key].(string)
	return s
}

// Participant is the platform-scoped identity of a human. Unique per
// (team, platform, identifier); created on first contact and reused.
type Participant struct {
	ID         string
	TeamID     string
	Platform   Platform
	Identifier string
	UserID     *string
	RemoteID   string
	Name       string
	CreatedAt  time.Time
}

// Session is one continuous conversation between a participant and an
// experiment version. Never physically deleted.
type Session struct {
	ID            string
	TeamID        string
	ChannelID     string
	ParticipantID string
	ExperimentID  string
	VersionID     string
	Status        SessionStatus
	ConsentDate   *time.Time
	EndedAt       *time.Time
	ReviewedAt    *time.Time
	SeedTaskID    string
	State         []byte
	ExternalID    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message roles. Inbound messages come from the participant; outbound
// messages are produced by conversation processing.
const (
	MessageRoleParticipant = "participant"
	MessageRoleAssistant   = "assistant"
	MessageRoleSystem      = "system"
)

// Message is a single turn in a session's append-only history.
type Message struct {
	ID                string
	SessionID         string
	Role              string
	Content           string
	PlatformMessageID string
	CreatedAt         time.Time
}
