// ABOUTME: Session resolver/factory: find-or-create participants and sessions
// ABOUTME: Reconciles anonymous participants with authenticated users, rejects impersonation

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/convogrid/convogrid/internal/httperr"
	"github.com/convogrid/convogrid/internal/store"
)

// ResolverStore defines what the resolver needs from storage
type ResolverStore interface {
	GetParticipantByIdentifier(ctx context.Context, teamID string, platform store.Platform, identifier string) (*store.Participant, error)
	CreateParticipant(ctx context.Context, p *store.Participant) error
	AttachParticipantUser(ctx context.Context, participantID, userID string) error

	FindOpenSession(ctx context.Context, channelID, participantID, experimentID string) (*store.Session, error)
	CreateSession(ctx context.Context, sess *store.Session) error
	SetSessionSeedTask(ctx context.Context, id, taskID string) error

	GetDefaultVersion(ctx context.Context, experimentID string) (*store.ExperimentVersion, error)
	GetVersionByNumber(ctx context.Context, experimentID string, number int) (*store.ExperimentVersion, error)
}

// SeedEnqueuer enqueues asynchronous production of a session's opening
// turn. The returned handle is stored on the session for client polling.
type SeedEnqueuer interface {
	EnqueueSeed(ctx context.Context, sess *store.Session, seedMessage string) (string, error)
}

// Resolver finds or creates participants and sessions for inbound contacts.
type Resolver struct {
	store  ResolverStore
	seeds  SeedEnqueuer
	logger *slog.Logger
}

// NewResolver creates a session resolver. seeds may be nil when seed
// messages are not produced (tests, evaluations).
func NewResolver(s ResolverStore, seeds SeedEnqueuer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		seeds:  seeds,
		logger: logger.With("component", "resolver"),
	}
}

// StartRequest carries everything needed to start or resume a session.
type StartRequest struct {
	Channel               *store.Channel
	ParticipantIdentifier string
	// ExperimentID overrides the channel's bound experiment. Required
	// for global-platform channels, which bind no experiment themselves.
	ExperimentID string
	// User is set when the caller is authenticated. Its canonical
	// address must match ParticipantIdentifier.
	User *store.User
	// VersionNumber requests a specific definition snapshot (test
	// links). Nil binds the default version and allows resuming an open
	// session.
	VersionNumber *int
	// ParticipantName and RemoteID are optional platform metadata
	// recorded on first contact.
	ParticipantName string
	RemoteID        string
}

// StartOrResume resolves the participant for an inbound contact and
// returns their open session on the channel, creating both as needed.
func (r *Resolver) StartOrResume(ctx context.Context, req StartRequest) (*store.Session, error) {
	if req.Channel == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if req.ParticipantIdentifier == "" {
		return nil, &httperr.ValidationError{Fields: map[string]string{"participant_identifier": "required"}}
	}

	experimentID := req.ExperimentID
	if experimentID == "" {
		experimentID = req.Channel.ExperimentID
	}
	if experimentID == "" {
		return nil, &httperr.ValidationError{Fields: map[string]string{"experiment_id": "required"}}
	}

	// An authenticated caller may only act as themselves. A mismatched
	// identifier is an impersonation attempt and is rejected, never
	// silently corrected.
	if req.User != nil && req.ParticipantIdentifier != req.User.Email {
		return nil, &httperr.PermissionError{Reason: "participant identifier does not match authenticated user"}
	}

	participant, err := r.resolveParticipant(ctx, req)
	if err != nil {
		return nil, err
	}

	// Claim a previously anonymous participant for the authenticated
	// user. The identifier never changes.
	if req.User != nil && participant.UserID == nil {
		if err := r.store.AttachParticipantUser(ctx, participant.ID, req.User.ID); err != nil {
			return nil, fmt.Errorf("claiming participant: %w", err)
		}
		participant.UserID = &req.User.ID
		r.logger.Info("participant claimed", "participant", participant.ID, "user", req.User.ID)
	}

	// Resume an open session unless a specific version was requested.
	// The lookup is scoped to the experiment: on a shared global channel
	// a participant may hold one open session per experiment, and
	// starting experiment B must never hand back experiment A's session.
	if req.VersionNumber == nil {
		sess, err := r.store.FindOpenSession(ctx, req.Channel.ID, participant.ID, experimentID)
		if err == nil {
			return sess, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}
	}

	return r.createSession(ctx, req, participant, experimentID)
}

// resolveParticipant finds or creates the participant keyed by
// (team, platform, identifier). A lost creation race resolves by
// re-reading the winner's row.
func (r *Resolver) resolveParticipant(ctx context.Context, req StartRequest) (*store.Participant, error) {
	teamID := req.Channel.TeamID
	platform := req.Channel.Platform

	participant, err := r.store.GetParticipantByIdentifier(ctx, teamID, platform, req.ParticipantIdentifier)
	if err == nil {
		return participant, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	participant = &store.Participant{
		ID:         uuid.New().String(),
		TeamID:     teamID,
		Platform:   platform,
		Identifier: req.ParticipantIdentifier,
		RemoteID:   req.RemoteID,
		Name:       req.ParticipantName,
		CreatedAt:  time.Now(),
	}
	if req.User != nil {
		participant.UserID = &req.User.ID
	}

	err = r.store.CreateParticipant(ctx, participant)
	if err == nil {
		return participant, nil
	}
	if err != store.ErrDuplicateParticipant {
		return nil, err
	}
	participant, err = r.store.GetParticipantByIdentifier(ctx, teamID, platform, req.ParticipantIdentifier)
	if err != nil {
		return nil, fmt.Errorf("re-reading participant after race: %w", err)
	}
	return participant, nil
}

func (r *Resolver) createSession(ctx context.Context, req StartRequest, participant *store.Participant, experimentID string) (*store.Session, error) {
	var (
		version *store.ExperimentVersion
		err     error
	)
	if req.VersionNumber != nil {
		version, err = r.store.GetVersionByNumber(ctx, experimentID, *req.VersionNumber)
	} else {
		version, err = r.store.GetDefaultVersion(ctx, experimentID)
	}
	if err != nil {
		if err == store.ErrNotFound {
			return nil, &httperr.NotFoundError{Resource: "experiment version"}
		}
		return nil, err
	}

	now := time.Now()
	sess := &store.Session{
		ID:            uuid.New().String(),
		TeamID:        req.Channel.TeamID,
		ChannelID:     req.Channel.ID,
		ParticipantID: participant.ID,
		ExperimentID:  experimentID,
		VersionID:     version.ID,
		Status:        store.SessionStatusSetup,
		ExternalID:    ulid.Make().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	r.logger.Info("session created",
		"session", sess.ExternalID,
		"channel", req.Channel.ExternalID,
		"participant", participant.ID,
		"version", version.Number)

	// A configured opening message is produced asynchronously; the task
	// handle lets clients poll for the first turn.
	if version.SeedMessage != "" && r.seeds != nil {
		taskID, err := r.seeds.EnqueueSeed(ctx, sess, version.SeedMessage)
		if err != nil {
			r.logger.Error("enqueuing seed message failed", "session", sess.ExternalID, "error", err)
		} else {
			if err := r.store.SetSessionSeedTask(ctx, sess.ID, taskID); err != nil {
				return nil, err
			}
			sess.SeedTaskID = taskID
		}
	}

	return sess, nil
}
