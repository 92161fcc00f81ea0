// ABOUTME: Channel registry: singleton get-or-create, conflict checks, soft delete
// ABOUTME: Concurrent first use resolves via unique-violation-as-exists plus re-read

package channel

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

// RegistryStore defines what the registry needs from storage
type RegistryStore interface {
	CreateChannel(ctx context.Context, ch *store.Channel) error
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	FindSingletonChannel(ctx context.Context, teamID string, platform store.Platform) (*store.Channel, error)
	FindChannelsByExtraKey(ctx context.Context, platform store.Platform, key, value, excludeID string) ([]*store.Channel, error)
	SoftDeleteChannel(ctx context.Context, id string) error
}

// Registry manages channel records and their uniqueness rules.
type Registry struct {
	store  RegistryStore
	logger *slog.Logger
}

// NewRegistry creates a channel registry.
func NewRegistry(s RegistryStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "channel"),
	}
}

// GetOrCreateSingleton returns the team's channel for a global platform,
// creating it on first use. Safe under concurrent first use: the insert
// races against the active-channel uniqueness index, and a violation is
// treated as "already exists" followed by a re-read.
func (r *Registry) GetOrCreateSingleton(ctx context.Context, teamID string, platform store.Platform) (*store.Channel, error) {
	desc, err := DescriptorFor(platform)
	if err != nil {
		return nil, err
	}
	if !desc.Global {
		return nil, fmt.Errorf("platform %s is not a global platform", platform)
	}

	ch, err := r.store.FindSingletonChannel(ctx, teamID, platform)
	if err == nil {
		return ch, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	now := time.Now()
	ch = &store.Channel{
		ID:         uuid.New().String(),
		TeamID:     teamID,
		Platform:   platform,
		Name:       string(platform),
		ExternalID: ulid.Make().String(),
		ExtraData:  map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = r.store.CreateChannel(ctx, ch)
	if err == nil {
		r.logger.Info("created singleton channel", "team", teamID, "platform", platform, "id", ch.ID)
		return ch, nil
	}
	if err != store.ErrDuplicateChannel {
		return nil, err
	}

	// Lost the race; the winner's row is the channel.
	ch, err = r.store.FindSingletonChannel(ctx, teamID, platform)
	if err != nil {
		return nil, fmt.Errorf("re-reading singleton channel after race: %w", err)
	}
	return ch, nil
}

// Create validates platform config, checks identifier conflicts, and
// inserts a new channel.
func (r *Registry) Create(ctx context.Context, teamID string, platform store.Platform, experimentID, name string, extraData map[string]any) (*store.Channel, error) {
	desc, err := DescriptorFor(platform)
	if err != nil {
		return nil, &httperr.ValidationError{Fields: map[string]string{"platform": err.Error()}}
	}
	if extraData == nil {
		extraData = map[string]any{}
	}
	if err := desc.Validate(extraData); err != nil {
		return nil, &httperr.ValidationError{Fields: map[string]string{"extra_data": err.Error()}}
	}

	if desc.IdentifierKey != "" {
		identifier, _ := extraData[desc.IdentifierKey].(string)
		if err := r.CheckConflict(ctx, teamID, platform, identifier, ""); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	ch := &store.Channel{
		ID:           uuid.New().String(),
		TeamID:       teamID,
		Platform:     platform,
		ExperimentID: experimentID,
		Name:         name,
		ExternalID:   ulid.Make().String(),
		ExtraData:    extraData,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateChannel(ctx, ch); err != nil {
		if err == store.ErrDuplicateChannel {
			return nil, &httperr.ConflictError{Message: fmt.Sprintf("a %s channel already exists for this team", platform)}
		}
		return nil, err
	}

	r.logger.Info("created channel", "team", teamID, "platform", platform, "id", ch.ID)
	return ch, nil
}

// CheckConflict rejects a platform identifier already bound to another
// non-deleted channel. A same-team conflict names the owning channel
// with a link; a cross-team conflict is generic so nothing about another
// tenant's configuration leaks.
func (r *Registry) CheckConflict(ctx context.Context, teamID string, platform store.Platform, identifier, excludeID string) error {
	if identifier == "" {
		return nil
	}
	desc, err := DescriptorFor(platform)
	if err != nil {
		return err
	}
	if desc.IdentifierKey == "" {
		return nil
	}

	conflicts, err := r.store.FindChannelsByExtraKey(ctx, platform, desc.IdentifierKey, identifier, excludeID)
	if err != nil {
		return err
	}
	for _, other := range conflicts {
		if other.TeamID == teamID {
			return &httperr.ConflictError{
				Message: fmt.Sprintf("this %s is already used by channel %q", desc.IdentifierKey, other.Name),
				Link:    "/channels/" + other.ExternalID,
			}
		}
		return &httperr.ConflictError{Message: fmt.Sprintf("this %s is already in use", desc.IdentifierKey)}
	}
	return nil
}

// SoftDelete marks a channel deleted, preserving referential integrity
// for its sessions and messages.
func (r *Registry) SoftDelete(ctx context.Context, id string) error {
	if err := r.store.SoftDeleteChannel(ctx, id); err != nil {
		if err == store.ErrNotFound {
			return &httperr.NotFoundError{Resource: "channel"}
		}
		return err
	}
	r.logger.Info("soft deleted channel", "id", id)
	return nil
}
