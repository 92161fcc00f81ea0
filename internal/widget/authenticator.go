// ABOUTME: Embed authenticator validating widget tokens against per-channel domain allow-lists
// ABOUTME: Empty allow-list denies; failures are typed for the HTTP boundary

package widget

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/convogrid/convogrid/internal/store"
)

// Authentication failures
var (
	// ErrMissingOrigin means neither Origin nor Referer identified the
	// embedding page.
	ErrMissingOrigin = errors.New("missing origin")
	// ErrInvalidConfig means the caller supplied neither an experiment
	// nor a session to resolve the target channel.
	ErrInvalidConfig = errors.New("no experiment or session to authenticate against")
	// ErrInvalidEmbedKey means no widget channel matched the token, or
	// the embedding domain is not allow-listed. The two cases are
	// deliberately indistinguishable.
	ErrInvalidEmbedKey = errors.New("invalid embed key")
)

// ChannelFinder locates widget channels by experiment and token.
type ChannelFinder interface {
	FindChannelsByExtraKey(ctx context.Context, platform store.Platform, key, value, excludeID string) ([]*store.Channel, error)
}

// Authenticator validates widget embed requests.
type Authenticator struct {
	channels ChannelFinder
	logger   *slog.Logger
}

// NewAuthenticator creates a widget embed authenticator.
func NewAuthenticator(channels ChannelFinder, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		channels: channels,
		logger:   logger.With("component", "widget"),
	}
}

// Target identifies what the embed request is for: a new session on an
// experiment, or a continuing session.
type Target struct {
	ExperimentID string
	Session      *store.Session
}

// Authenticate resolves a widget token plus embedding origin to the
// widget channel it authenticates. originHeader and refererHeader are
// the raw request header values; the origin host is extracted by URL
// parsing, never by string stripping.
func (a *Authenticator) Authenticate(ctx context.Context, token, originHeader, refererHeader string, target Target) (*store.Channel, error) {
	origin := extractHost(originHeader)
	if origin == "" {
		origin = extractHost(refererHeader)
	}
	if origin == "" {
		return nil, ErrMissingOrigin
	}

	experimentID := target.ExperimentID
	if experimentID == "" && target.Session != nil {
		experimentID = target.Session.ExperimentID
	}
	if experimentID == "" {
		return nil, ErrInvalidConfig
	}

	candidates, err := a.channels.FindChannelsByExtraKey(ctx, store.PlatformEmbeddedWidget, "widget_token", token, "")
	if err != nil {
		return nil, err
	}

	for _, ch := range candidates {
		if ch.ExperimentID != experimentID {
			continue
		}
		// Fail closed: a channel with no allow-list admits nothing.
		for _, pattern := range ch.AllowedDomains() {
			if MatchDomain(origin, pattern) {
				return ch, nil
			}
		}
		a.logger.Warn("embed origin not allow-listed", "origin", origin, "channel", ch.ExternalID)
	}
	return nil, ErrInvalidEmbedKey
}

// extractHost pulls host[:port] out of an Origin or Referer header
// value. Bare host values (no scheme) are accepted; anything
// unparseable yields "".
func extractHost(header string) string {
	if header == "" {
		return ""
	}
	u, err := url.Parse(header)
	if err != nil {
		return ""
	}
	if u.Host != "" {
		return u.Host
	}
	// "example.com" parses as a path; retry as a host-only URL.
	u, err = url.Parse("//" + header)
	if err != nil {
		return ""
	}
	return u.Host
}
