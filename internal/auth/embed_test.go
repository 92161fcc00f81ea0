// ABOUTME: Tests for the chainable embed-key authenticator
// ABOUTME: Covers target resolution from body and URL, body restoration, and typed failures

package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convogrid/convogrid/internal/httperr"
	"github.com/convogrid/convogrid/internal/store"
	"github.com/convogrid/convogrid/internal/widget"
)

// fakeEmbedStore backs both the widget channel lookup and the session
// and experiment resolution.
type fakeEmbedStore struct {
	channels    []*store.Channel
	sessions    map[string]*store.Session
	experiments map[string]*store.Experiment
}

func (f *fakeEmbedStore) FindChannelsByExtraKey(_ context.Context, platform store.Platform, key, value, _ string) ([]*store.Channel, error) {
	var out []*store.Channel
	for _, ch := range f.channels {
		if ch.Platform != platform {
			continue
		}
		if s, _ := ch.ExtraData[key].(string); s == value {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeEmbedStore) GetSessionByExternalID(_ context.Context, externalID string) (*store.Session, error) {
	sess, ok := f.sessions[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (f *fakeEmbedStore) GetExperimentByExternalID(_ context.Context, externalID string) (*store.Experiment, error) {
	e, ok := f.experiments[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func embedFixture(t *testing.T) (*fakeEmbedStore, *EmbedAuthenticator) {
	t.Helper()
	fs := &fakeEmbedStore{
		sessions:    make(map[string]*store.Session),
		experiments: make(map[string]*store.Experiment),
	}
	fs.experiments["study-1"] = &store.Experiment{ID: "exp-1", TeamID: "team-1", ExternalID: "study-1"}
	fs.channels = append(fs.channels, &store.Channel{
		ID:           "ch-1",
		TeamID:       "team-1",
		Platform:     store.PlatformEmbeddedWidget,
		ExperimentID: "exp-1",
		ExternalID:   "widget-ext-1",
		ExtraData: map[string]any{
			"widget_token":    "wtok-1",
			"allowed_domains": []any{"example.com"},
		},
	})
	fs.sessions["sess-1"] = &store.Session{
		ID: "s-1", TeamID: "team-1", ChannelID: "ch-1",
		ExperimentID: "exp-1", ExternalID: "sess-1",
	}
	return fs, NewEmbedAuthenticator(widget.NewAuthenticator(fs, nil), fs, nil)
}

// embedRequest builds a request with the embed key and Origin set.
func embedRequest(body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", reader)
	req.Header.Set(EmbedKeyHeader, "wtok-1")
	req.Header.Set("Origin", "https://example.com")
	return req
}

// withSessionParam attaches a chi route parameter the way the router
// would during dispatch.
func withSessionParam(req *http.Request, sessionID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("session_id", sessionID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestEmbed_AbsentHeaderIsNoOpinion(t *testing.T) {
	_, a := embedFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{}`))
	id, err := a.Authenticate(req)
	assert.NoError(t, err)
	assert.Nil(t, id)
}

func TestEmbed_NewSessionResolvesExperimentFromBody(t *testing.T) {
	_, a := embedFixture(t)

	body := `{"experiment_id": "study-1", "participant_identifier": "visitor-1"}`
	req := embedRequest(body)
	id, err := a.Authenticate(req)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "embed", id.Method)
	assert.Equal(t, "team-1", id.TeamID)
	require.NotNil(t, id.Channel)
	assert.Equal(t, "ch-1", id.Channel.ID)
	assert.Nil(t, id.User)

	// The body peek must leave the request readable for the handler.
	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(rest))
}

func TestEmbed_ContinuingSessionResolvesFromURL(t *testing.T) {
	_, a := embedFixture(t)

	req := withSessionParam(embedRequest(""), "sess-1")
	id, err := a.Authenticate(req)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "ch-1", id.Channel.ID)
}

func TestEmbed_UnknownSession(t *testing.T) {
	_, a := embedFixture(t)

	req := withSessionParam(embedRequest(""), "nope")
	_, err := a.Authenticate(req)
	var notFound *httperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestEmbed_MissingOrigin(t *testing.T) {
	_, a := embedFixture(t)

	req := embedRequest(`{"experiment_id": "study-1"}`)
	req.Header.Del("Origin")
	_, err := a.Authenticate(req)
	var authErr *httperr.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestEmbed_DisallowedDomain(t *testing.T) {
	_, a := embedFixture(t)

	req := embedRequest(`{"experiment_id": "study-1"}`)
	req.Header.Set("Origin", "https://evil.com")
	_, err := a.Authenticate(req)
	var authErr *httperr.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestEmbed_BodyWithoutExperiment(t *testing.T) {
	_, a := embedFixture(t)

	for _, body := range []string{"", `{}`, `{not json`} {
		req := embedRequest(body)
		_, err := a.Authenticate(req)
		var valErr *httperr.ValidationError
		assert.ErrorAs(t, err, &valErr, "body %q", body)
	}
}

func TestEmbed_UnknownExperiment(t *testing.T) {
	_, a := embedFixture(t)

	req := embedRequest(`{"experiment_id": "nope"}`)
	_, err := a.Authenticate(req)
	var notFound *httperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
