// ABOUTME: Shared API test fixture: in-memory store, stub executor, stub identities
// ABOUTME: Handlers are exercised through the chi router exactly as production mounts them

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/convogrid/convogrid/internal/auth"
	"github.com/convogrid/convogrid/internal/channel"
	"github.com/convogrid/convogrid/internal/dispatch"
	"github.com/convogrid/convogrid/internal/grant"
	"github.com/convogrid/convogrid/internal/session"
	"github.com/convogrid/convogrid/internal/store"
)

// apiFakeStore backs the full handler surface in memory: the API store,
// the channel registry, the session resolver and machine, and the grant
// signer's participant lookup.
type apiFakeStore struct {
	mu           sync.Mutex
	users        map[string]*store.User
	apiKeys      map[string]*store.APIKey
	experiments  []*store.Experiment
	versions     map[string]*store.ExperimentVersion // keyed by version id
	channels     []*store.Channel
	participants map[string]*store.Participant // keyed by id
	sessions     []*store.Session
	messages     []*store.Message
	consents     []string
}

func newAPIFakeStore() *apiFakeStore {
	return &apiFakeStore{
		users:        make(map[string]*store.User),
		apiKeys:      make(map[string]*store.APIKey),
		versions:     make(map[string]*store.ExperimentVersion),
		participants: make(map[string]*store.Participant),
	}
}

func (f *apiFakeStore) GetSessionByExternalID(_ context.Context, externalID string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ExternalID == externalID {
			return s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) GetSessionMessagesSince(_ context.Context, sessionID string, since time.Time, limit int) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Message
	for _, m := range f.messages {
		if m.SessionID == sessionID && m.CreatedAt.After(since) {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *apiFakeStore) GetParticipant(_ context.Context, id string) (*store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *apiFakeStore) GetExperiment(_ context.Context, id string) (*store.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.experiments {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) GetExperimentByExternalID(_ context.Context, externalID string) (*store.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.experiments {
		if e.ExternalID == externalID {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) GetChannelByExternalID(_ context.Context, externalID string) (*store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.ExternalID == externalID && !ch.Deleted {
			return ch, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) ListChannels(_ context.Context, teamID string) ([]*store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Channel
	for _, ch := range f.channels {
		if ch.TeamID == teamID && !ch.Deleted {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *apiFakeStore) GetUser(_ context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *apiFakeStore) CreateAPIKey(_ context.Context, k *store.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys[k.ID] = k
	return nil
}

func (f *apiFakeStore) GetAPIKey(_ context.Context, id string) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.apiKeys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return k, nil
}

func (f *apiFakeStore) TouchAPIKey(_ context.Context, id string, when time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.apiKeys[id]; ok {
		k.LastUsedAt = &when
	}
	return nil
}

func (f *apiFakeStore) CreateChannel(_ context.Context, ch *store.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range channel.GlobalPlatforms() {
		if ch.Platform != p {
			continue
		}
		for _, other := range f.channels {
			if !other.Deleted && other.TeamID == ch.TeamID && other.Platform == ch.Platform {
				return store.ErrDuplicateChannel
			}
		}
	}
	f.channels = append(f.channels, ch)
	return nil
}

func (f *apiFakeStore) GetChannel(_ context.Context, id string) (*store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) FindSingletonChannel(_ context.Context, teamID string, platform store.Platform) (*store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.TeamID == teamID && ch.Platform == platform && !ch.Deleted {
			return ch, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) FindChannelsByExtraKey(_ context.Context, platform store.Platform, key, value, excludeID string) ([]*store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Channel
	for _, ch := range f.channels {
		if ch.Deleted || ch.Platform != platform || ch.ID == excludeID {
			continue
		}
		if s, _ := ch.ExtraData[key].(string); s == value {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *apiFakeStore) SoftDeleteChannel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.ID == id && !ch.Deleted {
			ch.Deleted = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *apiFakeStore) GetParticipantByIdentifier(_ context.Context, teamID string, platform store.Platform, identifier string) (*store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants {
		if p.TeamID == teamID && p.Platform == platform && p.Identifier == identifier {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) CreateParticipant(_ context.Context, p *store.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.participants {
		if other.TeamID == p.TeamID && other.Platform == p.Platform && other.Identifier == p.Identifier {
			return store.ErrDuplicateParticipant
		}
	}
	f.participants[p.ID] = p
	return nil
}

func (f *apiFakeStore) AttachParticipantUser(_ context.Context, participantID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[participantID]; ok && p.UserID == nil {
		p.UserID = &userID
	}
	return nil
}

func (f *apiFakeStore) FindOpenSession(_ context.Context, channelID, participantID, experimentID string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sessions) - 1; i >= 0; i-- {
		s := f.sessions[i]
		if s.ChannelID == channelID && s.ParticipantID == participantID &&
			s.ExperimentID == experimentID && !session.IsEnded(s.Status) {
			return s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) CreateSession(_ context.Context, sess *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sess)
	return nil
}

func (f *apiFakeStore) SetSessionSeedTask(_ context.Context, id, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			s.SeedTaskID = taskID
		}
	}
	return nil
}

func (f *apiFakeStore) GetDefaultVersion(_ context.Context, experimentID string) (*store.ExperimentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.ExperimentID == experimentID && v.IsDefault {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) GetVersionByNumber(_ context.Context, experimentID string, number int) (*store.ExperimentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.ExperimentID == experimentID && v.Number == number {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *apiFakeStore) GetVersion(_ context.Context, id string) (*store.ExperimentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (f *apiFakeStore) RecordSessionConsent(_ context.Context, id string, status store.SessionStatus, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consents = append(f.consents, id)
	for _, s := range f.sessions {
		if s.ID == id {
			s.Status = status
		}
	}
	return nil
}

func (f *apiFakeStore) UpdateSessionStatus(_ context.Context, id string, status store.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			s.Status = status
		}
	}
	return nil
}

func (f *apiFakeStore) EndSession(ctx context.Context, id string, _ time.Time) error {
	return f.UpdateSessionStatus(ctx, id, store.SessionStatusPendingReview)
}

func (f *apiFakeStore) MarkSessionReviewed(ctx context.Context, id string, _ time.Time) error {
	return f.UpdateSessionStatus(ctx, id, store.SessionStatusComplete)
}

// fakeExecutor resolves every enqueued task immediately.
type fakeExecutor struct {
	mu       sync.Mutex
	enqueued []*dispatch.Inbound
	results  map[string]dispatch.Result
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: make(map[string]dispatch.Result)}
}

func (e *fakeExecutor) Enqueue(_ context.Context, in *dispatch.Inbound) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueued = append(e.enqueued, in)
	handle := "task-" + in.Session.ID
	e.results[handle] = dispatch.Result{Status: dispatch.TaskStatusCompleted, SessionID: in.Session.ID}
	return handle, nil
}

func (e *fakeExecutor) EnqueueSeed(_ context.Context, sess *store.Session, seedMessage string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := "seed-" + sess.ID
	e.results[handle] = dispatch.Result{Status: dispatch.TaskStatusCompleted, SessionID: sess.ID}
	return handle, nil
}

func (e *fakeExecutor) Await(_ context.Context, handle string, _ time.Duration) (dispatch.Result, error) {
	return e.Status(handle)
}

func (e *fakeExecutor) Status(handle string) (dispatch.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	result, ok := e.results[handle]
	if !ok {
		return dispatch.Result{}, dispatch.ErrUnknownTask
	}
	return result, nil
}

// stubAuthenticator injects the fixture's current identity into every
// request, standing in for the API key and embed authenticators.
type stubAuthenticator struct {
	fixture *apiFixture
}

func (s stubAuthenticator) Authenticate(*http.Request) (*auth.Identity, error) {
	return s.fixture.identity, nil
}

type apiFixture struct {
	store    *apiFakeStore
	executor *fakeExecutor
	router   chi.Router
	identity *auth.Identity

	user          *store.User
	staff         *store.User
	experiment    *store.Experiment
	widgetChannel *store.Channel
}

// newAPIFixture builds a server whose auth chain resolves every request
// to the fixture's identity. Tests set it with asUser/asStaff/asEmbed.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	fs := newAPIFakeStore()
	fs.users["u-1"] = &store.User{ID: "u-1", TeamID: "team-1", Email: "ana@example.com", Name: "Ana"}
	fs.users["u-2"] = &store.User{ID: "u-2", TeamID: "team-1", Email: "root@example.com", Name: "Root", Staff: true}
	fs.users["u-9"] = &store.User{ID: "u-9", TeamID: "team-2", Email: "other@example.com", Name: "Other"}
	fs.experiments = append(fs.experiments,
		&store.Experiment{ID: "exp-1", TeamID: "team-1", Name: "Study One", ExternalID: "study-1"},
		&store.Experiment{ID: "exp-2", TeamID: "team-2", Name: "Study Two", ExternalID: "study-2"},
	)
	fs.versions["v-1"] = &store.ExperimentVersion{ID: "v-1", ExperimentID: "exp-1", Number: 1, IsDefault: true}
	fs.versions["v-2"] = &store.ExperimentVersion{ID: "v-2", ExperimentID: "exp-2", Number: 1, IsDefault: true}

	widgetCh := &store.Channel{
		ID:           "ch-widget",
		TeamID:       "team-1",
		Platform:     store.PlatformEmbeddedWidget,
		ExperimentID: "exp-1",
		Name:         "site widget",
		ExternalID:   "widget-ext-1",
		ExtraData:    map[string]any{"widget_token": "wtok-1"},
	}
	fs.channels = append(fs.channels, widgetCh)

	executor := newFakeExecutor()
	registry := channel.NewRegistry(fs, nil)
	resolver := session.NewResolver(fs, executor, nil)
	machine := session.NewMachine(fs, nil)
	signer := grant.NewSigner([]byte("api-test-secret-at-least-32-bytes!"), time.Hour, fs)

	f := &apiFixture{
		store:         fs,
		executor:      executor,
		user:          fs.users["u-1"],
		staff:         fs.users["u-2"],
		experiment:    fs.experiments[0],
		widgetChannel: widgetCh,
	}
	f.asUser()

	srv := NewServer(fs, registry, resolver, machine, signer, executor, time.Second, nil)
	r := chi.NewRouter()
	srv.Routes(r, stubAuthenticator{fixture: f})
	f.router = r
	return f
}

// asUser authenticates subsequent requests as a regular team-1 user.
func (f *apiFixture) asUser() {
	f.identity = &auth.Identity{User: f.user, TeamID: "team-1", Method: "api_key"}
}

// asStaff authenticates subsequent requests as team-1 staff.
func (f *apiFixture) asStaff() {
	f.identity = &auth.Identity{User: f.staff, TeamID: "team-1", Method: "api_key"}
}

// asEmbed authenticates subsequent requests as a widget embed on ch.
func (f *apiFixture) asEmbed(ch *store.Channel) {
	f.identity = &auth.Identity{TeamID: ch.TeamID, Channel: ch, Method: "embed"}
}

// seedSession inserts a session with its participant directly.
func (f *apiFixture) seedSession(externalID string, status store.SessionStatus, ownerUserID *string) *store.Session {
	p := &store.Participant{
		ID:         "p-" + externalID,
		TeamID:     "team-1",
		Platform:   store.PlatformEmbeddedWidget,
		Identifier: "visitor-" + externalID,
		UserID:     ownerUserID,
	}
	f.store.participants[p.ID] = p
	sess := &store.Session{
		ID:            "s-" + externalID,
		TeamID:        "team-1",
		ChannelID:     f.widgetChannel.ID,
		ParticipantID: p.ID,
		ExperimentID:  "exp-1",
		VersionID:     "v-1",
		Status:        status,
		ExternalID:    externalID,
	}
	f.store.sessions = append(f.store.sessions, sess)
	return sess
}

type requestOption func(*http.Request)

func withHeader(key, value string) requestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

func withCookies(cookies []*http.Cookie) requestOption {
	return func(r *http.Request) {
		for _, c := range cookies {
			r.AddCookie(c)
		}
	}
}

func (f *apiFixture) do(method, path, body string, opts ...requestOption) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response body %q: %v", rec.Body.String(), err)
	}
	return out
}
