package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discosync/internal/session"
	"discosync/internal/testutil"
	"discosync/pkg/types"
)

type fakeStore struct {
	flags     []*types.FeatureFlag
	events    []*types.SessionEvent
	err       error
	healthErr error
	lastLimit int
}

func (f *fakeStore) GetFeatureFlags(ctx context.Context) ([]*types.FeatureFlag, error) {
	return f.flags, f.err
}

func (f *fakeStore) ListSessionEvents(ctx context.Context, limit int) ([]*types.SessionEvent, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeStore) HealthCheck(ctx context.Context) error {
	return f.healthErr
}

type fakeSockets map[string]int

func (f fakeSockets) GetStats() map[string]int { return f }

type fakeHub int

func (f fakeHub) SubscriberCount() int { return int(f) }

type fakeSocketHandler struct {
	sessionKeys   []string
	notifications int
}

func (f *fakeSocketHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	f.sessionKeys = append(f.sessionKeys, r.URL.Path)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeSocketHandler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	f.notifications++
	w.WriteHeader(http.StatusNoContent)
}

type fixture struct {
	server   *Server
	registry *session.Registry
	store    *fakeStore
	sockets  *fakeSocketHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: session.NewRegistry(zerolog.Nop()),
		store:    &fakeStore{},
		sockets:  &fakeSocketHandler{},
	}
	f.server = NewServer(f.registry, f.store, fakeSockets{"total_connections": 3}, fakeHub(2), f.sockets, zerolog.Nop())
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func strptr(s string) *string { return &s }

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// FUNCTIONAL VALIDATION TEST: Session listing reports counts and coach presence
func TestServer_ListSessions(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/silent-disco/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, w.Body.String(), "empty registry lists as an empty array")

	f.registry.Join("abc", testutil.NewRecordingConn("c"), types.Identity{Email: "c@example.com", IsCoach: true})
	f.registry.Join("abc", testutil.NewRecordingConn("p"), types.Identity{Email: "p@example.com"})

	w = f.get(t, "/api/silent-disco/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []types.SessionSummary
	decode(t, w, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc", sessions[0].SessionID)
	assert.Equal(t, 2, sessions[0].ParticipantCount)
	assert.True(t, sessions[0].HasCoach)
}

func TestServer_GetSession(t *testing.T) {
	f := newFixture(t)
	conn := testutil.NewRecordingConn("p")
	f.registry.Join("abc", conn, types.Identity{Email: "p@example.com"})

	w := f.get(t, "/api/silent-disco/session/abc")
	require.Equal(t, http.StatusOK, w.Code)
	var summary types.SessionSummary
	decode(t, w, &summary)
	assert.Equal(t, "abc", summary.SessionID)
	assert.Equal(t, 1, summary.ParticipantCount)
	assert.False(t, summary.HasCoach)
	assert.False(t, summary.State.Playing)

	f.registry.Leave("abc", conn)

	w = f.get(t, "/api/silent-disco/session/abc")
	require.Equal(t, http.StatusNotFound, w.Code)
	var errResp ErrorResponse
	decode(t, w, &errResp)
	assert.Equal(t, http.StatusNotFound, errResp.Code)
	assert.Equal(t, "Not Found", errResp.Error)
	assert.Equal(t, "Session not found", errResp.Message)
}

// FUNCTIONAL VALIDATION TEST: Active sessions are the ones a coach has started
func TestServer_ActiveSessions(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/silent-disco/active-sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active_sessions":[],"has_active":false}`, w.Body.String())

	f.registry.Join("abc", testutil.NewRecordingConn("c"), types.Identity{Email: "c@example.com", IsCoach: true})
	f.registry.Join("idle", testutil.NewRecordingConn("p"), types.Identity{Email: "p@example.com"})
	require.NoError(t, f.registry.Do("abc", func(tx *session.Tx) {
		tx.Apply(types.Command{Type: types.MessageTypeSessionStart, CourseName: strptr("Cardio"), CourseImage: strptr("cardio.png")})
	}))

	w = f.get(t, "/api/silent-disco/active-sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ActiveSessionsResponse
	decode(t, w, &resp)
	assert.True(t, resp.HasActive)
	require.Len(t, resp.ActiveSessions, 1)
	assert.Equal(t, "abc", resp.ActiveSessions[0].SessionID)
	assert.Equal(t, "Cardio", *resp.ActiveSessions[0].CourseName)
	assert.Equal(t, "cardio.png", *resp.ActiveSessions[0].CourseImage)
	assert.Equal(t, 1, resp.ActiveSessions[0].ParticipantCount)
}

func TestServer_ListEvents(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.store.events = []*types.SessionEvent{
		{ID: "2", SessionKey: "abc", Type: types.MessageTypeSessionEnd, CoachEmail: "c@example.com", CreatedAt: now},
		{ID: "1", SessionKey: "abc", Type: types.MessageTypeSessionStart, CourseName: strptr("Cardio"), CoachEmail: "c@example.com", CreatedAt: now.Add(-time.Minute)},
	}

	t.Run("default limit", func(t *testing.T) {
		w := f.get(t, "/api/silent-disco/events")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, DefaultEventLimit, f.store.lastLimit)

		var resp EventsResponse
		decode(t, w, &resp)
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, "2", resp.Events[0].ID)
	})

	t.Run("explicit limit", func(t *testing.T) {
		w := f.get(t, "/api/silent-disco/events?limit=1")
		require.Equal(t, http.StatusOK, w.Code)
		var resp EventsResponse
		decode(t, w, &resp)
		assert.Equal(t, 1, resp.Count)
	})

	for _, bad := range []string{"0", "-3", "many"} {
		t.Run("invalid limit "+bad, func(t *testing.T) {
			w := f.get(t, "/api/silent-disco/events?limit="+bad)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	t.Run("store failure", func(t *testing.T) {
		f.store.err = errors.New("disk gone")
		defer func() { f.store.err = nil }()

		w := f.get(t, "/api/silent-disco/events")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestServer_FeatureFlags(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/feature-flags")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"feature_flags":[]}`, w.Body.String())

	f.store.flags = []*types.FeatureFlag{{Name: types.FeatureAudioService, Enabled: true}}
	w = f.get(t, "/api/feature-flags")
	var resp FeatureFlagsResponse
	decode(t, w, &resp)
	require.Len(t, resp.FeatureFlags, 1)
	assert.Equal(t, types.FeatureAudioService, resp.FeatureFlags[0].Name)
	assert.True(t, resp.FeatureFlags[0].Enabled)
}

// TECHNICAL VALIDATION TEST: Health aggregates component counters and degrades to 503
func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	f.registry.Join("abc", testutil.NewRecordingConn("c"), types.Identity{Email: "c@example.com", IsCoach: true})

	for _, path := range []string{"/health", "/api/health"} {
		w := f.get(t, path)
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp HealthResponse
		decode(t, w, &resp)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "healthy", resp.Database)
		assert.Equal(t, session.Stats{Sessions: 1, Connections: 1, Coaches: 1}, resp.Sessions)
		assert.Equal(t, 3, resp.Connections["total_connections"])
		assert.Equal(t, 2, resp.Subscribers)
		assert.Positive(t, resp.System.Goroutines)
	}

	f.store.healthErr = errors.New("database is closed")
	w := f.get(t, "/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Contains(t, resp.Database, "database is closed")
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/silent-disco/sessions", nil)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
	assert.Empty(t, w.Body.String())
}

func TestServer_UnknownRoutes(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodPost, "/api/silent-disco/sessions", nil)
	w = httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// ARCHITECTURAL VALIDATION TEST: Socket routes are mounted under both prefixes
func TestServer_SocketRoutes(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/ws/session/abc", "/api/ws/session/abc"} {
		w := f.get(t, path)
		assert.Equal(t, http.StatusNoContent, w.Code, path)
		assert.Empty(t, w.Header().Get("Content-Type"), "socket routes skip the JSON middleware")
	}
	assert.Equal(t, []string{"/ws/session/abc", "/api/ws/session/abc"}, f.sockets.sessionKeys)

	f.get(t, "/ws/notifications")
	f.get(t, "/api/ws/notifications")
	assert.Equal(t, 2, f.sockets.notifications)
}

func TestServer_WithoutSocketHandler(t *testing.T) {
	s := NewServer(session.NewRegistry(zerolog.Nop()), &fakeStore{}, fakeSockets{}, fakeHub(0), nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
