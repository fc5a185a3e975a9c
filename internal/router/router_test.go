package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"discosync/internal/session"
	"discosync/internal/testutil"
	"discosync/pkg/interfaces"
	"discosync/pkg/types"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type published struct {
	eventType string
	data      interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *fakeNotifier) Publish(eventType string, data interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{eventType, data})
	return nil
}

func (n *fakeNotifier) Events() []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]published(nil), n.events...)
}

// fakeAudit records session events; the flag methods are unused by the router.
type fakeAudit struct {
	interfaces.DatabaseManager

	mu     sync.Mutex
	events []*types.SessionEvent
}

func (a *fakeAudit) RecordSessionEvent(_ context.Context, event *types.SessionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) Events() []*types.SessionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*types.SessionEvent(nil), a.events...)
}

type fixture struct {
	registry *session.Registry
	notifier *fakeNotifier
	audit    *fakeAudit
	router   *Router
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := &fixture{
		registry: session.NewRegistry(zerolog.Nop(), session.WithClock(func() time.Time { return fixedNow })),
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
		spans:    spans,
	}
	opts = append([]Option{WithTracer(tp.Tracer("test"))}, opts...)
	f.router = NewRouter(f.registry, f.notifier, f.audit, zerolog.Nop(), opts...)
	return f
}

func (f *fixture) join(key, id string, isCoach bool) *testutil.RecordingConn {
	conn := testutil.NewRecordingConn(id)
	f.registry.Join(key, conn, types.Identity{Email: id + "@example.com", Name: id, IsCoach: isCoach})
	return conn
}

func (f *fixture) send(conn interfaces.Connection, key, raw string) {
	f.router.Process(context.Background(), conn, key, []byte(raw))
}

func resetAll(conns ...*testutil.RecordingConn) {
	for _, c := range conns {
		c.Reset()
	}
}

// FUNCTIONAL VALIDATION TEST: Coach starts "Cardio" in "abc", plays, and a late
// joiner renders the live state
func TestRouter_CardioScenario(t *testing.T) {
	f := newFixture(t)

	coach := f.join("abc", "coach", true)
	p1 := f.join("abc", "p1", false)
	p2 := f.join("abc", "p2", false)
	resetAll(coach, p1, p2)

	f.send(coach, "abc", `{"type":"SESSION_START","data":{"course_id":"c1","course_name":"Cardio","course_image":"https://img.example/c1.png"}}`)

	for _, conn := range []*testutil.RecordingConn{coach, p1, p2} {
		env, ok := conn.Last(types.MessageTypeSessionStart)
		require.True(t, ok, "%s received SESSION_START", conn.ID())

		fields := testutil.Fields(t, env)
		assert.Equal(t, "Cardio", fields["course_name"])
		assert.NotEmpty(t, fields["server_timestamp"])

		state := fields["session_state"].(map[string]interface{})
		assert.Equal(t, "Cardio", state["course_name"])
		assert.Equal(t, "c1", state["course_id"])
		assert.Equal(t, false, state["playing"])
	}

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, types.MessageTypeSessionStart, events[0].eventType)
	notice := events[0].data.(types.SessionStartNotice)
	assert.Equal(t, "abc", notice.SessionID)
	require.NotNil(t, notice.CourseName)
	assert.Equal(t, "Cardio", *notice.CourseName)

	fresh := f.join("abc", "fresh", false)
	env, ok := fresh.Last(types.MessageTypeStateSync)
	require.True(t, ok)
	var started types.StateSync
	testutil.Decode(t, env, &started)
	assert.False(t, started.Playing)
	assert.Zero(t, started.TrackIndex)
	assert.Zero(t, started.Position)
	require.NotNil(t, started.CourseName)
	assert.Equal(t, "Cardio", *started.CourseName)

	f.send(coach, "abc", `{"type":"PLAY","data":{"position":12.5}}`)
	for _, conn := range []*testutil.RecordingConn{coach, p1, p2} {
		env, ok := conn.Last(types.MessageTypePlay)
		require.True(t, ok)
		fields := testutil.Fields(t, env)
		assert.Equal(t, 12.5, fields["position"])
		state := fields["session_state"].(map[string]interface{})
		assert.Equal(t, true, state["playing"])
		assert.Equal(t, 12.5, state["position"])
	}

	late := f.join("abc", "late", false)
	env, ok = late.Last(types.MessageTypeStateSync)
	require.True(t, ok)
	var ss types.StateSync
	testutil.Decode(t, env, &ss)
	assert.True(t, ss.Playing)
	assert.Equal(t, 12.5, ss.Position)
	require.NotNil(t, ss.CourseName)
	assert.Equal(t, "Cardio", *ss.CourseName)
	assert.Equal(t, 5, ss.ParticipantCount)

	f.router.Wait()
	audited := f.audit.Events()
	require.Len(t, audited, 1)
	assert.Equal(t, "abc", audited[0].SessionKey)
	assert.Equal(t, types.MessageTypeSessionStart, audited[0].Type)
	assert.Equal(t, "coach@example.com", audited[0].CoachEmail)
	require.NotNil(t, audited[0].CourseName)
	assert.Equal(t, "Cardio", *audited[0].CourseName)

	assert.True(t, f.registry.HasLiveSession())
}

// FUNCTIONAL VALIDATION TEST: A participant cannot control playback and only they hear about it
func TestRouter_UnauthorizedCommand(t *testing.T) {
	f := newFixture(t)

	coach := f.join("abc", "coach", true)
	p1 := f.join("abc", "p1", false)
	resetAll(coach, p1)

	before, err := f.registry.Snapshot("abc")
	require.NoError(t, err)

	f.send(p1, "abc", `{"type":"PLAY","data":{"position":30}}`)

	msgs := p1.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MessageTypeError, msgs[0].Type)
	var reply types.ErrorReply
	testutil.Decode(t, msgs[0], &reply)
	assert.Equal(t, types.ErrorCodeUnauthorized, reply.Code)
	assert.Equal(t, "Unauthorized action: only the coach can control playback.", reply.Message)

	assert.Empty(t, coach.Messages(), "a refusal is never broadcast")

	f.send(p1, "abc", `{"type":"GET_STATE"}`)
	env, ok := p1.Last(types.MessageTypeStateSync)
	require.True(t, ok)
	var ss types.StateSync
	testutil.Decode(t, env, &ss)
	assert.False(t, ss.Playing)
	assert.Zero(t, ss.Position)

	after, err := f.registry.Snapshot("abc")
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Empty(t, f.notifier.Events())
}

// FUNCTIONAL VALIDATION TEST: The latest self-declared coach supersedes the earlier one
func TestRouter_CoachSupersession(t *testing.T) {
	f := newFixture(t)

	first := f.join("abc", "first", true)
	second := f.join("abc", "second", true)
	resetAll(first, second)

	f.send(first, "abc", `{"type":"PAUSE","data":{"position":5}}`)
	env, ok := first.Last(types.MessageTypeError)
	require.True(t, ok)
	var reply types.ErrorReply
	testutil.Decode(t, env, &reply)
	assert.Equal(t, types.ErrorCodeNotSessionOwner, reply.Code)
	assert.Empty(t, second.Messages())

	f.send(second, "abc", `{"type":"SEEK","data":{"position":42}}`)
	for _, conn := range []*testutil.RecordingConn{first, second} {
		_, ok := conn.Last(types.MessageTypeSeek)
		assert.True(t, ok, "%s received SEEK", conn.ID())
	}

	snap, err := f.registry.Snapshot("abc")
	require.NoError(t, err)
	assert.Equal(t, float64(42), snap.State.Position)
}

func TestRouter_TrackChangeAcceptsCamelCase(t *testing.T) {
	f := newFixture(t)

	coach := f.join("abc", "coach", true)
	coach.Reset()

	f.send(coach, "abc", `{"type":"TRACK_CHANGE","data":{"trackIndex":3}}`)

	env, ok := coach.Last(types.MessageTypeTrackChange)
	require.True(t, ok)
	fields := testutil.Fields(t, env)
	assert.Equal(t, float64(3), fields["trackIndex"], "data is echoed as received")
	state := fields["session_state"].(map[string]interface{})
	assert.Equal(t, float64(3), state["track_index"])
	assert.Equal(t, float64(0), state["position"])
}

func TestRouter_SessionEndPublishesAndAudits(t *testing.T) {
	f := newFixture(t)

	coach := f.join("abc", "coach", true)
	f.send(coach, "abc", `{"type":"SESSION_START","data":{"courseName":"Cardio"}}`)
	f.send(coach, "abc", `{"type":"SESSION_END"}`)

	events := f.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, types.MessageTypeSessionEnd, events[1].eventType)
	end := events[1].data.(types.SessionEndNotice)
	assert.Equal(t, "abc", end.SessionID)
	assert.True(t, fixedNow.Equal(end.Timestamp))

	f.router.Wait()
	audited := f.audit.Events()
	require.Len(t, audited, 2)
	assert.Equal(t, types.MessageTypeSessionEnd, audited[1].Type)
	assert.Nil(t, audited[1].CourseName)

	snap, err := f.registry.Snapshot("abc")
	require.NoError(t, err)
	assert.False(t, snap.State.Playing)
	require.NotNil(t, snap.State.CourseName, "course fields survive SESSION_END")
}

// FUNCTIONAL VALIDATION TEST: Session commands never reach other sessions or the hub
func TestRouter_SessionIsolation(t *testing.T) {
	f := newFixture(t)

	coach := f.join("abc", "coach", true)
	other := f.join("xyz", "other", false)
	resetAll(coach, other)

	f.send(coach, "abc", `{"type":"PLAY","data":{"position":1}}`)
	f.send(coach, "abc", `{"type":"SESSION_START","data":{"course_name":"Cardio"}}`)

	assert.Empty(t, other.Messages())
	events := f.notifier.Events()
	require.Len(t, events, 1, "only lifecycle commands are published")
	assert.Equal(t, types.MessageTypeSessionStart, events[0].eventType)
}

func TestRouter_Ping(t *testing.T) {
	f := newFixture(t)
	conn := f.join("abc", "p1", false)
	conn.Reset()

	f.send(conn, "abc", `{"type":"PING"}`)

	env, ok := conn.Last(types.MessageTypePong)
	require.True(t, ok)
	var pong types.Pong
	testutil.Decode(t, env, &pong)
	assert.True(t, fixedNow.Equal(pong.ServerTime))
}

// FUNCTIONAL VALIDATION TEST: Protocol errors are dropped silently
func TestRouter_DropsInvalidMessages(t *testing.T) {
	f := newFixture(t)
	conn := f.join("abc", "coach", true)
	conn.Reset()

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty frame", ``, types.ErrEmptyMessage},
		{"not json", `{oops`, types.ErrInvalidEnvelope},
		{"missing type", `{"data":{}}`, types.ErrMissingMessageType},
		{"unknown type", `{"type":"DANCE"}`, ErrUnhandledType},
		{"second join", `{"type":"JOIN","data":{"email":"x"}}`, ErrUnexpectedJoin},
		{"negative track", `{"type":"TRACK_CHANGE","data":{"track_index":-1}}`, types.ErrNegativeTrackIndex},
		{"bad position", `{"type":"SEEK","data":{"position":"soon"}}`, types.ErrInvalidFieldType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.router.dispatch(context.Background(), conn, "abc", []byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, conn.Messages(), "nothing is sent back for protocol errors")

	snap, err := f.registry.Snapshot("abc")
	require.NoError(t, err)
	assert.Zero(t, snap.State.TrackIndex)
	assert.Zero(t, snap.State.Position)
}

func TestRouter_UnknownSession(t *testing.T) {
	f := newFixture(t)
	conn := testutil.NewRecordingConn("ghost")

	err := f.router.dispatch(context.Background(), conn, "nowhere", []byte(`{"type":"PLAY"}`))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Empty(t, conn.Messages())
}

// TECHNICAL VALIDATION TEST: Over-budget messages are dropped until the connection is released
func TestRouter_RateLimit(t *testing.T) {
	f := newFixture(t, WithRateLimit(2))
	conn := f.join("abc", "p1", false)
	conn.Reset()

	f.send(conn, "abc", `{"type":"PING"}`)
	f.send(conn, "abc", `{"type":"PING"}`)
	err := f.router.dispatch(context.Background(), conn, "abc", []byte(`{"type":"PING"}`))
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Len(t, conn.OfType(types.MessageTypePong), 2)

	f.router.Release(conn)
	f.send(conn, "abc", `{"type":"PING"}`)
	assert.Len(t, conn.OfType(types.MessageTypePong), 3)
}

// TECHNICAL VALIDATION TEST: One span per control command with authorization outcome
func TestRouter_CommandSpans(t *testing.T) {
	f := newFixture(t)
	coach := f.join("abc", "coach", true)
	p1 := f.join("abc", "p1", false)

	f.send(coach, "abc", `{"type":"PLAY","data":{"position":1}}`)
	f.send(p1, "abc", `{"type":"PAUSE","data":{"position":1}}`)
	f.send(coach, "abc", `{"type":"PING"}`)

	spans := f.spans.Ended()
	require.Len(t, spans, 2, "only control commands are traced")

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		out := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}

	play := attrs(spans[0])
	assert.Equal(t, "command PLAY", spans[0].Name())
	assert.Equal(t, "abc", play["session.key"].AsString())
	assert.Equal(t, "PLAY", play["command.type"].AsString())
	assert.True(t, play["command.authorized"].AsBool())

	pause := attrs(spans[1])
	assert.False(t, pause["command.authorized"].AsBool())
	assert.Equal(t, "not_coach", pause["command.authorization"].AsString())
}

func TestRouter_NilCollaborators(t *testing.T) {
	registry := session.NewRegistry(zerolog.Nop())
	r := NewRouter(registry, nil, nil, zerolog.Nop())

	coach := testutil.NewRecordingConn("coach")
	registry.Join("abc", coach, types.Identity{Email: "c@example.com", IsCoach: true})

	r.Process(context.Background(), coach, "abc", []byte(`{"type":"SESSION_START","data":{"course_name":"Cardio"}}`))
	r.Wait()

	_, ok := coach.Last(types.MessageTypeSessionStart)
	assert.True(t, ok)
}
