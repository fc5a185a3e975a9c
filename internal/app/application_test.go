package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discosync/internal/config"
	"discosync/pkg/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "discosync.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	return cfg
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// FUNCTIONAL VALIDATION TEST: Constructor rejects invalid configuration before touching the store
func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, application)
}

func TestNewApplication_SeedsFeatureFlags(t *testing.T) {
	cfg := testConfig(t)
	cfg.Features.VideoServiceEnabled = true

	application, err := NewApplication(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.dbManager.Close() })

	ctx := context.Background()
	enabled, err := application.dbManager.IsFeatureEnabled(ctx, types.FeatureAudioService)
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = application.dbManager.IsFeatureEnabled(ctx, types.FeatureVideoService)
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = application.dbManager.IsFeatureEnabled(ctx, types.FeatureStreamingService)
	require.NoError(t, err)
	assert.False(t, enabled)
}

// ARCHITECTURAL VALIDATION TEST: Full lifecycle over a real listener
func TestApplication_StartServeStop(t *testing.T) {
	cfg := testConfig(t)
	application, err := NewApplication(cfg, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, application.Start(context.Background()))
	addr := application.GetAddr()
	assert.Equal(t, cfg.Address(), addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/ws/session/abc", addr), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": types.MessageTypeJoin,
		"data": map[string]interface{}{"email": "coach@example.com", "name": "Coach", "is_coach": true},
	}))
	env := readEnvelope(t, conn)
	assert.Equal(t, types.MessageTypeStateSync, env.Type)

	require.Eventually(t, func() bool {
		_, ok := application.sessions.Get("abc")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Stop(ctx))

	// open sockets are closed with a going-away frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, ok := application.sessions.Get("abc")
	assert.False(t, ok)
	assert.False(t, application.hub.Running())
	assert.Error(t, application.dbManager.HealthCheck(context.Background()))
}

func TestApplication_StartFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.HTTP.Port = busy.Addr().(*net.TCPAddr).Port

	application, err := NewApplication(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.dbManager.Close() })

	assert.Error(t, application.Start(context.Background()))
	assert.False(t, application.hub.Running(), "hub is stopped again when the listener fails")
}
