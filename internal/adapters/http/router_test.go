package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/app/presence"
	"github.com/dkeye/voicerooms/internal/app/sfu/sfutest"
	"github.com/dkeye/voicerooms/internal/config"
	"github.com/dkeye/voicerooms/internal/core/coretest"
	"github.com/dkeye/voicerooms/internal/domain"
)

var jwtSecret = []byte("test-jwt-secret")

func testConfig() *config.Config {
	return &config.Config{
		Mode:       "test",
		Secret:     "0123456789abcdef0123456789abcdef",
		JWTSecret:  string(jwtSecret),
		ReadLimit:  32768,
		PingPeriod: time.Minute,
		SendBuffer: 16,
	}
}

func newRouter(t *testing.T, cfg *config.Config) (*gin.Engine, *orch.Orchestrator, *sfutest.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := sfutest.NewEngine()
	o := orch.New(e, presence.NewManager(), orch.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return SetupRouter(ctx, cfg, o), o, e
}

func token(t *testing.T, id, name string) string {
	t.Helper()
	tok, err := SignToken(jwtSecret, domain.User{ID: domain.UserID(id), Username: name}, time.Hour)
	require.NoError(t, err)
	return tok
}

func get(r http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	r, _, e := newRouter(t, testConfig())

	assert.Equal(t, http.StatusOK, get(r, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, get(r, "/readyz", nil).Code)

	e.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/readyz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _, _ := newRouter(t, testConfig())
	w := get(r, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPIRequiresIdentity(t *testing.T) {
	r, _, _ := newRouter(t, testConfig())

	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/voice/channels", nil).Code)

	bad, err := SignToken([]byte("other"), domain.User{ID: "alice", Username: "Alice"}, time.Hour)
	require.NoError(t, err)
	w := get(r, "/api/voice/channels", http.Header{"Authorization": {"Bearer " + bad}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, "/api/voice/channels", http.Header{"Authorization": {"Bearer " + token(t, "alice", "Alice")}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/api/voice/channels", http.Header{"Cookie": {TokenCookie + "=" + token(t, "alice", "Alice")}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	r, _, _ := newRouter(t, testConfig())
	tok, err := SignToken(jwtSecret, domain.User{ID: "alice", Username: "Alice"}, -time.Minute)
	require.NoError(t, err)
	w := get(r, "/api/voice/channels", http.Header{"Authorization": {"Bearer " + tok}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDevAuthKeepsIdentityInSession(t *testing.T) {
	cfg := testConfig()
	cfg.DevAuth = true
	r, _, _ := newRouter(t, cfg)

	w := get(r, "/api/voice/capabilities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	var header []string
	for _, c := range cookies {
		header = append(header, c.Name+"="+c.Value)
	}
	w = get(r, "/api/voice/capabilities", http.Header{"Cookie": {strings.Join(header, "; ")}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Result().Cookies(), "existing session is reused")
}

func TestCapabilitiesNotReadyMapsTo503(t *testing.T) {
	r, _, e := newRouter(t, testConfig())
	e.SetReady(false)
	w := get(r, "/api/voice/capabilities", http.Header{"Authorization": {"Bearer " + token(t, "alice", "Alice")}})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "ENGINE_NOT_READY")
}

func TestChannelEndpoints(t *testing.T) {
	r, o, _ := newRouter(t, testConfig())
	alice, _ := coretest.NewSession("s-a", "alice", "Alice")
	o.Join(alice, "lobby")
	auth := http.Header{"Authorization": {"Bearer " + token(t, "bob", "Bob")}}

	w := get(r, "/api/voice/channels", auth)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Channels []presence.ChannelInfo `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Channels, 1)
	assert.Equal(t, domain.ChannelID("lobby"), list.Channels[0].ID)
	assert.Equal(t, 1, list.Channels[0].Active)

	w = get(r, "/api/voice/channels/lobby", auth)
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Channel presence.ChannelInfo `json:"channel"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	require.Len(t, one.Channel.Users, 1)
	assert.Equal(t, "Alice", one.Channel.Users[0].Username)

	w = get(r, "/api/voice/channels/empty", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"channelId":"empty"`)
}

func TestSignalHandshake(t *testing.T) {
	r, _, _ := newRouter(t, testConfig())
	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	h := http.Header{"Cookie": {TokenCookie + "=" + token(t, "alice", "Alice")}}
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "whoami", "id": "1"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		OK   bool   `json:"ok"`
		Data struct {
			User domain.User `json:"user"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "response", msg.Type)
	assert.True(t, msg.OK)
	assert.Equal(t, domain.UserID("alice"), msg.Data.User.ID)
	assert.Equal(t, "Alice", msg.Data.User.Username)
}
