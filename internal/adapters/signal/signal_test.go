package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/app/presence"
	"github.com/dkeye/voicerooms/internal/app/registry"
	"github.com/dkeye/voicerooms/internal/app/sfu/sfutest"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type testServer struct {
	srv    *httptest.Server
	orch   *orch.Orchestrator
	engine *sfutest.Engine
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := sfutest.NewEngine()
	o := orch.New(e, presence.NewManager(), orch.Options{})
	ctl := NewSignalWSController(o, opts)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if uid := c.Query("uid"); uid != "" {
			u, err := domain.NewUser(uid, uid, "")
			require.NoError(t, err)
			c.Set(UserKey, u)
		}
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testServer{srv: srv, orch: o, engine: e}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	in   chan map[string]json.RawMessage
	seq  atomic.Int64
}

func (ts *testServer) dial(t *testing.T, uid string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?uid=" + uid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &client{t: t, conn: conn, in: make(chan map[string]json.RawMessage, 64)}
	go func() {
		defer close(c.in)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]json.RawMessage
			if json.Unmarshal(data, &m) == nil {
				c.in <- m
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func str(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

// next returns the first message accepted by match, discarding others.
func (c *client) next(match func(map[string]json.RawMessage) bool) map[string]json.RawMessage {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-c.in:
			require.True(c.t, ok, "connection closed")
			if match(m) {
				return m
			}
		case <-timeout:
			c.t.Fatal("timed out waiting for message")
			return nil
		}
	}
}

func (c *client) send(typ, id string, data any) {
	c.t.Helper()
	msg := map[string]any{"type": typ}
	if id != "" {
		msg["id"] = id
	}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// call sends a request and waits for its response.
func (c *client) call(typ string, data any) response {
	c.t.Helper()
	id := strconv.FormatInt(c.seq.Add(1), 10)
	c.send(typ, id, data)
	m := c.next(func(m map[string]json.RawMessage) bool {
		return str(m["type"]) == typeResponse && str(m["id"]) == id
	})
	var r response
	raw, _ := json.Marshal(m)
	require.NoError(c.t, json.Unmarshal(raw, &r))
	if d, ok := m["data"]; ok {
		r.Data = d
	}
	return r
}

func (c *client) event(typ string) json.RawMessage {
	c.t.Helper()
	m := c.next(func(m map[string]json.RawMessage) bool { return str(m["type"]) == typ })
	return m["data"]
}

// waitRoster skips roster pushes until one carries n users.
func (c *client) waitRoster(n int) core.RosterEvent {
	c.t.Helper()
	var roster core.RosterEvent
	c.next(func(m map[string]json.RawMessage) bool {
		if str(m["type"]) != core.EventUsersUpdated {
			return false
		}
		roster = core.RosterEvent{}
		return json.Unmarshal(m["data"], &roster) == nil && len(roster.Users) == n
	})
	return roster
}

func decodeData[T any](t *testing.T, r response) T {
	t.Helper()
	require.True(t, r.OK, "request failed: %+v", r.Error)
	var v T
	require.NoError(t, json.Unmarshal(r.Data.(json.RawMessage), &v))
	return v
}

func (c *client) joinSequence(ch string, ssrc uint32) string {
	c.t.Helper()
	require.True(c.t, c.call(TypeJoinStart, channelPayload{ChannelID: ch}).OK)
	require.True(c.t, c.call(TypeCreateTransport, channelPayload{ChannelID: ch}).OK)
	require.True(c.t, c.call(TypeCreateRecv, channelPayload{ChannelID: ch}).OK)
	require.True(c.t, c.call(TypeConnectTransport, connectPayload{ChannelID: ch, Security: sfutest.Security()}).OK)
	require.True(c.t, c.call(TypeConnectRecv, connectPayload{Security: sfutest.Security()}).OK)
	p := decodeData[produceReply](c.t, c.call(TypeProduce, producePayload{
		ChannelID: ch, Kind: core.KindAudio, Media: sfutest.OpusMedia(ssrc),
	}))
	require.True(c.t, c.call(TypeJoin, channelPayload{ChannelID: ch}).OK)
	return p.ProducerID
}

func TestUnauthenticatedIsRejectedBeforeUpgrade(t *testing.T) {
	ts := newTestServer(t, Options{})
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOriginCheck(t *testing.T) {
	ts := newTestServer(t, Options{AllowedOrigins: []string{"https://app.example.com"}})
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?uid=alice"

	h := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h = http.Header{"Origin": {"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestCapabilitiesAndWhoAmI(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.dial(t, "alice")

	caps := decodeData[core.Capabilities](t, c.call(TypeGetCapabilities, nil))
	assert.NotEmpty(t, caps.Codecs)

	who := decodeData[whoAmIReply](t, c.call(TypeWhoAmI, nil))
	assert.Equal(t, domain.UserID("alice"), who.User.ID)
	assert.NotEmpty(t, who.SessionID)

	c.send(TypePing, "p1", nil)
	m := c.next(func(m map[string]json.RawMessage) bool { return str(m["type"]) == "pong" })
	assert.Equal(t, "p1", str(m["id"]))
}

func TestEngineNotReadyIsRetryable(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.engine.SetReady(false)
	c := ts.dial(t, "alice")

	r := c.call(TypeGetCapabilities, nil)
	require.False(t, r.OK)
	assert.Equal(t, core.CodeEngineNotReady, r.Error.Code)
	assert.Equal(t, core.ClassNotReady, r.Error.Class)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.dial(t, "alice")

	r := c.call("voice:nope", nil)
	assert.Equal(t, core.CodeBadRequest, r.Error.Code)

	r = c.call(TypeCreateTransport, nil)
	assert.Equal(t, core.CodeBadRequest, r.Error.Code)

	r = c.call(TypeCreateTransport, channelPayload{ChannelID: ""})
	assert.Equal(t, core.CodeBadRequest, r.Error.Code)

	r = c.call(TypeConsume, consumePayload{ChannelID: "x"})
	assert.Equal(t, core.CodeBadRequest, r.Error.Code)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{")))
	m := c.next(func(m map[string]json.RawMessage) bool { return str(m["type"]) == typeResponse })
	assert.Contains(t, string(m["error"]), string(core.CodeBadRequest))
}

func TestProduceWithoutUploadTransport(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.dial(t, "alice")

	r := c.call(TypeProduce, producePayload{ChannelID: "x", Kind: core.KindAudio, Media: sfutest.OpusMedia(1)})
	require.False(t, r.OK)
	assert.Equal(t, core.CodeNoSendTransport, r.Error.Code)
	assert.Equal(t, core.ClassNotFound, r.Error.Class)
}

func TestTwoPeersExchangeAudio(t *testing.T) {
	ts := newTestServer(t, Options{})
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")

	require.True(t, bob.call(TypeGetUsers, channelPayload{ChannelID: "x"}).OK)
	alicePID := alice.joinSequence("x", 11)

	roster := bob.waitRoster(1)
	assert.Equal(t, domain.UserID("alice"), roster.Users[0].ID)

	bob.joinSequence("x", 22)

	var np core.NewProducerEvent
	require.NoError(t, json.Unmarshal(alice.event(core.EventNewProducer), &np))
	assert.Equal(t, domain.UserID("bob"), np.ProducerUserID)

	producers := decodeData[producersReply](t, bob.call(TypeGetProducers, channelPayload{ChannelID: "x"}))
	assert.Len(t, producers.Producers, 2)

	desc := decodeData[core.ConsumerDescriptor](t, bob.call(TypeConsume, consumePayload{
		ChannelID: "x", ProducerUserID: "alice", Capabilities: sfutest.OpusCapabilities(),
	}))
	assert.Equal(t, alicePID, desc.ProducerID)
	assert.Equal(t, core.KindAudio, desc.Kind)

	r := bob.call(TypeConsume, consumePayload{
		ChannelID: "x", ProducerUserID: "alice", Capabilities: sfutest.OpusCapabilities(),
	})
	assert.Equal(t, core.CodeAlreadySubscribed, r.Error.Code)

	mute := decodeData[muteReply](t, alice.call(TypeMute, mutePayload{ProducerID: alicePID}))
	assert.Equal(t, orch.MuteApplied, mute.Outcome)
	mute = decodeData[muteReply](t, bob.call(TypeMute, mutePayload{ProducerID: alicePID}))
	assert.Equal(t, orch.MuteForbidden, mute.Outcome)

	left := decodeData[rosterReply](t, alice.call(TypeLeave, channelPayload{ChannelID: "x"}))
	require.Len(t, left.Users, 1)
	assert.Equal(t, domain.UserID("bob"), left.Users[0].ID)
	_, ok := ts.orch.Producers.Get(registry.Key{Channel: "x", User: "alice"})
	assert.False(t, ok)
}

func TestDisconnectCleansUp(t *testing.T) {
	ts := newTestServer(t, Options{})
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")
	alice.joinSequence("x", 11)
	bob.joinSequence("x", 22)

	require.NoError(t, alice.conn.Close())

	require.Eventually(t, func() bool {
		_, ok := ts.orch.Transports.Find("alice", domain.Upload)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	roster := bob.waitRoster(1)
	assert.Equal(t, domain.UserID("bob"), roster.Users[0].ID)
	_, ok := ts.orch.Transports.Find("bob", domain.Upload)
	assert.True(t, ok)
}

func TestMessageRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{MessageRate: 0.001, MessageBurst: 2})
	c := ts.dial(t, "alice")

	assert.True(t, c.call(TypeWhoAmI, nil).OK)
	assert.True(t, c.call(TypeWhoAmI, nil).OK)
	r := c.call(TypeWhoAmI, nil)
	require.False(t, r.OK)
	assert.Equal(t, core.CodeRateLimited, r.Error.Code)
}
