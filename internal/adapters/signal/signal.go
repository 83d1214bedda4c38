// Package signal is the WebSocket signaling adapter: one read loop and one
// write loop per socket, a JSON request/response envelope, and server
// pushes for roster and new-producer events.
package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

// UserKey is the gin context key under which the auth middleware stores
// the authenticated *domain.User.
const UserKey = "voice.user"

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	SendBuffer     int
	AllowedOrigins []string
	// MessageRate and MessageBurst bound requests per socket.
	MessageRate  rate.Limit
	MessageBurst int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 1
	}
	return o
}

type SignalWSController struct {
	Orch *orch.Orchestrator

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{Orch: o, opts: opts}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	return ctl
}

// originChecker allows everything when no list is configured. Requests
// without an Origin header come from non-browser clients and pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// socket is the per-connection state handed to handlers.
type socket struct {
	sess    core.Session
	conn    *WsSignalConn
	ctx     context.Context
	limiter *rate.Limiter
}

func (s *socket) sid() core.SessionID { return s.sess.ID() }
func (s *socket) user() *domain.User  { return s.sess.User() }

// HandleSignal upgrades an authenticated request. The auth middleware must
// have stored the identity under UserKey; otherwise 401 is returned before
// the upgrade.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	v, ok := c.Get(UserKey)
	user, _ := v.(*domain.User)
	if !ok || user == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	sid := core.SessionID(uuid.NewString())
	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &socket{
		sess: core.NewSession(sid, user, conn),
		conn: conn,
		ctx:  sctx,
	}
	if ctl.opts.MessageRate > 0 {
		s.limiter = rate.NewLimiter(ctl.opts.MessageRate, ctl.opts.MessageBurst)
	}

	ctl.Orch.Metrics.SignalSockets.Inc()
	log.Info().
		Str("module", "signal").
		Str("sid", string(sid)).
		Str("user", string(user.ID)).
		Str("remote", c.Request.RemoteAddr).
		Msg("new WS connection")

	go ctl.writePump(sctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(s)
		ctl.disconnect(s)
	}()
}

func (ctl *SignalWSController) disconnect(s *socket) {
	ctl.Orch.Metrics.SignalSockets.Dec()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctl.Orch.CleanupSocket(ctx, s.sid()); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid())).Msg("disconnect cleanup")
	}
}
