package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump runs the socket's handlers one at a time, in arrival order.
func (ctl *SignalWSController) readPump(s *socket) {
	sid := string(s.sid())
	c := s.conn
	defer func() {
		log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump closing")
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-s.ctx.Done():
			log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", sid).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(s, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(s *socket, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid())).Msg("bad json")
		ctl.respondErr(s, "", core.Invalid("malformed message"))
		return
	}

	h, ok := handlers[req.Type]
	label := req.Type
	if !ok {
		label = "unknown"
	}
	ctl.Orch.Metrics.SignalRequests.WithLabelValues(label).Inc()
	if !ok {
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown signal")
		ctl.respondErr(s, req.ID, core.Invalid("unknown message type "+req.Type))
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		ctl.respondErr(s, req.ID, core.ErrRateLimited)
		return
	}
	h(ctl, s, req)
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) respond(s *socket, id string, data any) {
	ctl.sendJSON(s.conn, response{Type: typeResponse, ID: id, OK: true, Data: data})
}

func (ctl *SignalWSController) respondErr(s *socket, id string, err error) {
	e := core.AsError(err)
	ev := log.Debug()
	if e.Class() == core.ClassInternal {
		ev = log.Warn()
	}
	ev.Err(err).Str("module", "signal").Str("sid", string(s.sid())).Str("id", id).Str("code", string(e.Code)).Msg("request failed")
	ctl.sendJSON(s.conn, response{
		Type:  typeResponse,
		ID:    id,
		Error: &wireError{Code: e.Code, Class: e.Class(), Message: e.Message},
	})
}

// reply answers with either data or err.
func (ctl *SignalWSController) reply(s *socket, id string, data any, err error) {
	if err != nil {
		ctl.respondErr(s, id, err)
		return
	}
	ctl.respond(s, id, data)
}
