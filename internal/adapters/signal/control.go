package signal

import "github.com/dkeye/voicerooms/internal/domain"

func (ctl *SignalWSController) handlePing(s *socket, req request) {
	ctl.sendJSON(s.conn, map[string]string{"type": "pong", "id": req.ID})
}

type whoAmIReply struct {
	SessionID string      `json:"sessionId"`
	User      domain.User `json:"user"`
}

func (ctl *SignalWSController) handleWhoAmI(s *socket, req request) {
	ctl.respond(s, req.ID, whoAmIReply{SessionID: string(s.sid()), User: *s.user()})
}
