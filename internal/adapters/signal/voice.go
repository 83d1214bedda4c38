package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/domain"
)

type handlerFunc func(ctl *SignalWSController, s *socket, req request)

var handlers = map[string]handlerFunc{
	TypeGetCapabilities:  (*SignalWSController).handleCapabilities,
	TypeCreateTransport:  (*SignalWSController).handleCreateUpload,
	TypeCreateRecv:       (*SignalWSController).handleCreateDownload,
	TypeConnectTransport: (*SignalWSController).handleConnectUpload,
	TypeConnectRecv:      (*SignalWSController).handleConnectDownload,
	TypeProduce:          (*SignalWSController).handleProduce,
	TypeConsume:          (*SignalWSController).handleConsume,
	TypeGetProducers:     (*SignalWSController).handleGetProducers,
	TypeMute:             (*SignalWSController).handleMute,
	TypeUnmute:           (*SignalWSController).handleUnmute,
	TypeJoin:             (*SignalWSController).handleJoin,
	TypeJoinStart:        (*SignalWSController).handleJoinStart,
	TypeLeave:            (*SignalWSController).handleLeave,
	TypeGetUsers:         (*SignalWSController).handleGetUsers,
	TypeLeaveObserver:    (*SignalWSController).handleLeaveObserver,
	TypePing:             (*SignalWSController).handlePing,
	TypeWhoAmI:           (*SignalWSController).handleWhoAmI,
}

func (ctl *SignalWSController) handleCapabilities(s *socket, req request) {
	caps, err := ctl.Orch.Capabilities()
	ctl.reply(s, req.ID, caps, err)
}

// channelOf decodes the {channelId} payload shared by most requests.
func channelOf(req request) (domain.ChannelID, error) {
	var p channelPayload
	if err := decode(req, &p); err != nil {
		return "", err
	}
	return parseChannel(p.ChannelID)
}

func (ctl *SignalWSController) handleCreateUpload(s *socket, req request) {
	ctl.createTransport(s, req, domain.Upload)
}

func (ctl *SignalWSController) handleCreateDownload(s *socket, req request) {
	ctl.createTransport(s, req, domain.Download)
}

func (ctl *SignalWSController) createTransport(s *socket, req request, dir domain.Direction) {
	ch, err := channelOf(req)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	if dir == domain.Upload {
		params, err := ctl.Orch.CreateUpload(s.ctx, s.sess, ch)
		ctl.reply(s, req.ID, params, err)
		return
	}
	params, err := ctl.Orch.CreateDownload(s.ctx, s.sess, ch)
	ctl.reply(s, req.ID, params, err)
}

func (ctl *SignalWSController) handleConnectUpload(s *socket, req request) {
	ctl.connectTransport(s, req, domain.Upload)
}

func (ctl *SignalWSController) handleConnectDownload(s *socket, req request) {
	ctl.connectTransport(s, req, domain.Download)
}

// connectTransport accepts an empty channelId; the transport is then
// looked up by user and direction alone.
func (ctl *SignalWSController) connectTransport(s *socket, req request, dir domain.Direction) {
	var p connectPayload
	if err := decode(req, &p); err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	var ch domain.ChannelID
	if p.ChannelID != "" {
		var err error
		if ch, err = parseChannel(p.ChannelID); err != nil {
			ctl.respondErr(s, req.ID, err)
			return
		}
	}
	err := ctl.Orch.Connect(s.ctx, s.user().ID, ch, dir, p.Security)
	ctl.reply(s, req.ID, ack{}, err)
}

func (ctl *SignalWSController) handleProduce(s *socket, req request) {
	var p producePayload
	if err := decode(req, &p); err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	ch, err := parseChannel(p.ChannelID)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	id, err := ctl.Orch.Publish(s.ctx, s.sess, ch, p.Kind, p.Media)
	ctl.reply(s, req.ID, produceReply{ProducerID: id}, err)
}

func (ctl *SignalWSController) handleConsume(s *socket, req request) {
	var p consumePayload
	if err := decode(req, &p); err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	ch, err := parseChannel(p.ChannelID)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	if p.ProducerUserID == "" {
		ctl.respondErr(s, req.ID, invalid("missing producerUserId"))
		return
	}
	desc, err := ctl.Orch.Subscribe(s.ctx, s.sess, ch, p.ProducerUserID, p.Capabilities)
	ctl.reply(s, req.ID, desc, err)
}

func (ctl *SignalWSController) handleGetProducers(s *socket, req request) {
	ch, err := channelOf(req)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	ctl.respond(s, req.ID, producersReply{Producers: ctl.Orch.ListPublishers(ch)})
}

func (ctl *SignalWSController) handleMute(s *socket, req request)   { ctl.mute(s, req, true) }
func (ctl *SignalWSController) handleUnmute(s *socket, req request) { ctl.mute(s, req, false) }

// mute is fire-and-forget for clients that send no id.
func (ctl *SignalWSController) mute(s *socket, req request, paused bool) {
	var p mutePayload
	if err := decode(req, &p); err != nil || p.ProducerID == "" {
		if req.ID != "" {
			ctl.respondErr(s, req.ID, invalid("missing producerId"))
		}
		return
	}
	var res orch.MuteResult
	if paused {
		res = ctl.Orch.Mute(s.sess, p.ProducerID)
	} else {
		res = ctl.Orch.Unmute(s.sess, p.ProducerID)
	}
	if req.ID != "" {
		ctl.respond(s, req.ID, muteReply{Outcome: res.Outcome})
	}
}

func (ctl *SignalWSController) handleJoinStart(s *socket, req request) {
	ch, err := channelOf(req)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	err = ctl.Orch.JoinStart(s.ctx, s.sess, ch)
	ctl.reply(s, req.ID, ack{}, err)
}

func (ctl *SignalWSController) handleJoin(s *socket, req request) {
	ch, err := channelOf(req)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	users := ctl.Orch.Join(s.sess, ch)
	log.Info().Str("module", "signal").Str("channel", string(ch)).Str("user", string(s.user().ID)).Msg("joined")
	if req.ID != "" {
		ctl.respond(s, req.ID, rosterReply{ChannelID: ch, Users: users})
	}
}

func (ctl *SignalWSController) handleLeave(s *socket, req request) {
	ch, err := channelOf(req)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	users, err := ctl.Orch.Leave(s.ctx, s.sess, ch)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("channel", string(ch)).Msg("leave cleanup")
	}
	log.Info().Str("module", "signal").Str("channel", string(ch)).Str("user", string(s.user().ID)).Msg("left")
	if req.ID != "" {
		ctl.respond(s, req.ID, rosterReply{ChannelID: ch, Users: users})
	}
}

func (ctl *SignalWSController) handleGetUsers(s *socket, req request) {
	ch, err := channelOf(req)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	users := ctl.Orch.Presence.JoinObserver(ch, s.sess)
	if req.ID != "" {
		ctl.respond(s, req.ID, rosterReply{ChannelID: ch, Users: users})
	}
}

func (ctl *SignalWSController) handleLeaveObserver(s *socket, req request) {
	ch, err := channelOf(req)
	if err != nil {
		ctl.respondErr(s, req.ID, err)
		return
	}
	ctl.Orch.Presence.LeaveObserver(ch, s.sid())
	if req.ID != "" {
		ctl.respond(s, req.ID, ack{})
	}
}
