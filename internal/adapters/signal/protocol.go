package signal

import (
	"encoding/json"

	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

const (
	typeResponse = "response"

	TypeGetCapabilities  = "voice:get-rtp-capabilities"
	TypeCreateTransport  = "voice:create-transport"
	TypeCreateRecv       = "voice:create-recv-transport"
	TypeConnectTransport = "voice:connect-transport"
	TypeConnectRecv      = "voice:connect-recv-transport"
	TypeProduce          = "voice:produce"
	TypeConsume          = "voice:consume"
	TypeGetProducers     = "voice:get-producers"
	TypeMute             = "voice:mute"
	TypeUnmute           = "voice:unmute"
	TypeJoin             = "voice:join"
	TypeJoinStart        = "voice:join-start"
	TypeLeave            = "voice:leave"
	TypeGetUsers         = "voice:get-users"
	TypeLeaveObserver    = "voice:leave-observer"
	TypePing             = "ping"
	TypeWhoAmI           = "whoami"
)

type request struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wireError struct {
	Code    core.Code       `json:"code"`
	Class   core.ErrorClass `json:"class"`
	Message string          `json:"message"`
}

type response struct {
	Type  string     `json:"type"`
	ID    string     `json:"id,omitempty"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *wireError `json:"error,omitempty"`
}

type channelPayload struct {
	ChannelID string `json:"channelId"`
}

type connectPayload struct {
	ChannelID string              `json:"channelId,omitempty"`
	Security  core.SecurityParams `json:"security"`
}

type producePayload struct {
	ChannelID string           `json:"channelId"`
	Kind      core.MediaKind   `json:"kind"`
	Media     core.MediaParams `json:"rtpParameters"`
}

type consumePayload struct {
	ChannelID      string            `json:"channelId"`
	ProducerUserID domain.UserID     `json:"producerUserId"`
	Capabilities   core.Capabilities `json:"rtpCapabilities"`
}

type mutePayload struct {
	ProducerID string `json:"producerId"`
}

type rosterReply struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Users     []domain.User    `json:"users"`
}

type producersReply struct {
	Producers []core.PublisherInfo `json:"producers"`
}

type produceReply struct {
	ProducerID string `json:"producerId"`
}

type muteReply struct {
	Outcome orch.MuteOutcome `json:"outcome"`
}

type ack struct{}

func invalid(msg string) error { return core.Invalid(msg) }

func decode(req request, v any) error {
	if len(req.Data) == 0 {
		return core.Invalid("missing data")
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		return core.NewError(core.CodeBadRequest, "malformed data", err)
	}
	return nil
}

func parseChannel(raw string) (domain.ChannelID, error) {
	ch, err := domain.ParseChannelID(raw)
	if err != nil {
		return "", core.NewError(core.CodeBadRequest, "invalid channelId", err)
	}
	return ch, nil
}
