package core

import (
	"encoding/json"

	"github.com/dkeye/voicerooms/internal/domain"
)

const (
	EventUsersUpdated = "voice:users-updated"
	EventNewProducer  = "voice:new-producer"
)

// Envelope is the wire shape of every server-pushed event.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type RosterEvent struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Users     []domain.User    `json:"users"`
}

type NewProducerEvent struct {
	ChannelID      domain.ChannelID `json:"channelId"`
	ProducerUserID domain.UserID    `json:"producerUserId"`
	ProducerID     string           `json:"producerId"`
}

func EncodeEvent(eventType string, data any) (Frame, error) {
	return json.Marshal(Envelope{Type: eventType, Data: data})
}
