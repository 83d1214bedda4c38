package orch

import (
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a socket that could not take a
// media event because its send buffer was full.
type Policy interface {
	OnBackPressure(ch domain.ChannelID, member core.Session) BackpressureAction
}

// SimplePolicy kicks slow sockets: a participant that missed a
// new-producer event would never hear that speaker.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ChannelID, core.Session) BackpressureAction {
	return KickMember
}
