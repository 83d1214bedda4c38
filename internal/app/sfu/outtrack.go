package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

func (s TrackState) String() string {
	switch s {
	case TrackStateOk:
		return "ok"
	case TrackStateMuted:
		return "muted"
	case TrackStateDelete:
		return "delete"
	}
	return "unknown"
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is one consumer's leg of a relay.
type OutTrack struct {
	ConsumerID string
	Track      rtpWriter
	state      atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(consumerID string, track rtpWriter) *OutTrack {
	return &OutTrack{ConsumerID: consumerID, Track: track}
}

func (ot *OutTrack) State() TrackState {
	return TrackState(ot.state.Load())
}

// MarkOk unmutes the track. Deleted tracks stay deleted.
func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
