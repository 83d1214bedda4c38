package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicerooms/internal/core"
)

type producer struct {
	id       string
	kind     core.MediaKind
	media    core.MediaParams
	codec    webrtc.RTPCodecCapability
	owner    *transport
	receiver *webrtc.RTPReceiver
	relay    *Relay

	closed    atomic.Bool
	closeOnce sync.Once
}

func newProducer(owner *transport, kind core.MediaKind, media core.MediaParams, codec webrtc.RTPCodecCapability, r *webrtc.RTPReceiver) *producer {
	return &producer{
		id:       uuid.NewString(),
		kind:     kind,
		media:    media,
		codec:    codec,
		owner:    owner,
		receiver: r,
	}
}

func (p *producer) ID() string              { return p.id }
func (p *producer) Kind() core.MediaKind    { return p.kind }
func (p *producer) Media() core.MediaParams { return p.media }
func (p *producer) Closed() bool            { return p.closed.Load() }

func (p *producer) Pause() error {
	if p.Closed() {
		return core.ErrProducerNotFound
	}
	p.relay.Pause()
	return nil
}

func (p *producer) Resume() error {
	if p.Closed() {
		return core.ErrProducerNotFound
	}
	p.relay.Resume()
	return nil
}

func (p *producer) Paused() bool { return p.relay != nil && p.relay.Paused() }

// Close stops the relay, which leaves every consumer inert.
func (p *producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.owner.engine.relays.StopRelay(p.id)
		err = p.receiver.Stop()
		p.owner.forgetProducer(p.id)
	})
	return err
}
