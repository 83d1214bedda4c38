package sfu

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
)

type consumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	media      core.MediaParams
	owner      *transport
	sender     *webrtc.RTPSender
	out        *OutTrack

	closeOnce sync.Once
}

func newConsumer(owner *transport, src *producer, sender *webrtc.RTPSender, track *webrtc.TrackLocalStaticRTP, media core.MediaParams) *consumer {
	id := uuid.NewString()
	return &consumer{
		id:         id,
		producerID: src.id,
		kind:       src.kind,
		media:      media,
		owner:      owner,
		sender:     sender,
		out:        NewOutTrack(id, track),
	}
}

func (c *consumer) ID() string              { return c.id }
func (c *consumer) ProducerID() string      { return c.producerID }
func (c *consumer) Kind() core.MediaKind    { return c.kind }
func (c *consumer) Media() core.MediaParams { return c.media }

func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.out.MarkDelete()
		c.owner.engine.relays.MarkSubscriberDelete(c.producerID, c.id)
		err = c.sender.Stop()
		c.owner.forgetConsumer(c.id)
	})
	return err
}

// drainRTCP keeps the interceptors fed and logs receiver reports until
// the sender stops.
func (c *consumer) drainRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				log.Trace().
					Str("module", "sfu").
					Str("consumer_id", c.id).
					Uint32("ssrc", r.SSRC).
					Uint8("fraction_lost", r.FractionLost).
					Uint32("jitter", r.Jitter).
					Msg("receiver report")
			}
		}
	}
}
